// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// onWriteRequest admits a new IncomingTransfer.
func (p *Protocol) onWriteRequest(peer Peer, wr *WriteRequest) {
	if _, exists := p.incoming[peer]; exists {
		return
	}

	switch {
	case wr.DataSize == 0 || uint64(wr.DataSize) > uint64(p.conf.BinarySizeLimit):
		p.reject(peer, wr.Nonce, newTransferError(KindSize,
			"data size %d is not within (0, %d]", wr.DataSize, p.conf.BinarySizeLimit))
		return

	case len(wr.Info) > p.conf.BlockSize:
		p.reject(peer, wr.Nonce, newTransferError(KindValue,
			"info of %d bytes exceeds the block size %d", len(wr.Info), p.conf.BlockSize))
		return

	case p.activeCount() >= p.conf.MaxSimultaneousTransfers:
		p.reject(peer, wr.Nonce, newTransferError(KindTransferLimit,
			"maximum of %d simultaneous transfers reached", p.conf.MaxSimultaneousTransfers))
		return
	}

	t := newIncomingTransfer(peer, wr, p.conf.BlockSize, p.conf.WindowSize)
	p.incoming[peer] = t

	if r, ok := p.requests[requestKey{peer, wr.Nonce}]; ok {
		t.completion = r.completion
	}

	log.WithFields(log.Fields{
		"transfer": t,
		"active":   p.activeCount(),
	}).Debug("Accepted incoming EVA transfer")

	p.send(peer, t.acknowledgement())

	t.retransmit = newTimer(p.conf.RetransmitInterval, p.event(func() {
		p.retransmitAcknowledgement(t)
	}))
	p.startWatchdog(&t.transfer)
}

// reject a WriteRequest, which never became a transfer. A pending request awaiting this transfer fails with the
// same error.
func (p *Protocol) reject(peer Peer, nonce uint32, terr *TransferError) {
	terr = terr.with(peer, nonce)

	log.WithError(terr).WithFields(log.Fields{
		"peer":  peer,
		"nonce": nonce,
	}).Info("Rejecting incoming EVA transfer")

	p.sendError(peer, nonce, true, terr)

	if r, ok := p.requests[requestKey{peer, nonce}]; ok {
		p.failRequest(r, terr)
	} else {
		p.notifyError(peer, terr)
	}
}

// retransmitAcknowledgement resends the current Acknowledgement if the window made no progress since the last tick.
func (p *Protocol) retransmitAcknowledgement(t *IncomingTransfer) {
	if t.terminated {
		return
	}

	if t.progress {
		t.progress = false
		t.attempt = 0
		t.retransmit.reset(p.conf.RetransmitInterval)
		return
	}

	t.attempt++
	if t.attempt > p.conf.RetransmitAttempts {
		p.finish(&t.transfer, Result{}, newTransferError(KindTimeout, "no data after %d acknowledgements", t.attempt))
		return
	}

	log.WithFields(log.Fields{
		"transfer": t,
		"attempt":  t.attempt,
	}).Debug("Retransmitting EVA acknowledgement")

	t.touch()
	p.send(t.peer, t.acknowledgement())
	t.retransmit.reset(p.conf.RetransmitInterval)
}

func (p *Protocol) onData(peer Peer, d *Data) {
	t, ok := p.incoming[peer]
	if !ok || t.terminated {
		return
	}

	ack, finished, err := t.onData(d)
	if err != nil {
		var terr *TransferError
		if !errors.As(err, &terr) {
			terr = newTransferError(KindGeneric, "%v", err)
		}

		p.sendError(peer, t.nonce, true, terr)
		p.finish(&t.transfer, Result{}, terr)
		return
	}

	if ack == nil {
		return
	}

	p.send(peer, ack)

	if finished {
		p.finish(&t.transfer, t.result(), nil)
	}
}

// onErrorMessage terminates the mirror of a transfer failed at the peer. An Error with Incoming set refers to our
// outgoing transfer. Otherwise, it refers to our incoming transfer or to a pending request.
func (p *Protocol) onErrorMessage(peer Peer, msg *Error) {
	terr := newRemoteError(peer, msg)

	if msg.Incoming {
		if t, ok := p.outgoing[peer]; ok && t.nonce == msg.Nonce {
			p.finish(&t.transfer, Result{}, terr)
		}
		return
	}

	if t, ok := p.incoming[peer]; ok && t.nonce == msg.Nonce {
		p.finish(&t.transfer, Result{}, terr)
		return
	}

	if r, ok := p.requests[requestKey{peer, msg.Nonce}]; ok {
		p.failRequest(r, terr)
	}
}
