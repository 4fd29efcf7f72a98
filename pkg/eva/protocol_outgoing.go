// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	log "github.com/sirupsen/logrus"
)

// startOutgoing activates a scheduled OutgoingTransfer by sending its WriteRequest.
func (p *Protocol) startOutgoing(t *OutgoingTransfer) {
	p.outgoing[t.peer] = t
	t.touch()

	log.WithFields(log.Fields{
		"transfer": &t.transfer,
		"active":   p.activeCount(),
	}).Debug("Starting outgoing EVA transfer")

	p.send(t.peer, t.writeRequest())

	t.retransmit = newTimer(p.conf.RetransmitInterval, p.event(func() {
		p.retransmitWriteRequest(t)
	}))
	p.startWatchdog(&t.transfer)
}

// retransmitWriteRequest resends the WriteRequest until the first Acknowledgement arrives.
func (p *Protocol) retransmitWriteRequest(t *OutgoingTransfer) {
	if t.terminated || t.acknowledgementReceived {
		return
	}

	if t.attempt >= p.conf.RetransmitAttempts {
		p.finish(&t.transfer, Result{}, newTransferError(KindTimeout, "no acknowledgement after %d attempts", t.attempt+1))
		return
	}

	t.attempt++
	t.touch()

	log.WithFields(log.Fields{
		"transfer": &t.transfer,
		"attempt":  t.attempt,
	}).Debug("Retransmitting EVA write request")

	p.send(t.peer, t.writeRequest())
	t.retransmit.reset(p.conf.RetransmitInterval)
}

func (p *Protocol) onAcknowledgement(peer Peer, ack *Acknowledgement) {
	t, ok := p.outgoing[peer]
	if !ok || t.nonce != ack.Nonce || t.terminated {
		return
	}

	t.retransmit.stop()

	blocks, finished := t.onAcknowledgement(ack)
	if finished {
		p.finish(&t.transfer, t.result(), nil)
		return
	}

	for _, block := range blocks {
		p.send(peer, block)
	}
}

// cancelOutgoing terminates a scheduled or active OutgoingTransfer on its caller's request.
func (p *Protocol) cancelOutgoing(t *OutgoingTransfer) {
	if t.terminated {
		return
	}

	p.scheduler.remove(t)
	p.finish(&t.transfer, Result{}, ErrTransferCancelled)
}
