// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

type requestKey struct {
	peer  Peer
	nonce uint32
}

// request is a pending pull request, waiting for the IncomingTransfer with its nonce.
type request struct {
	peer  Peer
	nonce uint32
	info  []byte

	completion *Completion
	watchdog   *timer
	done       bool
}

// GetBinary requests the binary identified by info from a peer. The peer's RequestHandler answers with an ordinary
// transfer, echoing info and the request's nonce, which resolves the returned Completion.
func (p *Protocol) GetBinary(peer Peer, info []byte) (c *Completion, err error) {
	switch {
	case peer == p.self:
		err = newTransferError(KindValue, "requesting from oneself is not allowed").with(peer, 0)
		return
	case len(info) > p.conf.BlockSize:
		err = newTransferError(KindValue, "info of %d bytes exceeds the block size %d", len(info), p.conf.BlockSize).with(peer, 0)
		return
	}

	if callErr := p.call(func() {
		if p.isStopped() {
			err = ErrClosed
			return
		}

		nonce := randomNonce()
		for p.requests[requestKey{peer, nonce}] != nil {
			nonce = randomNonce()
		}

		r := &request{
			peer:       peer,
			nonce:      nonce,
			info:       info,
			completion: newCompletion(),
		}
		r.completion.cancel = p.event(func() {
			p.cancelRequest(r)
		})
		p.requests[requestKey{peer, nonce}] = r

		if p.conf.TerminationEnabled {
			r.watchdog = newTimer(p.conf.TerminationTimeout, p.event(func() {
				p.checkRequest(r)
			}))
		}

		log.WithFields(log.Fields{
			"peer":  peer,
			"nonce": nonce,
			"info":  string(info),
		}).Debug("Requesting binary")

		p.send(peer, NewReadRequest(nonce, info))
		c = r.completion
	}); callErr != nil {
		err = callErr
	}
	return
}

// checkRequest times out a request unless its transfer has started.
func (p *Protocol) checkRequest(r *request) {
	if r.done {
		return
	}

	if t, ok := p.incoming[r.peer]; ok && t.nonce == r.nonce {
		r.watchdog.reset(p.conf.TerminationTimeout)
		return
	}

	p.failRequest(r, newTransferError(KindTimeout, "no response within %v", p.conf.TerminationTimeout))
}

// resolveRequest completes the request matching a finished IncomingTransfer, if any. Callbacks were already
// notified by the transfer.
func (p *Protocol) resolveRequest(peer Peer, nonce uint32, result Result, terr *TransferError) {
	r, ok := p.requests[requestKey{peer, nonce}]
	if !ok {
		return
	}

	p.closeRequest(r)
	if terr != nil {
		r.completion.resolve(Result{}, terr)
	} else {
		r.completion.resolve(result, nil)
	}
}

// failRequest terminates a request before its transfer has started.
func (p *Protocol) failRequest(r *request, terr *TransferError) {
	if r.done {
		return
	}

	p.closeRequest(r)

	terr = terr.with(r.peer, r.nonce)
	log.WithError(terr).WithFields(log.Fields{
		"peer":  r.peer,
		"nonce": r.nonce,
		"info":  string(r.info),
	}).Info("EVA request failed")

	p.notifyError(r.peer, terr)
	r.completion.resolve(Result{}, terr)
}

func (p *Protocol) closeRequest(r *request) {
	r.done = true
	r.watchdog.stop()
	delete(p.requests, requestKey{r.peer, r.nonce})
}

// cancelRequest cancels a request and its transfer, if already started.
func (p *Protocol) cancelRequest(r *request) {
	if r.done {
		return
	}

	if t, ok := p.incoming[r.peer]; ok && t.nonce == r.nonce {
		p.finish(&t.transfer, Result{}, ErrTransferCancelled)
		return
	}

	p.failRequest(r, ErrTransferCancelled)
}

// onReadRequest answers a pull request by the RequestHandler's binary. The RequestHandler is executed in its own
// goroutine, as it might take some time to fetch the binary.
func (p *Protocol) onReadRequest(peer Peer, rr *ReadRequest) {
	handler := p.requestHandler()
	if handler == nil {
		p.rejectRequest(peer, rr.Nonce, newTransferError(KindRequestRejected, "no request handler registered"))
		return
	}

	go func() {
		data, err := callRequestHandler(handler, peer, rr.Info)
		if err != nil {
			p.post(func() {
				p.rejectRequest(peer, rr.Nonce, newTransferError(KindRequestRejected, "%v", err))
			})
			return
		}

		if _, err := p.SendBinaryNonce(peer, rr.Info, data, rr.Nonce); err != nil {
			var terr *TransferError
			if !errors.As(err, &terr) {
				log.WithError(err).WithField("peer", peer).Debug("Answering EVA request errored")
				return
			}

			p.post(func() {
				p.rejectRequest(peer, rr.Nonce, terr)
			})
		}
	}()
}

// callRequestHandler converts a panicking RequestHandler into an error.
func callRequestHandler(handler RequestHandler, peer Peer, info []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()

	return handler(peer, info)
}

// rejectRequest informs the requesting peer and reports the rejection locally.
func (p *Protocol) rejectRequest(peer Peer, nonce uint32, terr *TransferError) {
	if p.isStopped() {
		return
	}

	terr = terr.with(peer, nonce)

	log.WithError(terr).WithFields(log.Fields{
		"peer":  peer,
		"nonce": nonce,
	}).Info("Rejecting EVA request")

	p.sendError(peer, nonce, false, terr)
	p.notifyError(peer, terr)
}
