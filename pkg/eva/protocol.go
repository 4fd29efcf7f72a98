// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/cron"
)

// Overlay is the unreliable, datagram-oriented layer below EVA. Send must not block on the network and must never
// call back into the Protocol synchronously; delivery might silently fail. Register binds a handler for one Kind,
// which the Overlay calls for every received message of this Kind.
type Overlay interface {
	Send(peer Peer, kind Kind, payload []byte) error
	Register(kind Kind, handler func(peer Peer, payload []byte))
}

// RequestHandler answers a pull request by returning the requested binary. An error rejects the request.
type RequestHandler func(peer Peer, info []byte) ([]byte, error)

// Protocol implements EVA for one local peer on top of an Overlay.
//
// All transfer state is owned by a single handler goroutine. Public methods, received messages and expired timers
// are passed to this goroutine as events. Callbacks are executed in order on a separate goroutine and are allowed
// to call the Protocol's methods.
type Protocol struct {
	self    Peer
	overlay Overlay
	conf    Config

	outgoing  map[Peer]*OutgoingTransfer
	incoming  map[Peer]*IncomingTransfer
	scheduler *scheduler
	requests  map[requestKey]*request

	handlersMutex  sync.RWMutex
	onReceive      []func(Result)
	onSendComplete []func(Result)
	onError        []func(Peer, *TransferError)
	onRequest      RequestHandler

	notifier *notifier
	cron     *cron.Cron

	events  chan func()
	stopSyn chan struct{}
	stopAck chan struct{}
	stopped uint32
}

// NewProtocol creates and starts a Protocol for the local peer self. It registers itself at the Overlay for each
// of EVA's message kinds.
func NewProtocol(self Peer, overlay Overlay, conf Config) (p *Protocol, err error) {
	if err = conf.CheckValid(); err != nil {
		return
	}

	p = &Protocol{
		self:    self,
		overlay: overlay,
		conf:    conf,

		outgoing:  make(map[Peer]*OutgoingTransfer),
		incoming:  make(map[Peer]*IncomingTransfer),
		scheduler: newScheduler(),
		requests:  make(map[requestKey]*request),

		notifier: newNotifier(),

		events:  make(chan func()),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go p.handler()

	if conf.ScheduledSendInterval > 0 {
		resolution := time.Second
		if conf.ScheduledSendInterval < resolution {
			resolution = conf.ScheduledSendInterval
		}

		p.cron = cron.NewCronResolution(resolution)
		if err = p.cron.Register("eva-scheduled-send", p.event(p.schedule), conf.ScheduledSendInterval); err != nil {
			_ = p.Shutdown(context.Background())
			p = nil
			return
		}
	}

	for _, kind := range Kinds {
		kind := kind
		overlay.Register(kind, func(peer Peer, payload []byte) {
			p.onPacket(peer, kind, payload)
		})
	}

	log.WithFields(log.Fields{
		"peer":        self,
		"block_size":  conf.BlockSize,
		"window_size": conf.WindowSize,
	}).Debug("Started EVA protocol")

	return
}

// handler is the only goroutine accessing the transfer state.
func (p *Protocol) handler() {
	defer close(p.stopAck)

	for {
		select {
		case <-p.stopSyn:
			return

		case f := <-p.events:
			f()
		}
	}
}

// post an event to the handler. It reports false if the handler was already stopped.
func (p *Protocol) post(f func()) bool {
	select {
	case p.events <- f:
		return true
	case <-p.stopAck:
		return false
	}
}

// event wraps f to be posted to the handler, e.g., by a timer.
func (p *Protocol) event(f func()) func() {
	return func() {
		p.post(f)
	}
}

// call f within the handler and wait for its completion.
func (p *Protocol) call(f func()) error {
	done := make(chan struct{})
	if !p.post(func() {
		defer close(done)
		f()
	}) {
		return ErrClosed
	}

	<-done
	return nil
}

func (p *Protocol) isStopped() bool {
	return atomic.LoadUint32(&p.stopped) != 0
}

// OnReceive registers a callback for each successfully received binary.
func (p *Protocol) OnReceive(f func(Result)) {
	p.handlersMutex.Lock()
	defer p.handlersMutex.Unlock()

	p.onReceive = append(p.onReceive, f)
}

// OnSendComplete registers a callback for each successfully sent binary.
func (p *Protocol) OnSendComplete(f func(Result)) {
	p.handlersMutex.Lock()
	defer p.handlersMutex.Unlock()

	p.onSendComplete = append(p.onSendComplete, f)
}

// OnError registers a callback for each failed transfer or rejected request.
func (p *Protocol) OnError(f func(Peer, *TransferError)) {
	p.handlersMutex.Lock()
	defer p.handlersMutex.Unlock()

	p.onError = append(p.onError, f)
}

// OnRequest sets the RequestHandler answering pull requests. Without a RequestHandler, all requests are rejected.
func (p *Protocol) OnRequest(f RequestHandler) {
	p.handlersMutex.Lock()
	defer p.handlersMutex.Unlock()

	p.onRequest = f
}

func (p *Protocol) requestHandler() RequestHandler {
	p.handlersMutex.RLock()
	defer p.handlersMutex.RUnlock()

	return p.onRequest
}

func (p *Protocol) notifyReceive(result Result) {
	p.notifier.push(func() {
		p.handlersMutex.RLock()
		handlers := p.onReceive
		p.handlersMutex.RUnlock()

		for _, f := range handlers {
			f(result)
		}
	})
}

func (p *Protocol) notifySendComplete(result Result) {
	p.notifier.push(func() {
		p.handlersMutex.RLock()
		handlers := p.onSendComplete
		p.handlersMutex.RUnlock()

		for _, f := range handlers {
			f(result)
		}
	})
}

func (p *Protocol) notifyError(peer Peer, err *TransferError) {
	p.notifier.push(func() {
		p.handlersMutex.RLock()
		handlers := p.onError
		p.handlersMutex.RUnlock()

		for _, f := range handlers {
			f(peer, err)
		}
	})
}

// randomNonce picks a nonce from [0, 2^32).
func randomNonce() uint32 {
	return rand.Uint32()
}

// SendBinary sends data with its info to a peer under a random nonce. Argument errors are returned immediately,
// every later error fails the Completion. The transfer might be scheduled to start later. The data must not be
// modified until the transfer has finished.
func (p *Protocol) SendBinary(peer Peer, info, data []byte) (*Completion, error) {
	return p.SendBinaryNonce(peer, info, data, randomNonce())
}

// SendBinaryNonce sends data like SendBinary, but with a given nonce.
func (p *Protocol) SendBinaryNonce(peer Peer, info, data []byte, nonce uint32) (c *Completion, err error) {
	switch {
	case peer == p.self:
		err = newTransferError(KindValue, "sending to oneself is not allowed").with(peer, nonce)
		return
	case len(data) == 0:
		err = newTransferError(KindValue, "data must not be empty").with(peer, nonce)
		return
	case len(info) > p.conf.BlockSize:
		err = newTransferError(KindValue, "info of %d bytes exceeds the block size %d", len(info), p.conf.BlockSize).with(peer, nonce)
		return
	case uint64(len(data)) > uint64(p.conf.BinarySizeLimit):
		err = newTransferError(KindSize, "data of %d bytes exceeds the binary size limit %d", len(data), p.conf.BinarySizeLimit).with(peer, nonce)
		return
	}

	t := newOutgoingTransfer(peer, info, data, nonce, p.conf.BlockSize)
	t.completion.cancel = p.event(func() {
		p.cancelOutgoing(t)
	})

	if callErr := p.call(func() {
		if p.isStopped() {
			err = ErrClosed
			return
		}

		p.scheduler.push(t)
		p.schedule()

		log.WithFields(log.Fields{
			"peer":      peer,
			"nonce":     nonce,
			"info":      string(info),
			"size":      len(data),
			"active":    p.activeCount(),
			"scheduled": p.scheduler.len(),
		}).Debug("Scheduled outgoing transfer")
	}); callErr != nil {
		err = callErr
	}

	if err == nil {
		c = t.completion
	}
	return
}

// OnMessage processes a received EVA message from a peer. An Overlay usually calls this through the registered
// handlers; it might be used directly by Overlays which decode messages themselves.
func (p *Protocol) OnMessage(peer Peer, msg Message) {
	p.post(func() {
		p.dispatch(peer, msg)
	})
}

// onPacket decodes an overlay payload of the given kind.
func (p *Protocol) onPacket(peer Peer, kind Kind, payload []byte) {
	msg, err := ParseMessage(kind, payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": peer,
			"kind": kind,
		}).Debug("Dropping malformed EVA message")
		return
	}

	p.OnMessage(peer, msg)
}

// dispatch a message to its transfer. Messages without a matching transfer are dropped.
func (p *Protocol) dispatch(peer Peer, msg Message) {
	if p.isStopped() || peer == p.self {
		return
	}

	log.WithFields(log.Fields{
		"peer":    peer,
		"message": msg,
	}).Trace("EVA received message")

	switch msg := msg.(type) {
	case *WriteRequest:
		p.onWriteRequest(peer, msg)
	case *Acknowledgement:
		p.onAcknowledgement(peer, msg)
	case *Data:
		p.onData(peer, msg)
	case *Error:
		p.onErrorMessage(peer, msg)
	case *ReadRequest:
		p.onReadRequest(peer, msg)
	default:
		log.WithFields(log.Fields{
			"peer":    peer,
			"message": msg,
		}).Debug("Dropping unexpected EVA message")
	}
}

// send a message to a peer. Overlay errors are logged, as the Overlay is unreliable anyway.
func (p *Protocol) send(peer Peer, msg Message) {
	payload, err := MarshalMessage(msg)
	if err != nil {
		log.WithError(err).WithField("message", msg).Warn("Marshalling EVA message errored")
		return
	}

	if err := p.overlay.Send(peer, msg.Kind(), payload); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer":    peer,
			"message": msg,
		}).Debug("Overlay failed to send EVA message")
	}
}

// sendError informs a peer about a failed transfer. The message is truncated to fit into one block.
func (p *Protocol) sendError(peer Peer, nonce uint32, incoming bool, err *TransferError) {
	message := []byte(err.Message)
	if len(message) > p.conf.BlockSize {
		message = message[:p.conf.BlockSize]
	}

	p.send(peer, NewError(incoming, nonce, err.Kind, message))
}

// activeCount is the number of active incoming and outgoing transfers.
func (p *Protocol) activeCount() int {
	return len(p.outgoing) + len(p.incoming)
}

// startWatchdog arms the inactivity watchdog for a transfer, if enabled.
func (p *Protocol) startWatchdog(t *transfer) {
	if !p.conf.TerminationEnabled {
		return
	}

	t.watchdog = newTimer(p.conf.TerminationTimeout, p.event(func() {
		p.checkWatchdog(t)
	}))
}

func (p *Protocol) checkWatchdog(t *transfer) {
	if t.terminated {
		return
	}

	if idle := time.Since(t.updated); idle < p.conf.TerminationTimeout {
		t.watchdog.reset(p.conf.TerminationTimeout - idle)
		return
	}

	p.finish(t, Result{}, newTransferError(KindTimeout, "terminated after %v of inactivity", p.conf.TerminationTimeout))
}

// finish terminates a transfer, successfully for a nil error. The transfer is removed before its result is
// delivered to the callbacks and its Completion.
func (p *Protocol) finish(t *transfer, result Result, terr *TransferError) {
	if t.terminated {
		return
	}

	t.terminated = true
	t.retransmit.stop()
	t.watchdog.stop()

	switch t.direction {
	case Outgoing:
		if o, ok := p.outgoing[t.peer]; ok && &o.transfer == t {
			delete(p.outgoing, t.peer)
		}
	case Incoming:
		if i, ok := p.incoming[t.peer]; ok && &i.transfer == t {
			delete(p.incoming, t.peer)
		}
	}

	logger := log.WithFields(log.Fields{
		"transfer": t,
		"active":   p.activeCount(),
	})

	if terr != nil {
		terr = terr.with(t.peer, t.nonce)
		logger.WithError(terr).Info("EVA transfer failed")

		p.notifyError(t.peer, terr)
		t.completion.resolve(Result{}, terr)
	} else {
		logger.Info("EVA transfer finished")

		if t.direction == Outgoing {
			p.notifySendComplete(result)
		} else {
			p.notifyReceive(result)
		}
		t.completion.resolve(result, nil)
	}

	if t.direction == Incoming {
		p.resolveRequest(t.peer, t.nonce, result, terr)
	}

	p.schedule()
}

// schedule starts queued outgoing transfers while the peer has no active outgoing transfer and the limit of
// simultaneous transfers is not reached.
func (p *Protocol) schedule() {
	if p.isStopped() {
		return
	}

	eligible := func(peer Peer) bool {
		_, busy := p.outgoing[peer]
		return !busy && p.activeCount() < p.conf.MaxSimultaneousTransfers
	}

	for t := p.scheduler.pop(eligible); t != nil; t = p.scheduler.pop(eligible) {
		p.startOutgoing(t)
	}
}

// Snapshot lists all active and scheduled transfers.
func (p *Protocol) Snapshot() (infos []TransferInfo, err error) {
	err = p.call(func() {
		for _, t := range p.outgoing {
			infos = append(infos, t.view(false))
		}
		for _, t := range p.incoming {
			infos = append(infos, t.view(false))
		}
		for _, t := range p.scheduler.transfers() {
			infos = append(infos, t.view(true))
		}
	})
	return
}

// Shutdown terminates every transfer, scheduled transfer and pending request with ErrShutdown and stops the
// Protocol. It returns after all callbacks were executed or the context is done. Thus, it must not be called from
// within a callback.
func (p *Protocol) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return ErrClosed
	}

	if p.cron != nil {
		p.cron.Stop()
	}

	_ = p.call(func() {
		for _, t := range p.scheduler.drain() {
			p.finish(&t.transfer, Result{}, ErrShutdown)
		}
		for _, t := range p.outgoing {
			p.finish(&t.transfer, Result{}, ErrShutdown)
		}
		for _, t := range p.incoming {
			p.finish(&t.transfer, Result{}, ErrShutdown)
		}
		for _, r := range p.requests {
			p.failRequest(r, ErrShutdown)
		}
	})

	close(p.stopSyn)
	<-p.stopAck

	log.WithField("peer", p.self).Debug("Stopped EVA protocol")

	return p.notifier.close(ctx)
}
