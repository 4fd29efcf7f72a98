// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"sync"
)

// packet in transit between two dummyOverlays.
type packet struct {
	from    Peer
	to      Peer
	kind    Kind
	payload []byte
}

// dummyHub connects multiple dummyOverlays and helps mocking an Overlay. Its filter might drop, reorder or
// duplicate packets by returning the packets to be delivered.
type dummyHub struct {
	mutex    sync.Mutex
	overlays map[Peer]*dummyOverlay
	filter   func(p packet) []packet
}

func newDummyHub() *dummyHub {
	return &dummyHub{overlays: make(map[Peer]*dummyOverlay)}
}

// setFilter replaces the dummyHub's packet filter.
func (dh *dummyHub) setFilter(filter func(p packet) []packet) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	dh.filter = filter
}

// dropFrom drops every packet sent by a peer.
func (dh *dummyHub) dropFrom(peer Peer) {
	dh.setFilter(func(p packet) []packet {
		if p.from == peer {
			return nil
		}
		return []packet{p}
	})
}

func (dh *dummyHub) connect(o *dummyOverlay) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	dh.overlays[o.peer] = o
}

// receive a packet and enqueue it at its destination.
func (dh *dummyHub) receive(p packet) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	packets := []packet{p}
	if dh.filter != nil {
		packets = dh.filter(p)
	}

	for _, p := range packets {
		if o, ok := dh.overlays[p.to]; ok {
			o.deliver(p)
		}
	}
}

func (dh *dummyHub) close() {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	for _, o := range dh.overlays {
		close(o.closeSyn)
	}
	dh.overlays = make(map[Peer]*dummyOverlay)
}

// dummyOverlay is an unreliable, asynchronous Overlay used for testing. Packets are delivered in order by its own
// goroutine; a full queue drops packets.
type dummyOverlay struct {
	peer Peer
	hub  *dummyHub

	handlersMutex sync.RWMutex
	handlers      map[Kind]func(Peer, []byte)

	inChan   chan packet
	closeSyn chan struct{}
}

func newDummyOverlay(peer Peer, hub *dummyHub) *dummyOverlay {
	o := &dummyOverlay{
		peer:     peer,
		hub:      hub,
		handlers: make(map[Kind]func(Peer, []byte)),
		inChan:   make(chan packet, 4096),
		closeSyn: make(chan struct{}),
	}
	hub.connect(o)

	go o.handle()

	return o
}

func (o *dummyOverlay) handle() {
	for {
		select {
		case <-o.closeSyn:
			return

		case p := <-o.inChan:
			o.handlersMutex.RLock()
			handler, ok := o.handlers[p.kind]
			o.handlersMutex.RUnlock()

			if ok {
				handler(p.from, p.payload)
			}
		}
	}
}

func (o *dummyOverlay) deliver(p packet) {
	select {
	case o.inChan <- p:
	default:
	}
}

func (o *dummyOverlay) Send(peer Peer, kind Kind, payload []byte) error {
	o.hub.receive(packet{from: o.peer, to: peer, kind: kind, payload: payload})
	return nil
}

func (o *dummyOverlay) Register(kind Kind, handler func(Peer, []byte)) {
	o.handlersMutex.Lock()
	defer o.handlersMutex.Unlock()

	o.handlers[kind] = handler
}
