// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/eva"
)

// Intercept inspects a frame sent from one peer to another. Returning false drops the frame.
type Intercept func(from, to eva.Peer, frame []byte) bool

// Hub connects multiple MemoryOverlays within one process.
type Hub struct {
	mutex    sync.Mutex
	overlays map[eva.Peer]*MemoryOverlay

	frameCounter int
	frameDrop    int
	intercept    Intercept
}

// NewHub creates a new lossless Hub.
func NewHub() *Hub {
	return &Hub{overlays: make(map[eva.Peer]*MemoryOverlay)}
}

// NewHubDrop creates a new Hub which drops each nth frame.
func NewHubDrop(n int) *Hub {
	hub := NewHub()
	hub.frameDrop = n
	return hub
}

// SetIntercept installs an Intercept for all following frames; nil removes it.
func (hub *Hub) SetIntercept(intercept Intercept) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.intercept = intercept
}

func (hub *Hub) connect(o *MemoryOverlay) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if _, exists := hub.overlays[o.peer]; exists {
		return fmt.Errorf("peer %v is already connected", o.peer)
	}

	hub.overlays[o.peer] = o
	return nil
}

func (hub *Hub) disconnect(o *MemoryOverlay) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if hub.overlays[o.peer] == o {
		delete(hub.overlays, o.peer)
	}
}

// forward a frame to its destination, applying the drop rate and Intercept.
func (hub *Hub) forward(from, to eva.Peer, frame []byte) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.frameCounter++
	if hub.frameDrop != 0 && hub.frameCounter%hub.frameDrop == 0 {
		return
	}

	if hub.intercept != nil && !hub.intercept(from, to, frame) {
		return
	}

	if o, ok := hub.overlays[to]; ok {
		o.deliver(from, frame)
	}
}

type memoryFrame struct {
	from  eva.Peer
	frame []byte
}

// MemoryOverlay is an eva.Overlay within a Hub. Frames are delivered in order by the receiving MemoryOverlay's
// goroutine; frames exceeding its queue are dropped.
type MemoryOverlay struct {
	*Mux

	peer eva.Peer
	hub  *Hub

	inChan chan memoryFrame

	closeOnce sync.Once
	closeSyn  chan struct{}
	closeAck  chan struct{}
}

// NewMemoryOverlay creates a MemoryOverlay for a peer and connects it to a Hub.
func NewMemoryOverlay(peer eva.Peer, hub *Hub) (*MemoryOverlay, error) {
	o := &MemoryOverlay{
		Mux:      NewMux(),
		peer:     peer,
		hub:      hub,
		inChan:   make(chan memoryFrame, 1024),
		closeSyn: make(chan struct{}),
		closeAck: make(chan struct{}),
	}

	if err := hub.connect(o); err != nil {
		return nil, err
	}

	go o.handle()

	return o, nil
}

func (o *MemoryOverlay) handle() {
	defer close(o.closeAck)

	for {
		select {
		case <-o.closeSyn:
			return

		case f := <-o.inChan:
			o.Dispatch(f.from, f.frame)
		}
	}
}

func (o *MemoryOverlay) deliver(from eva.Peer, frame []byte) {
	select {
	case o.inChan <- memoryFrame{from, frame}:
	default:
		log.WithFields(log.Fields{
			"peer": o.peer,
			"from": from,
		}).Debug("MemoryOverlay's queue is full, dropping frame")
	}
}

// Send a frame to another MemoryOverlay of the same Hub. Frames to unknown peers are lost.
func (o *MemoryOverlay) Send(peer eva.Peer, kind eva.Kind, payload []byte) error {
	o.hub.forward(o.peer, peer, MarshalFrame(kind, payload))
	return nil
}

// Close disconnects this MemoryOverlay from its Hub.
func (o *MemoryOverlay) Close() error {
	o.closeOnce.Do(func() {
		o.hub.disconnect(o)
		close(o.closeSyn)
		<-o.closeAck
	})
	return nil
}

func (o *MemoryOverlay) String() string {
	return fmt.Sprintf("memory://%v", o.peer)
}
