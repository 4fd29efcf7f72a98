// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/eva"
)

// Mux dispatches received frames to the handler registered for their kind.
type Mux struct {
	mutex    sync.RWMutex
	handlers map[eva.Kind]func(eva.Peer, []byte)
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[eva.Kind]func(eva.Peer, []byte))}
}

// Register a handler for a kind, replacing a previous one.
func (mux *Mux) Register(kind eva.Kind, handler func(eva.Peer, []byte)) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	mux.handlers[kind] = handler
}

// Dispatch a received frame. Corrupt frames and frames of unregistered kinds are dropped. It reports whether the
// frame was handed to a handler.
func (mux *Mux) Dispatch(peer eva.Peer, frame []byte) bool {
	kind, payload, err := UnmarshalFrame(frame)
	if err != nil {
		log.WithError(err).WithField("peer", peer).Debug("Dropping corrupt frame")
		return false
	}

	mux.mutex.RLock()
	handler, ok := mux.handlers[kind]
	mux.mutex.RUnlock()

	if !ok {
		log.WithFields(log.Fields{
			"peer": peer,
			"kind": kind,
		}).Debug("Dropping frame of unregistered kind")
		return false
	}

	handler(peer, payload)
	return true
}
