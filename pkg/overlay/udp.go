// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/eva"
)

// maxDatagramSize is the largest UDP payload.
const maxDatagramSize = 65507

// UDPOverlay sends each frame as one UDP datagram. A peer is identified by its "host:port" address.
type UDPOverlay struct {
	*Mux

	conn *net.UDPConn

	addrsMutex sync.Mutex
	addrs      map[eva.Peer]*net.UDPAddr

	closeOnce sync.Once
	closeAck  chan struct{}
}

// ListenUDP creates a UDPOverlay bound to a local address, e.g., ":35039".
func ListenUDP(address string) (*UDPOverlay, error) {
	lc := net.ListenConfig{Control: listenControl}

	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, err
	}

	o := &UDPOverlay{
		Mux:      NewMux(),
		conn:     pc.(*net.UDPConn),
		addrs:    make(map[eva.Peer]*net.UDPAddr),
		closeAck: make(chan struct{}),
	}

	log.WithField("address", o.conn.LocalAddr()).Info("Started UDP overlay")

	go o.handle()

	return o, nil
}

// Peer identifying this UDPOverlay at its peers, based on the bound address.
func (o *UDPOverlay) Peer() eva.Peer {
	return eva.Peer(o.conn.LocalAddr().String())
}

func (o *UDPOverlay) handle() {
	defer close(o.closeAck)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.WithError(err).WithField("overlay", o).Warn("Reading UDP datagram errored")
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		o.Dispatch(eva.Peer(addr.String()), frame)
	}
}

// resolve a peer's address, caching the result.
func (o *UDPOverlay) resolve(peer eva.Peer) (*net.UDPAddr, error) {
	o.addrsMutex.Lock()
	defer o.addrsMutex.Unlock()

	if addr, ok := o.addrs[peer]; ok {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", string(peer))
	if err != nil {
		return nil, err
	}

	o.addrs[peer] = addr
	return addr, nil
}

// Send a frame as a single datagram to the peer's address.
func (o *UDPOverlay) Send(peer eva.Peer, kind eva.Kind, payload []byte) error {
	addr, err := o.resolve(peer)
	if err != nil {
		return err
	}

	frame := MarshalFrame(kind, payload)
	if len(frame) > maxDatagramSize {
		return fmt.Errorf("frame of %d bytes exceeds the datagram size", len(frame))
	}

	_, err = o.conn.WriteToUDP(frame, addr)
	return err
}

// Close the UDP socket and wait for the receiving goroutine.
func (o *UDPOverlay) Close() (err error) {
	o.closeOnce.Do(func() {
		err = o.conn.Close()
		<-o.closeAck
	})
	return
}

func (o *UDPOverlay) String() string {
	return fmt.Sprintf("udp://%v", o.conn.LocalAddr())
}
