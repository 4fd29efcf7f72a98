// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/eva"
)

const (
	// quicDialTimeout limits establishing a connection to a peer.
	quicDialTimeout = 5 * time.Second

	// quicQueueSize is the number of frames queued per peer while dialing.
	quicQueueSize = 256

	// quicApplicationShutdown is the application error code for closing connections.
	quicApplicationShutdown quic.ApplicationErrorCode = 5
)

// QUICOverlay sends each frame as an unreliable QUIC datagram. Connections are dialed lazily and accepted on the
// same UDP socket, such that a peer is identified by its "ip:port" address in both directions.
type QUICOverlay struct {
	*Mux

	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener

	dialTLS  *tls.Config
	quicConf *quic.Config

	peersMutex sync.Mutex
	peers      map[eva.Peer]*quicPeer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// quicPeer queues frames for one peer, sent by its own goroutine.
type quicPeer struct {
	peer  eva.Peer
	queue chan []byte

	connMutex sync.Mutex
	conn      quic.Connection
}

// ListenQUIC creates a QUICOverlay bound to a local UDP address.
func ListenQUIC(address string) (*QUICOverlay, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	listenTLS, err := generateListenerTLSConfig()
	if err != nil {
		return nil, err
	}

	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	o := &QUICOverlay{
		Mux:       NewMux(),
		udpConn:   udpConn,
		transport: &quic.Transport{Conn: udpConn},
		dialTLS:   generateDialerTLSConfig(),
		quicConf:  generateQUICConfig(),
		peers:     make(map[eva.Peer]*quicPeer),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	if o.listener, err = o.transport.Listen(listenTLS, o.quicConf); err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	log.WithField("address", udpConn.LocalAddr()).Info("Started QUIC overlay")

	o.wg.Add(1)
	go o.accept()

	return o, nil
}

// Peer identifying this QUICOverlay at its peers, based on the bound address.
func (o *QUICOverlay) Peer() eva.Peer {
	return eva.Peer(o.udpConn.LocalAddr().String())
}

func (o *QUICOverlay) accept() {
	defer o.wg.Done()

	for {
		conn, err := o.listener.Accept(o.ctx)
		if err != nil {
			if o.ctx.Err() == nil {
				log.WithError(err).WithField("overlay", o).Warn("Accepting QUIC connection errored")
			}
			return
		}

		peer := eva.Peer(conn.RemoteAddr().String())
		log.WithFields(log.Fields{
			"overlay": o,
			"peer":    peer,
		}).Debug("QUIC overlay accepted connection")

		o.lookup(peer).setConn(conn)
		o.startReceiver(peer, conn)
	}
}

// lookup the quicPeer for a peer, creating and starting it if necessary.
func (o *QUICOverlay) lookup(peer eva.Peer) *quicPeer {
	o.peersMutex.Lock()
	defer o.peersMutex.Unlock()

	if qp, ok := o.peers[peer]; ok {
		return qp
	}

	qp := &quicPeer{
		peer:  peer,
		queue: make(chan []byte, quicQueueSize),
	}
	o.peers[peer] = qp

	o.wg.Add(1)
	go o.sender(qp)

	return qp
}

func (qp *quicPeer) setConn(conn quic.Connection) {
	qp.connMutex.Lock()
	defer qp.connMutex.Unlock()

	qp.conn = conn
}

// getConn returns the peer's connection, unless it was closed.
func (qp *quicPeer) getConn() quic.Connection {
	qp.connMutex.Lock()
	defer qp.connMutex.Unlock()

	if qp.conn == nil {
		return nil
	}

	select {
	case <-qp.conn.Context().Done():
		qp.conn = nil
	default:
	}
	return qp.conn
}

func (o *QUICOverlay) dial(qp *quicPeer) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", string(qp.peer))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(o.ctx, quicDialTimeout)
	defer cancel()

	conn, err := o.transport.Dial(ctx, addr, o.dialTLS, o.quicConf)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"overlay": o,
		"peer":    qp.peer,
	}).Debug("QUIC overlay dialed connection")

	qp.setConn(conn)
	o.startReceiver(qp.peer, conn)
	return conn, nil
}

// sender writes a peer's queued frames, dialing a connection if necessary.
func (o *QUICOverlay) sender(qp *quicPeer) {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return

		case frame := <-qp.queue:
			conn := qp.getConn()
			if conn == nil {
				var err error
				if conn, err = o.dial(qp); err != nil {
					log.WithError(err).WithField("peer", qp.peer).Debug("Dialing QUIC peer errored, dropping frame")
					continue
				}
			}

			if err := conn.SendDatagram(frame); err != nil {
				log.WithError(err).WithField("peer", qp.peer).Debug("Sending QUIC datagram errored")
			}
		}
	}
}

func (o *QUICOverlay) startReceiver(peer eva.Peer, conn quic.Connection) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		for {
			frame, err := conn.ReceiveDatagram(o.ctx)
			if err != nil {
				log.WithError(err).WithField("peer", peer).Debug("QUIC connection stopped receiving")
				return
			}

			o.Dispatch(peer, frame)
		}
	}()
}

// Send queues a frame for the peer. If the peer's queue is full, e.g., while dialing, the frame is dropped.
func (o *QUICOverlay) Send(peer eva.Peer, kind eva.Kind, payload []byte) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case o.lookup(peer).queue <- MarshalFrame(kind, payload):
		return nil
	default:
		return fmt.Errorf("queue for peer %v is full", peer)
	}
}

// Close all connections and the listener.
func (o *QUICOverlay) Close() (err error) {
	if o.ctx.Err() != nil {
		return nil
	}
	o.cancel()

	if lErr := o.listener.Close(); lErr != nil {
		err = multierror.Append(err, lErr)
	}

	o.peersMutex.Lock()
	for _, qp := range o.peers {
		if conn := qp.getConn(); conn != nil {
			if cErr := conn.CloseWithError(quicApplicationShutdown, "overlay shutting down"); cErr != nil {
				err = multierror.Append(err, cErr)
			}
		}
	}
	o.peersMutex.Unlock()

	if tErr := o.transport.Close(); tErr != nil {
		err = multierror.Append(err, tErr)
	}
	if uErr := o.udpConn.Close(); uErr != nil && !errors.Is(uErr, net.ErrClosed) {
		err = multierror.Append(err, uErr)
	}

	o.wg.Wait()
	return
}

func (o *QUICOverlay) String() string {
	return fmt.Sprintf("quic://%v", o.udpConn.LocalAddr())
}
