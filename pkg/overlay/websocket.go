// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/eva-go/pkg/eva"
)

const (
	// WebSocketPeerHeader names the HTTP header carrying the dialing peer's identity.
	WebSocketPeerHeader = "Eva-Peer"

	webSocketQueueSize = 256
	webSocketTimeout   = 5 * time.Second
)

// WebSocketOverlay sends each frame as a binary WebSocket message. Inbound connections are accepted by ServeHTTP
// and identified by their Eva-Peer header. Outbound connections are dialed lazily for peers given as "ws://" or
// "wss://" URLs and identified by this URL.
type WebSocketOverlay struct {
	*Mux

	self     eva.Peer
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	connsMutex sync.Mutex
	conns      map[eva.Peer]*webSocketConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type webSocketConn struct {
	peer  eva.Peer
	queue chan []byte

	connMutex sync.Mutex
	conn      *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketOverlay creates a WebSocketOverlay announcing itself as self when dialing.
func NewWebSocketOverlay(self eva.Peer) *WebSocketOverlay {
	o := &WebSocketOverlay{
		Mux:      NewMux(),
		self:     self,
		upgrader: websocket.Upgrader{},
		dialer:   &websocket.Dialer{HandshakeTimeout: webSocketTimeout},
		conns:    make(map[eva.Peer]*webSocketConn),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	return o
}

// IsWebSocketPeer checks if a peer can be dialed by a WebSocketOverlay.
func IsWebSocketPeer(peer eva.Peer) bool {
	return strings.HasPrefix(string(peer), "ws://") || strings.HasPrefix(string(peer), "wss://")
}

// ServeHTTP upgrades an HTTP connection to a WebSocket connection for a peer.
func (o *WebSocketOverlay) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if o.ctx.Err() != nil {
		http.Error(writer, "overlay is closed", http.StatusServiceUnavailable)
		return
	}

	peer := eva.Peer(request.Header.Get(WebSocketPeerHeader))
	if peer == "" {
		peer = eva.Peer(request.RemoteAddr)
	}

	conn, err := o.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		log.WithError(err).WithField("peer", peer).Warn("Upgrading WebSocket connection errored")
		return
	}

	log.WithFields(log.Fields{
		"overlay": o,
		"peer":    peer,
	}).Debug("WebSocket overlay accepted connection")

	wc := o.register(peer)
	wc.setConn(conn)
	o.startReader(wc, conn)
}

// register returns the webSocketConn for a peer, creating and starting it if necessary.
func (o *WebSocketOverlay) register(peer eva.Peer) *webSocketConn {
	o.connsMutex.Lock()
	defer o.connsMutex.Unlock()

	if wc, ok := o.conns[peer]; ok {
		return wc
	}

	wc := &webSocketConn{
		peer:   peer,
		queue:  make(chan []byte, webSocketQueueSize),
		closed: make(chan struct{}),
	}
	o.conns[peer] = wc

	o.wg.Add(1)
	go o.writer(wc)

	return wc
}

// unregister a failed webSocketConn.
func (o *WebSocketOverlay) unregister(wc *webSocketConn) {
	o.connsMutex.Lock()
	if o.conns[wc.peer] == wc {
		delete(o.conns, wc.peer)
	}
	o.connsMutex.Unlock()

	wc.close()
}

func (wc *webSocketConn) setConn(conn *websocket.Conn) {
	wc.connMutex.Lock()
	defer wc.connMutex.Unlock()

	if wc.conn != nil {
		_ = wc.conn.Close()
	}
	wc.conn = conn
}

func (wc *webSocketConn) getConn() *websocket.Conn {
	wc.connMutex.Lock()
	defer wc.connMutex.Unlock()

	return wc.conn
}

func (wc *webSocketConn) close() {
	wc.closeOnce.Do(func() {
		close(wc.closed)

		if conn := wc.getConn(); conn != nil {
			_ = conn.Close()
		}
	})
}

func (o *WebSocketOverlay) dial(wc *webSocketConn) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(o.ctx, webSocketTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(WebSocketPeerHeader, string(o.self))

	conn, _, err := o.dialer.DialContext(ctx, string(wc.peer), header)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"overlay": o,
		"peer":    wc.peer,
	}).Debug("WebSocket overlay dialed connection")

	wc.setConn(conn)
	o.startReader(wc, conn)
	return conn, nil
}

// writer is the only goroutine writing to a webSocketConn's connection.
func (o *WebSocketOverlay) writer(wc *webSocketConn) {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			wc.close()
			return

		case <-wc.closed:
			return

		case frame := <-wc.queue:
			conn := wc.getConn()
			if conn == nil {
				var err error
				if conn, err = o.dial(wc); err != nil {
					log.WithError(err).WithField("peer", wc.peer).Debug("Dialing WebSocket peer errored")
					o.unregister(wc)
					return
				}
			}

			_ = conn.SetWriteDeadline(time.Now().Add(webSocketTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.WithError(err).WithField("peer", wc.peer).Debug("Writing WebSocket message errored")
				o.unregister(wc)
				return
			}
		}
	}
}

func (o *WebSocketOverlay) startReader(wc *webSocketConn, conn *websocket.Conn) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.WithError(err).WithField("peer", wc.peer).Debug("WebSocket connection stopped receiving")
				if wc.getConn() == conn {
					o.unregister(wc)
				}
				return
			}

			if msgType != websocket.BinaryMessage {
				continue
			}

			o.Dispatch(wc.peer, data)
		}
	}()
}

// Send queues a frame for a connected peer or a peer's WebSocket URL. If the peer's queue is full, the frame is
// dropped.
func (o *WebSocketOverlay) Send(peer eva.Peer, kind eva.Kind, payload []byte) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}

	o.connsMutex.Lock()
	_, known := o.conns[peer]
	o.connsMutex.Unlock()

	if !known && !IsWebSocketPeer(peer) {
		return fmt.Errorf("peer %v is neither connected nor a WebSocket URL", peer)
	}

	select {
	case o.register(peer).queue <- MarshalFrame(kind, payload):
		return nil
	default:
		return fmt.Errorf("queue for peer %v is full", peer)
	}
}

// Close all connections.
func (o *WebSocketOverlay) Close() error {
	if o.ctx.Err() != nil {
		return nil
	}
	o.cancel()

	o.connsMutex.Lock()
	for _, wc := range o.conns {
		wc.close()
	}
	o.connsMutex.Unlock()

	o.wg.Wait()
	return nil
}

func (o *WebSocketOverlay) String() string {
	return fmt.Sprintf("websocket://%v", o.self)
}
