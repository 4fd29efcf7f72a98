// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/eva-go/pkg/cron"
	"github.com/dtn7/eva-go/pkg/discovery"
	"github.com/dtn7/eva-go/pkg/eva"
	"github.com/dtn7/eva-go/pkg/overlay"
	"github.com/dtn7/eva-go/pkg/storage"
)

// closingOverlay is an eva.Overlay owning some network resource.
type closingOverlay interface {
	eva.Overlay
	io.Closer
}

// daemon wires an overlay, the EVA Protocol and all optional services together.
type daemon struct {
	conf tomlConfig

	overlay  closingOverlay
	protocol *eva.Protocol
	store    *storage.Store
	cron     *cron.Cron

	discovery *discovery.Manager

	exchanges []*exchange

	router     *mux.Router
	httpServer *http.Server
}

// newOverlay creates the configured overlay and returns this node's Peer on it.
func newOverlay(conf tomlConfig, router *mux.Router) (closingOverlay, eva.Peer, error) {
	switch conf.Overlay.Protocol {
	case "udp":
		o, err := overlay.ListenUDP(conf.Overlay.Listen)
		if err != nil {
			return nil, "", err
		}
		return o, o.Peer(), nil

	case "quic":
		o, err := overlay.ListenQUIC(conf.Overlay.Listen)
		if err != nil {
			return nil, "", err
		}
		return o, o.Peer(), nil

	case "websocket":
		self := eva.Peer(conf.Overlay.Endpoint)
		o := overlay.NewWebSocketOverlay(self)
		router.Handle(discovery.WebSocketPath, o)
		return o, self, nil

	default:
		return nil, "", fmt.Errorf("unknown overlay.protocol \"%s\"", conf.Overlay.Protocol)
	}
}

// startDaemon based on a validated configuration.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{
		conf:   conf,
		cron:   cron.NewCron(),
		router: mux.NewRouter(),
	}

	defer func() {
		if err != nil {
			if closeErr := d.Close(); closeErr != nil {
				log.WithError(closeErr).Warn("Closing partially started daemon errored")
			}
			d = nil
		}
	}()

	overlayImpl, self, err := newOverlay(conf, d.router)
	if err != nil {
		return
	}
	d.overlay = overlayImpl

	if d.protocol, err = eva.NewProtocol(self, d.overlay, conf.Eva.protocolConfig()); err != nil {
		return
	}

	d.protocol.OnReceive(d.handleReceive)
	d.protocol.OnSendComplete(func(result eva.Result) {
		log.WithFields(log.Fields{
			"peer": result.Peer,
			"info": string(result.Info),
			"size": len(result.Data),
		}).Info("Transfer sent")
	})
	d.protocol.OnError(func(peer eva.Peer, terr *eva.TransferError) {
		log.WithError(terr).WithField("peer", peer).Warn("Transfer failed")
	})

	if conf.Serve.Directory != "" {
		d.protocol.OnRequest(serveDirectory(conf.Serve.Directory))
	}

	if conf.Store.Path != "" {
		if d.store, err = storage.NewStore(conf.Store.Path); err != nil {
			return
		}

		if conf.Store.Retention > 0 {
			retention := seconds(conf.Store.Retention)
			interval := retention / 10
			if interval < time.Second {
				interval = time.Second
			}

			if err = d.cron.Register("store-housekeeping", func() {
				d.store.DeleteOlderThan(time.Now().Add(-retention))
			}, interval); err != nil {
				return
			}
		}
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		msg, msgErr := conf.announcement()
		if msgErr != nil {
			err = msgErr
			return
		}

		d.discovery, err = discovery.NewManager(
			conf.Overlay.Node, nil,
			[]discovery.Announcement{msg}, time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	for _, exConf := range conf.Exchange {
		ex, exErr := newExchange(exConf, d.protocol, d.targets)
		if exErr != nil {
			err = exErr
			return
		}
		d.exchanges = append(d.exchanges, ex)
	}

	if conf.Api.Listen != "" {
		newApi(d.router, d.protocol, d.store, d.knownPeers)

		d.httpServer = &http.Server{
			Addr:    conf.Api.Listen,
			Handler: d.router,
		}
		go func() {
			if httpErr := d.httpServer.ListenAndServe(); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				log.WithError(httpErr).Error("HTTP server errored")
			}
		}()
	}

	log.WithFields(log.Fields{
		"node":    conf.Overlay.Node,
		"peer":    self,
		"overlay": d.overlay,
	}).Info("Started eva daemon")

	return
}

// knownPeers are all recently discovered and statically configured peers.
func (d *daemon) knownPeers() []eva.Peer {
	peers := d.targets()

	for _, ex := range d.conf.Exchange {
		if ex.Peer != "" {
			peers = append(peers, eva.Peer(ex.Peer))
		}
	}
	return peers
}

// targets for an outgoing file of an exchange without a fixed peer are all peers announced within the last three
// discovery intervals.
func (d *daemon) targets() []eva.Peer {
	if d.discovery == nil {
		return nil
	}
	return d.discovery.Peers(3 * time.Duration(d.conf.Discovery.Interval) * time.Second)
}

// handleReceive stores a received transfer and hands it to all matching inboxes.
func (d *daemon) handleReceive(result eva.Result) {
	logger := log.WithFields(log.Fields{
		"peer": result.Peer,
		"info": string(result.Info),
		"size": len(result.Data),
	})
	logger.Info("Transfer received")

	if d.store != nil {
		if item, err := d.store.Push(result); err != nil {
			logger.WithError(err).Warn("Storing received transfer errored")
		} else {
			logger.WithField("item", item.Id).Debug("Stored received transfer")
		}
	}

	for _, ex := range d.exchanges {
		if err := ex.deliver(result); err != nil {
			logger.WithError(err).WithField("exchange", ex).Warn("Delivering transfer to inbox errored")
		}
	}
}

// Close all services of this daemon.
func (d *daemon) Close() (errs error) {
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		cancel()
	}

	for _, ex := range d.exchanges {
		if err := ex.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.discovery != nil {
		d.discovery.Close()
	}

	d.cron.Stop()

	if d.protocol != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.protocol.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		cancel()
	}

	if d.overlay != nil {
		if err := d.overlay.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return
}
