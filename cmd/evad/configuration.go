// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/eva-go/pkg/discovery"
	"github.com/dtn7/eva-go/pkg/eva"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Eva       evaConf
	Overlay   overlayConf
	Store     storeConf
	Discovery discoveryConf
	Exchange  []exchangeConf
	Serve     serveConf
	Api       apiConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// evaConf describes the EVA protocol block. Unset values fall back to eva.DefaultConfig, durations are seconds.
type evaConf struct {
	BlockSize                int     `toml:"block-size"`
	WindowSize               int     `toml:"window-size"`
	BinarySizeLimit          int     `toml:"binary-size-limit"`
	RetransmitInterval       float64 `toml:"retransmit-interval"`
	RetransmitAttempts       int     `toml:"retransmit-attempts"`
	TerminationEnabled       *bool   `toml:"termination-enabled"`
	TerminationTimeout       float64 `toml:"termination-timeout"`
	ScheduledSendInterval    float64 `toml:"scheduled-send-interval"`
	MaxSimultaneousTransfers int     `toml:"max-simultaneous-transfers"`
}

// overlayConf selects and configures the datagram overlay.
type overlayConf struct {
	Node     string
	Protocol string
	Listen   string
	// Endpoint is this node's own WebSocket URL, only used by the "websocket" protocol.
	Endpoint string
}

// storeConf describes the Store-configuration block.
type storeConf struct {
	Path      string
	Retention float64
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// exchangeConf describes an outbox/inbox directory pair.
type exchangeConf struct {
	Outbox   string
	Inbox    string
	Peer     string
	Compress bool
}

// serveConf describes the directory answering pull requests.
type serveConf struct {
	Directory string
}

// apiConf describes the HTTP status API.
type apiConf struct {
	Listen string
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// protocolConfig merges the evaConf into eva.DefaultConfig.
func (conf evaConf) protocolConfig() eva.Config {
	c := eva.DefaultConfig()

	if conf.BlockSize != 0 {
		c.BlockSize = conf.BlockSize
	}
	if conf.WindowSize != 0 {
		c.WindowSize = conf.WindowSize
	}
	if conf.BinarySizeLimit != 0 {
		c.BinarySizeLimit = conf.BinarySizeLimit
	}
	if conf.RetransmitInterval != 0 {
		c.RetransmitInterval = seconds(conf.RetransmitInterval)
	}
	if conf.RetransmitAttempts != 0 {
		c.RetransmitAttempts = conf.RetransmitAttempts
	}
	if conf.TerminationEnabled != nil {
		c.TerminationEnabled = *conf.TerminationEnabled
	}
	if conf.TerminationTimeout != 0 {
		c.TerminationTimeout = seconds(conf.TerminationTimeout)
	}
	if conf.ScheduledSendInterval != 0 {
		c.ScheduledSendInterval = seconds(conf.ScheduledSendInterval)
	}
	if conf.MaxSimultaneousTransfers != 0 {
		c.MaxSimultaneousTransfers = conf.MaxSimultaneousTransfers
	}

	return c
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// announcement of this node's overlay endpoint for the discovery.
func (conf tomlConfig) announcement() (msg discovery.Announcement, err error) {
	msg.Node = conf.Overlay.Node

	listen := conf.Overlay.Listen
	switch conf.Overlay.Protocol {
	case "udp":
		msg.Protocol = discovery.UDP
	case "quic":
		msg.Protocol = discovery.QUIC
	case "websocket":
		msg.Protocol = discovery.WebSocket
		listen = conf.Api.Listen
	default:
		err = fmt.Errorf("unknown overlay.protocol \"%s\"", conf.Overlay.Protocol)
		return
	}

	port, portErr := parseListenPort(listen)
	if portErr != nil {
		err = portErr
		return
	}
	msg.Port = uint(port)
	return
}

// checkValid reports every violation of this configuration at once.
func (conf tomlConfig) checkValid() (errs error) {
	if conf.Overlay.Node == "" {
		errs = multierror.Append(errs, fmt.Errorf("overlay.node is empty"))
	}

	switch conf.Overlay.Protocol {
	case "udp", "quic":
		if conf.Overlay.Listen == "" {
			errs = multierror.Append(errs, fmt.Errorf("overlay.listen is empty"))
		}
	case "websocket":
		if conf.Api.Listen == "" {
			errs = multierror.Append(errs, fmt.Errorf("websocket overlay requires api.listen"))
		}
		if conf.Overlay.Endpoint == "" {
			errs = multierror.Append(errs, fmt.Errorf("websocket overlay requires overlay.endpoint"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown overlay.protocol \"%s\"", conf.Overlay.Protocol))
	}

	if err := conf.Eva.protocolConfig().CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if conf.Store.Retention < 0 {
		errs = multierror.Append(errs, fmt.Errorf("store.retention is negative"))
	}

	for i, ex := range conf.Exchange {
		if ex.Outbox == "" && ex.Inbox == "" {
			errs = multierror.Append(errs, fmt.Errorf("exchange %d has neither outbox nor inbox", i))
		}
		if ex.Outbox != "" && filepath.Clean(ex.Outbox) == filepath.Clean(ex.Inbox) {
			errs = multierror.Append(errs, fmt.Errorf("exchange %d uses the same directory as outbox and inbox", i))
		}
		if ex.Outbox != "" && ex.Peer == "" && !conf.Discovery.IPv4 && !conf.Discovery.IPv6 {
			errs = multierror.Append(errs, fmt.Errorf("exchange %d has no peer and discovery is disabled", i))
		}
	}

	return
}

// configureLogging applies the Logging-configuration block to logrus.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig reads and validates the TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	if conf.Discovery.Interval == 0 {
		conf.Discovery.Interval = 10
	}

	err = conf.checkValid()
	return
}
