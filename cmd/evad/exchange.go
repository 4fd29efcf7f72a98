// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/eva-go/pkg/eva"
)

// xzSuffix marks an xz compressed transfer by its info.
const xzSuffix = ".xz"

// settleDelay between the last write event of a file and sending it.
const settleDelay = time.Second

// compress data with xz.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if xzW, err := xz.NewWriter(&buf); err != nil {
		return nil, err
	} else if _, err = xzW.Write(data); err != nil {
		return nil, err
	} else if err = xzW.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress xz compressed data.
func decompress(data []byte) ([]byte, error) {
	xzR, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(xzR)
}

// fileName extracts a plain file name from a transfer's info, rejecting any path.
func fileName(info []byte) (string, error) {
	name := string(info)
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("illegal file name %q", name)
	}
	return name, nil
}

// unpack a received transfer into a file name and its plain content.
func unpack(result eva.Result) (name string, data []byte, err error) {
	if name, err = fileName(result.Info); err != nil {
		name = fmt.Sprintf("transfer-%08x", result.Nonce)
		err = nil
	}

	data = result.Data
	if strings.HasSuffix(name, xzSuffix) && len(name) > len(xzSuffix) {
		if data, err = decompress(data); err != nil {
			return
		}
		name = strings.TrimSuffix(name, xzSuffix)
	}
	return
}

// serveDirectory answers pull requests with files from a directory, requested by their name as info. A name with
// the xz suffix of an existing uncompressed file is answered with its compressed content.
func serveDirectory(directory string) eva.RequestHandler {
	return func(peer eva.Peer, info []byte) ([]byte, error) {
		name, err := fileName(info)
		if err != nil {
			return nil, err
		}

		logger := log.WithFields(log.Fields{
			"peer": peer,
			"file": name,
		})

		data, err := os.ReadFile(filepath.Join(directory, name))
		if errors.Is(err, os.ErrNotExist) && strings.HasSuffix(name, xzSuffix) {
			if data, err = os.ReadFile(filepath.Join(directory, strings.TrimSuffix(name, xzSuffix))); err == nil {
				data, err = compress(data)
			}
		}
		if err != nil {
			logger.WithError(err).Info("Rejecting pull request")
			return nil, err
		}

		logger.WithField("size", len(data)).Info("Serving pull request")
		return data, nil
	}
}

// exchange files between a local outbox and inbox directory and peers.
type exchange struct {
	conf     exchangeConf
	protocol *eva.Protocol
	targets  func() []eva.Peer
	watcher  *fsnotify.Watcher

	pendingMutex sync.Mutex
	pending      map[string]*time.Timer
	sending      map[string]struct{}

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newExchange starts watching the outbox, if configured. Files without a fixed peer are sent to all targets.
func newExchange(conf exchangeConf, protocol *eva.Protocol, targets func() []eva.Peer) (ex *exchange, err error) {
	ex = &exchange{
		conf:     conf,
		protocol: protocol,
		targets:  targets,
		pending:  make(map[string]*time.Timer),
		sending:  make(map[string]struct{}),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	if conf.Inbox != "" {
		if err = os.MkdirAll(conf.Inbox, 0755); err != nil {
			return
		}
	}

	if conf.Outbox == "" {
		close(ex.stopAck)
		return
	}

	if err = os.MkdirAll(conf.Outbox, 0755); err != nil {
		return
	}
	if ex.watcher, err = fsnotify.NewWatcher(); err != nil {
		return
	}
	if err = ex.watcher.Add(conf.Outbox); err != nil {
		_ = ex.watcher.Close()
		return
	}

	entries, err := os.ReadDir(conf.Outbox)
	if err != nil {
		_ = ex.watcher.Close()
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			ex.schedule(filepath.Join(conf.Outbox, entry.Name()))
		}
	}

	go ex.handler()

	log.WithField("exchange", ex).Info("Started exchange")
	return
}

func (ex *exchange) handler() {
	defer close(ex.stopAck)

	for {
		select {
		case <-ex.stopSyn:
			return

		case e, ok := <-ex.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			ex.schedule(e.Name)

		case err, ok := <-ex.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

// schedule sending a file after it was not modified for the settleDelay.
// A file which is still being sent is rescheduled until its transfers ended.
func (ex *exchange) schedule(file string) {
	ex.pendingMutex.Lock()
	defer ex.pendingMutex.Unlock()

	if timer, ok := ex.pending[file]; ok {
		timer.Reset(settleDelay)
		return
	}

	ex.pending[file] = time.AfterFunc(settleDelay, func() {
		ex.pendingMutex.Lock()
		delete(ex.pending, file)
		_, busy := ex.sending[file]
		if !busy {
			ex.sending[file] = struct{}{}
		}
		ex.pendingMutex.Unlock()

		if busy {
			ex.schedule(file)
		} else if !ex.send(file) {
			ex.release(file)
		}
	})
}

// release a file after its transfers ended.
func (ex *exchange) release(file string) {
	ex.pendingMutex.Lock()
	delete(ex.sending, file)
	ex.pendingMutex.Unlock()
}

// unchanged reports if a file still has the modification time and size of fi.
func unchanged(file string, fi os.FileInfo) bool {
	now, err := os.Stat(file)
	if err != nil {
		return false
	}
	return now.ModTime().Equal(fi.ModTime()) && now.Size() == fi.Size()
}

// send a file to its peers and remove it after every transfer succeeded, unless it was modified meanwhile.
// It returns true if transfers were started, which release the file when they end.
func (ex *exchange) send(file string) bool {
	logger := log.WithField("file", file)

	fi, err := os.Stat(file)
	if err != nil || fi.IsDir() {
		logger.Debug("Skipping vanished file or directory")
		return false
	}

	data, err := os.ReadFile(file)
	if err != nil {
		logger.WithError(err).Warn("Reading file errored")
		return false
	}

	info := filepath.Base(file)
	if ex.conf.Compress {
		if data, err = compress(data); err != nil {
			logger.WithError(err).Warn("Compressing file errored")
			return false
		}
		info += xzSuffix
	}

	var peers []eva.Peer
	if ex.conf.Peer != "" {
		peers = []eva.Peer{eva.Peer(ex.conf.Peer)}
	} else {
		peers = ex.targets()
	}
	if len(peers) == 0 {
		logger.Warn("No peer known for file, keeping it")
		return false
	}

	var completions []*eva.Completion
	for _, peer := range peers {
		c, err := ex.protocol.SendBinary(peer, []byte(info), data)
		if err != nil {
			logger.WithError(err).WithField("peer", peer).Warn("Sending file errored")
			for _, c := range completions {
				c.Cancel()
			}
			return false
		}
		completions = append(completions, c)
	}

	logger.WithFields(log.Fields{
		"peers": peers,
		"size":  len(data),
	}).Info("Scheduled file for sending")

	go func() {
		defer ex.release(file)

		for _, c := range completions {
			if _, err := c.Wait(context.Background()); err != nil {
				logger.WithError(err).Warn("Sending file failed, keeping it")
				return
			}
		}

		if !unchanged(file, fi) {
			logger.Info("File was modified while sending, keeping it")
			return
		}

		if err := os.Remove(file); err != nil {
			logger.WithError(err).Warn("Removing sent file errored")
		} else {
			logger.Info("Sent file")
		}
	}()
	return true
}

// deliver a received transfer into the inbox, if it matches this exchange.
func (ex *exchange) deliver(result eva.Result) error {
	if ex.conf.Inbox == "" || (ex.conf.Peer != "" && eva.Peer(ex.conf.Peer) != result.Peer) {
		return nil
	}

	name, data, err := unpack(result)
	if err != nil {
		return err
	}

	file := filepath.Join(ex.conf.Inbox, name)
	if err := os.WriteFile(file, data, 0644); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"peer": result.Peer,
		"file": file,
	}).Info("Saved received file")
	return nil
}

// Close this exchange. Pending completions are resolved by the Protocol's shutdown.
func (ex *exchange) Close() (err error) {
	if ex.watcher == nil {
		return nil
	}

	close(ex.stopSyn)
	<-ex.stopAck

	ex.pendingMutex.Lock()
	for file, timer := range ex.pending {
		timer.Stop()
		delete(ex.pending, file)
	}
	ex.pendingMutex.Unlock()

	return ex.watcher.Close()
}

func (ex *exchange) String() string {
	return fmt.Sprintf("exchange(outbox=%s, inbox=%s, peer=%s)", ex.conf.Outbox, ex.conf.Inbox, ex.conf.Peer)
}
