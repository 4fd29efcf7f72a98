// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists received binaries together with their meta data.
package storage

import (
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/eva-go/pkg/eva"
)

const (
	dirBadger string = "db"
	dirData   string = "data"
)

// Store implements a storage for received binaries together with meta data.
type Store struct {
	bh *badgerhold.Store

	badgerDir string
	dataDir   string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	dataDir := path.Join(dir, dirData)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}
	if dirErr := os.MkdirAll(dataDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir: badgerDir,
			dataDir:   dataDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Push a received binary to the Store.
func (s *Store) Push(result eva.Result) (item Item, err error) {
	item = newItem(result, s.dataDir)

	if err = item.storeData(result.Data); err != nil {
		return
	}

	if err = s.bh.Insert(item.Id, item); err != nil {
		_ = item.deleteData()
		return
	}

	log.WithFields(log.Fields{
		"item": item.Id,
		"peer": item.Peer,
		"info": string(item.Info),
		"size": item.Size,
	}).Info("Store inserted Item")

	return
}

// Delete an Item and its binary.
func (s *Store) Delete(id string) error {
	if item, err := s.QueryId(id); err == nil {
		log.WithField("item", id).Info("Store deletes Item")

		if err := item.deleteData(); err != nil {
			log.WithFields(log.Fields{
				"item":  id,
				"file":  item.Filename,
				"error": err,
			}).Warn("Failed to delete Item's data")
		}

		return s.bh.Delete(item.Id, Item{})
	}

	return nil
}

// DeleteOlderThan removes all Items received before the given time.
func (s *Store) DeleteOlderThan(t time.Time) {
	items, err := s.QueryOlderThan(t)
	if err != nil {
		log.WithError(err).Warn("Failed to get outdated Items")
		return
	}

	for _, item := range items {
		logger := log.WithField("item", item.Id)
		if err := s.Delete(item.Id); err != nil {
			logger.WithError(err).Warn("Failed to delete outdated Item")
		} else {
			logger.Info("Deleted outdated Item")
		}
	}
}

// QueryId fetches the Item for the requested identifier.
func (s *Store) QueryId(id string) (item Item, err error) {
	err = s.bh.Get(id, &item)
	return
}

// QueryPeer fetches all Items received from a peer.
func (s *Store) QueryPeer(peer eva.Peer) (items []Item, err error) {
	err = s.bh.Find(&items, badgerhold.Where("Peer").Eq(peer))
	return
}

// QueryOlderThan fetches all Items received before the given time.
func (s *Store) QueryOlderThan(t time.Time) (items []Item, err error) {
	err = s.bh.Find(&items, badgerhold.Where("Received").Lt(t))
	return
}

// QueryAll fetches all Items.
func (s *Store) QueryAll() (items []Item, err error) {
	err = s.bh.Find(&items, nil)
	return
}

// KnowsItem checks if such an Item is known.
func (s *Store) KnowsItem(id string) bool {
	_, err := s.QueryId(id)
	return err != badgerhold.ErrNotFound
}
