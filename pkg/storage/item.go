// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/dtn7/eva-go/pkg/eva"
)

// Item is a wrapper for meta data around a received binary. The binary itself is stored in its own file.
type Item struct {
	Id string `badgerhold:"key"`

	Peer     eva.Peer  `badgerholdIndex:"Peer"`
	Received time.Time `badgerholdIndex:"Received"`

	Nonce uint32
	Info  []byte
	Size  int

	Filename string
}

// itemId derives an Item's identifier from its transfer and reception time.
func itemId(result eva.Result, received time.Time) string {
	h := sha256.New()
	_, _ = h.Write([]byte(result.Peer))
	_ = binary.Write(h, binary.BigEndian, result.Nonce)
	_ = binary.Write(h, binary.BigEndian, received.UnixNano())
	_, _ = h.Write(result.Info)

	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// newItem creates a new Item for a received binary.
func newItem(result eva.Result, storagePath string) Item {
	received := time.Now()
	id := itemId(result, received)

	return Item{
		Id: id,

		Peer:     result.Peer,
		Received: received,

		Nonce: result.Nonce,
		Info:  result.Info,
		Size:  len(result.Data),

		Filename: path.Join(storagePath, id),
	}
}

// storeData writes the Item's binary to the disk.
func (item Item) storeData(data []byte) error {
	return os.WriteFile(item.Filename, data, 0600)
}

// deleteData removes the Item's binary from the disk.
func (item Item) deleteData() error {
	return os.Remove(item.Filename)
}

// Load the binary from the disk.
func (item Item) Load() ([]byte, error) {
	return os.ReadFile(item.Filename)
}

// Result recreates the eva.Result of this Item by loading its binary.
func (item Item) Result() (r eva.Result, err error) {
	r = eva.Result{
		Peer:  item.Peer,
		Info:  item.Info,
		Nonce: item.Nonce,
	}
	r.Data, err = item.Load()
	return
}

func (item Item) String() string {
	return fmt.Sprintf("Item(%s, Peer=%v, Info=%q, Size=%d)", item.Id, item.Peer, item.Info, item.Size)
}
