// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Peer identifies a remote counterparty within the Overlay, e.g., by its address.
type Peer string

// Direction of a transfer.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "INVALID"
	}
}

// Result of a successful transfer.
type Result struct {
	Peer  Peer
	Info  []byte
	Data  []byte
	Nonce uint32
}

func (r Result) String() string {
	return fmt.Sprintf("Result(Peer=%v, Info=%q, Size=%d, Nonce=%d)", r.Peer, r.Info, len(r.Data), r.Nonce)
}

// Completion is a one-shot result of a transfer, returned by Protocol.SendBinary and Protocol.GetBinary.
type Completion struct {
	done chan struct{}
	once sync.Once

	result Result
	err    error

	cancel func()
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolve this Completion. Only the first call has an effect.
func (c *Completion) resolve(result Result, err error) {
	if c == nil {
		return
	}

	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Done is closed when this Completion is resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait until this Completion is resolved or the context is done. In the latter case, the transfer continues.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result blocks until this Completion is resolved.
func (c *Completion) Result() (Result, error) {
	return c.Wait(context.Background())
}

// Cancel the transfer. It fails with a TransferCancelled error, unless it was already finished.
func (c *Completion) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// transfer is the state both directions have in common.
type transfer struct {
	direction Direction
	peer      Peer
	info      []byte
	nonce     uint32

	dataSize   uint32
	blockCount uint32

	attempt int
	updated time.Time

	completion *Completion
	terminated bool

	retransmit *timer
	watchdog   *timer
}

// blockCount returns ceil(dataSize / blockSize).
func blockCount(dataSize uint32, blockSize int) uint32 {
	return uint32((uint64(dataSize) + uint64(blockSize) - 1) / uint64(blockSize))
}

// touch marks progress.
func (t *transfer) touch() {
	t.updated = time.Now()
}

func (t *transfer) String() string {
	return fmt.Sprintf("%s transfer(Peer=%v, Nonce=%d, Info=%q, Size=%d)",
		t.direction, t.peer, t.nonce, t.info, t.dataSize)
}

// TransferInfo is a read-only view of a transfer, see Protocol.Snapshot.
type TransferInfo struct {
	Direction Direction
	Peer      Peer
	Info      []byte
	Nonce     uint32
	DataSize  uint32
	Scheduled bool
	Updated   time.Time
}

func (t *transfer) view(scheduled bool) TransferInfo {
	return TransferInfo{
		Direction: t.direction,
		Peer:      t.peer,
		Info:      t.info,
		Nonce:     t.nonce,
		DataSize:  t.dataSize,
		Scheduled: scheduled,
		Updated:   t.updated,
	}
}
