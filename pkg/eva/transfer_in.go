// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"bytes"
	"fmt"
	"math"
)

// window of blocks authorised by one Acknowledgement.
type window struct {
	start  uint32
	blocks [][]byte
	filled []bool

	count int
	size  int
	last  bool
}

func newWindow(start uint32, length int) *window {
	return &window{
		start:  start,
		blocks: make([][]byte, length),
		filled: make([]bool, length),
	}
}

// index of a block number within this window, or -1 if it lies outside.
func (w *window) index(number uint32) int {
	if number < w.start {
		return -1
	}

	if idx := uint64(number - w.start); idx < uint64(len(w.blocks)) {
		return int(idx)
	}
	return -1
}

// add a Data block at a window index. An already filled slot is kept as is.
func (w *window) add(idx int, d *Data) {
	if w.filled[idx] {
		return
	}

	w.blocks[idx] = d.Data
	w.filled[idx] = true
	w.count++
	w.size += len(d.Data)

	if d.IsLast() {
		w.truncate(idx)
	}
}

// truncate this window after the terminating block at idx.
func (w *window) truncate(idx int) {
	w.last = true

	for i := idx + 1; i < len(w.blocks); i++ {
		if w.filled[i] {
			w.count--
			w.size -= len(w.blocks[i])
		}
	}

	w.blocks = w.blocks[:idx+1]
	w.filled = w.filled[:idx+1]
}

// isFinished if every slot is filled.
func (w *window) isFinished() bool {
	return w.count == len(w.blocks)
}

// next block number after this window.
func (w *window) next() uint32 {
	return w.start + uint32(len(w.blocks))
}

// IncomingTransfer represents an incoming binary transfer, assembled window by window.
type IncomingTransfer struct {
	transfer

	blockSize  int
	windowSize int

	window   *window
	buf      *bytes.Buffer
	progress bool
}

// newIncomingTransfer for a received WriteRequest. Its first window starts at block zero.
func newIncomingTransfer(peer Peer, wr *WriteRequest, blockSize, windowSize int) *IncomingTransfer {
	t := &IncomingTransfer{
		transfer: transfer{
			direction:  Incoming,
			peer:       peer,
			info:       wr.Info,
			nonce:      wr.Nonce,
			dataSize:   wr.DataSize,
			blockCount: blockCount(wr.DataSize, blockSize),
		},
		blockSize:  blockSize,
		windowSize: windowSize,
		window:     newWindow(0, windowSize),
		buf:        new(bytes.Buffer),
	}
	t.touch()
	return t
}

// acknowledgement requesting the current window.
func (t *IncomingTransfer) acknowledgement() *Acknowledgement {
	return NewAcknowledgement(t.window.start, uint32(t.windowSize), t.nonce)
}

// onData stores a received block. If this completes the current window, the returned Acknowledgement either
// requests the next window or, for the final window, is the final one and finished is set. Blocks outside the
// window or for another nonce are dropped without an error.
func (t *IncomingTransfer) onData(d *Data) (ack *Acknowledgement, finished bool, err error) {
	if d.Nonce != t.nonce {
		return
	}

	idx := t.window.index(d.Number)
	if idx < 0 {
		return
	}

	if !d.IsLast() && d.Number >= t.blockCount {
		err = newTransferError(KindSize, "block %d exceeds the announced %d blocks", d.Number, t.blockCount)
		return
	}

	if received := t.buf.Len() + t.window.size + len(d.Data); !t.window.filled[idx] && uint64(received) > uint64(t.dataSize) {
		err = newTransferError(KindSize, "received %d bytes, exceeding the announced %d bytes", received, t.dataSize)
		return
	}

	t.window.add(idx, d)
	t.progress = true
	t.attempt = 0
	t.touch()

	if !t.window.isFinished() {
		return
	}

	for _, block := range t.window.blocks {
		t.buf.Write(block)
	}

	if t.window.last {
		if t.buf.Len() != int(t.dataSize) {
			err = newTransferError(KindSize, "received %d bytes instead of the announced %d bytes", t.buf.Len(), t.dataSize)
			return
		}

		final := uint64(t.window.start) + uint64(t.windowSize)
		if final > math.MaxUint32 {
			final = math.MaxUint32
		}

		ack = NewAcknowledgement(uint32(final), uint32(t.windowSize), t.nonce)
		finished = true
		return
	}

	t.window = newWindow(t.window.next(), t.windowSize)
	ack = t.acknowledgement()
	return
}

// result of this transfer, only valid after it has finished.
func (t *IncomingTransfer) result() Result {
	return Result{
		Peer:  t.peer,
		Info:  t.info,
		Data:  t.buf.Bytes(),
		Nonce: t.nonce,
	}
}

func (t *IncomingTransfer) String() string {
	return fmt.Sprintf("%v, Window=[%d, %d)", &t.transfer, t.window.start, t.window.next())
}
