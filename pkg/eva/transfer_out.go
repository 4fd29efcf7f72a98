// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

// OutgoingTransfer represents an outgoing binary transfer. Blocks are sliced lazily from the payload whenever an
// Acknowledgement requests them.
type OutgoingTransfer struct {
	transfer

	data      []byte
	blockSize int

	acknowledgementReceived bool
}

// newOutgoingTransfer for a payload, which must fit into an uint32.
func newOutgoingTransfer(peer Peer, info, data []byte, nonce uint32, blockSize int) *OutgoingTransfer {
	return &OutgoingTransfer{
		transfer: transfer{
			direction:  Outgoing,
			peer:       peer,
			info:       info,
			nonce:      nonce,
			dataSize:   uint32(len(data)),
			blockCount: blockCount(uint32(len(data)), blockSize),
			completion: newCompletion(),
		},
		data:      data,
		blockSize: blockSize,
	}
}

// block returns the block with the given number. The block at blockCount and beyond is empty.
func (t *OutgoingTransfer) block(number uint32) []byte {
	start := uint64(number) * uint64(t.blockSize)
	if start >= uint64(len(t.data)) {
		return []byte{}
	}

	end := start + uint64(t.blockSize)
	if end > uint64(len(t.data)) {
		end = uint64(len(t.data))
	}
	return t.data[start:end]
}

// writeRequest opening this transfer.
func (t *OutgoingTransfer) writeRequest() *WriteRequest {
	return NewWriteRequest(t.dataSize, t.nonce, t.info)
}

// onAcknowledgement returns the Data messages requested by an Acknowledgement or reports a finished transfer.
// The window stops early after the empty terminating block.
func (t *OutgoingTransfer) onAcknowledgement(ack *Acknowledgement) (blocks []*Data, finished bool) {
	t.acknowledgementReceived = true
	t.attempt = 0
	t.touch()

	if ack.Number > t.blockCount {
		finished = true
		return
	}

	end := uint64(ack.Number) + uint64(ack.WindowSize)
	for number := uint64(ack.Number); number < end && number <= uint64(t.blockCount); number++ {
		block := t.block(uint32(number))
		blocks = append(blocks, NewData(uint32(number), t.nonce, block))

		if len(block) == 0 {
			break
		}
	}
	return
}

// result of this transfer, as reported on success.
func (t *OutgoingTransfer) result() Result {
	return Result{
		Peer:  t.peer,
		Info:  t.info,
		Data:  t.data,
		Nonce: t.nonce,
	}
}
