// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/howeyc/crc16"

	"github.com/dtn7/eva-go/pkg/eva"
)

// frameOverhead is the number of bytes a frame adds to its payload.
const frameOverhead = 3

var crc16table = crc16.MakeTable(crc16.CCITT)

var (
	// ErrChecksum is returned for a frame whose checksum does not match.
	ErrChecksum = errors.New("overlay: frame checksum mismatch")

	// ErrClosed is returned when sending on a closed overlay.
	ErrClosed = errors.New("overlay: closed")
)

// MarshalFrame wraps an EVA payload of a kind into a frame.
func MarshalFrame(kind eva.Kind, payload []byte) []byte {
	frame := make([]byte, 1+len(payload), len(payload)+frameOverhead)
	frame[0] = byte(kind)
	copy(frame[1:], payload)

	return binary.BigEndian.AppendUint16(frame, crc16.Checksum(frame, crc16table))
}

// UnmarshalFrame checks a frame and returns its kind and payload. The payload shares the frame's memory.
func UnmarshalFrame(frame []byte) (kind eva.Kind, payload []byte, err error) {
	if len(frame) < frameOverhead {
		err = fmt.Errorf("overlay: frame of %d bytes is too short", len(frame))
		return
	}

	body, sum := frame[:len(frame)-2], binary.BigEndian.Uint16(frame[len(frame)-2:])
	if crc16.Checksum(body, crc16table) != sum {
		err = ErrChecksum
		return
	}

	kind = eva.Kind(body[0])
	payload = body[1:]
	return
}
