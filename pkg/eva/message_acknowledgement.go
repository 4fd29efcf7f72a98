// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Acknowledgement is sent by the receiver to request the window of blocks starting at Number. An Acknowledgement
// whose Number exceeds the transfer's block count finishes the transfer.
type Acknowledgement struct {
	Number     uint32
	WindowSize uint32
	Nonce      uint32
}

// NewAcknowledgement creates a new Acknowledgement with given fields.
func NewAcknowledgement(number, windowSize, nonce uint32) *Acknowledgement {
	return &Acknowledgement{
		Number:     number,
		WindowSize: windowSize,
		Nonce:      nonce,
	}
}

func (ack Acknowledgement) Kind() Kind {
	return KindAcknowledgement
}

func (ack Acknowledgement) String() string {
	return fmt.Sprintf("ACKNOWLEDGEMENT(Number=%d, Window Size=%d, Nonce=%d)", ack.Number, ack.WindowSize, ack.Nonce)
}

func (ack Acknowledgement) Marshal(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, ack)
}

func (ack *Acknowledgement) Unmarshal(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, ack)
}
