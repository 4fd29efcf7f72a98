// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Data carries the block with index Number. An empty Data block terminates the transfer.
type Data struct {
	Number uint32
	Nonce  uint32
	Data   []byte
}

// NewData creates a new Data message with given fields.
func NewData(number, nonce uint32, data []byte) *Data {
	return &Data{
		Number: number,
		Nonce:  nonce,
		Data:   data,
	}
}

func (d Data) Kind() Kind {
	return KindData
}

// IsLast reports if this is the empty terminating block.
func (d Data) IsLast() bool {
	return len(d.Data) == 0
}

func (d Data) String() string {
	return fmt.Sprintf("DATA(Number=%d, Nonce=%d, Length=%d)", d.Number, d.Nonce, len(d.Data))
}

func (d Data) Marshal(w io.Writer) error {
	var fields = []interface{}{d.Number, d.Nonce}

	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	_, err := w.Write(d.Data)
	return err
}

func (d *Data) Unmarshal(r io.Reader) error {
	var fields = []interface{}{&d.Number, &d.Nonce}

	for _, field := range fields {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.Data = data

	return nil
}
