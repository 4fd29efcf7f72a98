// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteRequest opens a new transfer. It announces the payload's size and the application info.
type WriteRequest struct {
	DataSize uint32
	Nonce    uint32
	Info     []byte
}

// NewWriteRequest creates a new WriteRequest with given fields.
func NewWriteRequest(dataSize, nonce uint32, info []byte) *WriteRequest {
	return &WriteRequest{
		DataSize: dataSize,
		Nonce:    nonce,
		Info:     info,
	}
}

func (wr WriteRequest) Kind() Kind {
	return KindWriteRequest
}

func (wr WriteRequest) String() string {
	return fmt.Sprintf("WRITE_REQUEST(Data Size=%d, Nonce=%d, Info=%q)", wr.DataSize, wr.Nonce, wr.Info)
}

func (wr WriteRequest) Marshal(w io.Writer) error {
	var fields = []interface{}{wr.DataSize, wr.Nonce}

	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	_, err := w.Write(wr.Info)
	return err
}

func (wr *WriteRequest) Unmarshal(r io.Reader) error {
	var fields = []interface{}{&wr.DataSize, &wr.Nonce}

	for _, field := range fields {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}

	info, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	wr.Info = info

	return nil
}
