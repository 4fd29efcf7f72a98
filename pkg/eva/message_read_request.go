// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadRequest asks the remote peer for the binary identified by Info. The answer is an ordinary transfer carrying
// the same Nonce and Info, or an Error with the RequestRejected code.
type ReadRequest struct {
	Nonce uint32
	Info  []byte
}

// NewReadRequest creates a new ReadRequest with given fields.
func NewReadRequest(nonce uint32, info []byte) *ReadRequest {
	return &ReadRequest{
		Nonce: nonce,
		Info:  info,
	}
}

func (rr ReadRequest) Kind() Kind {
	return KindReadRequest
}

func (rr ReadRequest) String() string {
	return fmt.Sprintf("READ_REQUEST(Nonce=%d, Info=%q)", rr.Nonce, rr.Info)
}

func (rr ReadRequest) Marshal(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, rr.Nonce); err != nil {
		return err
	}

	_, err := w.Write(rr.Info)
	return err
}

func (rr *ReadRequest) Unmarshal(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &rr.Nonce); err != nil {
		return err
	}

	info, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	rr.Info = info

	return nil
}
