// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Error terminates the transfer identified by Nonce on the receiving side. Incoming is set if the failed transfer
// was an incoming one on the sender's side of this message, such that the recipient looks up its outgoing mirror.
type Error struct {
	Incoming bool
	Nonce    uint32
	Code     ErrorKind
	Message  []byte
}

// NewError creates a new Error message with given fields.
func NewError(incoming bool, nonce uint32, code ErrorKind, message []byte) *Error {
	return &Error{
		Incoming: incoming,
		Nonce:    nonce,
		Code:     code,
		Message:  message,
	}
}

func (e Error) Kind() Kind {
	return KindError
}

func (e Error) String() string {
	return fmt.Sprintf("ERROR(Incoming=%t, Nonce=%d, Code=%v, Message=%q)", e.Incoming, e.Nonce, e.Code, e.Message)
}

func (e Error) Marshal(w io.Writer) error {
	var incoming uint8
	if e.Incoming {
		incoming = 1
	}

	var fields = []interface{}{incoming, e.Nonce, uint32(e.Code)}

	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	_, err := w.Write(e.Message)
	return err
}

func (e *Error) Unmarshal(r io.Reader) error {
	var (
		incoming uint8
		code     uint32
	)

	var fields = []interface{}{&incoming, &e.Nonce, &code}

	for _, field := range fields {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}

	switch incoming {
	case 0:
		e.Incoming = false
	case 1:
		e.Incoming = true
	default:
		return fmt.Errorf("ERROR's incoming flag %x is invalid", incoming)
	}
	e.Code = ErrorKind(code)

	message, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	e.Message = message

	return nil
}
