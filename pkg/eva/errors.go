// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a TransferError. Each kind is transmitted as the Error message's code.
type ErrorKind uint32

const (
	// KindGeneric is any other, mostly remote, error.
	KindGeneric ErrorKind = 0

	// KindSize indicates a payload exceeding the binary size limit or a size mismatch.
	KindSize ErrorKind = 1

	// KindTimeout indicates a transfer without progress for too long.
	KindTimeout ErrorKind = 2

	// KindValue indicates an illegal argument, e.g., empty data or a self-send.
	KindValue ErrorKind = 3

	// KindTransferLimit indicates an exceeded limit of simultaneous transfers.
	KindTransferLimit ErrorKind = 4

	// KindTransferCancelled indicates a transfer cancelled by its caller.
	KindTransferCancelled ErrorKind = 5

	// KindRequestRejected indicates a pull request which could not be answered.
	KindRequestRejected ErrorKind = 6
)

func (k ErrorKind) String() string {
	switch k {
	case KindGeneric:
		return "Generic"
	case KindSize:
		return "Size"
	case KindTimeout:
		return "Timeout"
	case KindValue:
		return "Value"
	case KindTransferLimit:
		return "TransferLimit"
	case KindTransferCancelled:
		return "TransferCancelled"
	case KindRequestRejected:
		return "RequestRejected"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint32(k))
	}
}

// TransferError is the error type for every failed transfer. Remote is set if the error was raised by the
// counterparty and reported by an Error message.
type TransferError struct {
	Kind    ErrorKind
	Message string
	Remote  bool

	Peer  Peer
	Nonce uint32
}

func newTransferError(kind ErrorKind, format string, a ...interface{}) *TransferError {
	return &TransferError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

// newRemoteError creates a TransferError from a received Error message.
func newRemoteError(peer Peer, msg *Error) *TransferError {
	return &TransferError{
		Kind:    msg.Code,
		Message: string(msg.Message),
		Remote:  true,
		Peer:    peer,
		Nonce:   msg.Nonce,
	}
}

// with returns a copy bound to a peer and nonce.
func (e *TransferError) with(peer Peer, nonce uint32) *TransferError {
	e2 := *e
	e2.Peer = peer
	e2.Nonce = nonce
	return &e2
}

func (e *TransferError) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	return fmt.Sprintf("eva: %v error (%s): %s", e.Kind, origin, e.Message)
}

// Is matches another TransferError by its Kind, allowing errors.Is checks against ErrSize, ErrTimeout, etc.
func (e *TransferError) Is(target error) bool {
	var t *TransferError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrGeneric           = &TransferError{Kind: KindGeneric, Message: "generic error"}
	ErrSize              = &TransferError{Kind: KindSize, Message: "size limit exceeded"}
	ErrTimeout           = &TransferError{Kind: KindTimeout, Message: "timeout"}
	ErrValue             = &TransferError{Kind: KindValue, Message: "illegal value"}
	ErrTransferLimit     = &TransferError{Kind: KindTransferLimit, Message: "maximum number of simultaneous transfers reached"}
	ErrTransferCancelled = &TransferError{Kind: KindTransferCancelled, Message: "transfer cancelled"}
	ErrRequestRejected   = &TransferError{Kind: KindRequestRejected, Message: "request rejected"}

	// ErrShutdown terminates all transfers on Protocol.Shutdown. It is a generic TransferError.
	ErrShutdown = &TransferError{Kind: KindGeneric, Message: "terminated due to shutdown"}
)

// ErrClosed is returned by a Protocol's methods after Shutdown.
var ErrClosed = errors.New("eva: protocol was shut down")
