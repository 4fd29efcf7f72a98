// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
)

// Kind discriminates EVA messages. The kind is not part of a message's payload; the Overlay transports it
// next to the payload and dispatches on it.
type Kind uint8

const (
	// KindWriteRequest opens a transfer, sent from the sender to the receiver.
	KindWriteRequest Kind = 0x01

	// KindAcknowledgement requests the next window of blocks, sent from the receiver to the sender.
	KindAcknowledgement Kind = 0x02

	// KindData carries one block, sent from the sender to the receiver.
	KindData Kind = 0x03

	// KindError terminates a transfer, sent in either direction.
	KindError Kind = 0x04

	// KindReadRequest asks the remote peer to send a binary, see Protocol.GetBinary.
	KindReadRequest Kind = 0x05
)

// Kinds lists all message kinds an Overlay must dispatch to EVA.
var Kinds = []Kind{KindWriteRequest, KindAcknowledgement, KindData, KindError, KindReadRequest}

func (k Kind) String() string {
	switch k {
	case KindWriteRequest:
		return "WriteRequest"
	case KindAcknowledgement:
		return "Acknowledgement"
	case KindData:
		return "Data"
	case KindError:
		return "Error"
	case KindReadRequest:
		return "ReadRequest"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message describes all kinds of EVA messages, which have their serialization and deserialization in common.
// Every message is a big-endian packed structure, optionally ending with a variable length byte field.
type Message interface {
	Kind() Kind
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
}

// messages maps the different EVA message kinds to an example instance of their type.
var messages = map[Kind]Message{
	KindWriteRequest:    &WriteRequest{},
	KindAcknowledgement: &Acknowledgement{},
	KindData:            &Data{},
	KindError:           &Error{},
	KindReadRequest:     &ReadRequest{},
}

// NewMessage creates a new Message type for a given kind.
func NewMessage(kind Kind) (msg Message, err error) {
	msgType, exists := messages[kind]
	if !exists {
		err = fmt.Errorf("no EVA Message registered for kind %x", uint8(kind))
		return
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	msg = reflect.New(msgElem).Interface().(Message)
	return
}

// ParseMessage creates a Message of the given kind from an overlay payload.
func ParseMessage(kind Kind, payload []byte) (msg Message, err error) {
	if msg, err = NewMessage(kind); err != nil {
		return
	}

	if msgErr := msg.Unmarshal(bytes.NewReader(payload)); msgErr != nil {
		err = fmt.Errorf("parsing %v failed: %w", kind, msgErr)
	}
	return
}

// MarshalMessage serializes a Message into its overlay payload.
func MarshalMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
