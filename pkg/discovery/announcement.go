// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/dtn7/cboring"

	"github.com/dtn7/eva-go/pkg/eva"
)

// Protocol of an announced overlay endpoint.
type Protocol uint

const (
	UDP       Protocol = 1
	QUIC      Protocol = 2
	WebSocket Protocol = 3
)

// CheckValid checks if this Protocol is known.
func (p Protocol) CheckValid() error {
	switch p {
	case UDP, QUIC, WebSocket:
		return nil
	default:
		return fmt.Errorf("unknown overlay protocol %d", uint(p))
	}
}

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case QUIC:
		return "quic"
	case WebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("Protocol(%d)", uint(p))
	}
}

// WebSocketPath is the HTTP path of an announced WebSocket overlay endpoint.
const WebSocketPath = "/eva"

// Announcement of some node's overlay endpoint.
type Announcement struct {
	Protocol Protocol
	Node     string
	Port     uint
}

// Peer addresses the announced endpoint of a node, reachable at the given host.
func (announcement Announcement) Peer(host string) eva.Peer {
	hostPort := net.JoinHostPort(host, strconv.FormatUint(uint64(announcement.Port), 10))

	if announcement.Protocol == WebSocket {
		return eva.Peer("ws://" + hostPort + WebSocketPath)
	}
	return eva.Peer(hostPort)
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(announcement.Protocol), w); err != nil {
		return err
	}
	if err := cboring.WriteByteString([]byte(announcement.Node), w); err != nil {
		return fmt.Errorf("marshalling node failed: %v", err)
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if protocol := Protocol(n); protocol.CheckValid() != nil {
		return protocol.CheckValid()
	} else {
		announcement.Protocol = protocol
	}
	if node, err := cboring.ReadByteString(r); err != nil {
		return fmt.Errorf("unmarshalling node failed: %v", err)
	} else {
		announcement.Node = string(node)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xFFFF {
		return fmt.Errorf("port %d is out of range", n)
	} else {
		announcement.Port = uint(n)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%v,%s,%d)", announcement.Protocol, announcement.Node, announcement.Port)
}
