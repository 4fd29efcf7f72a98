// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package overlay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// On Linux, the socket's buffers are enlarged, as a sender emits a whole window of datagrams at once. The kernel
// caps the values at net.core.rmem_max and net.core.wmem_max, see socket(7).

// listenControl is the net.ListenConfig's Control function to set the socket options.
func listenControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		// socketRecvBuffer sets SO_RCVBUF in bytes.
		socketRecvBuffer int = 4 << 20

		// socketSendBuffer sets SO_SNDBUF in bytes.
		socketSendBuffer int = 1 << 20
	)

	opts := map[int]int{
		unix.SO_RCVBUF: socketRecvBuffer,
		unix.SO_SNDBUF: socketSendBuffer,
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		for opt, value := range opts {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, value)
			if err != nil {
				return
			}
		}
	})
	if err == nil {
		err = ctrlErr
	}

	return
}
