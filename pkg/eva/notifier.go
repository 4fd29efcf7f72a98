// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"context"
	"sync"
)

// notifier executes callbacks in FIFO order on its own goroutine. Its queue is unbounded, such that the
// Protocol's handler never blocks on a slow callback.
type notifier struct {
	mutex  sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go n.run()

	return n
}

func (n *notifier) run() {
	defer close(n.done)

	for {
		n.mutex.Lock()
		if len(n.queue) == 0 {
			closed := n.closed
			n.mutex.Unlock()

			if closed {
				return
			}

			<-n.signal
			continue
		}

		f := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mutex.Unlock()

		f()
	}
}

func (n *notifier) wake() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// push a callback to the queue. Callbacks pushed after close are dropped.
func (n *notifier) push(f func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return
	}

	n.queue = append(n.queue, f)
	n.wake()
}

// close the notifier and wait until all queued callbacks were executed or the context is done.
func (n *notifier) close(ctx context.Context) error {
	n.mutex.Lock()
	n.closed = true
	n.wake()
	n.mutex.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
