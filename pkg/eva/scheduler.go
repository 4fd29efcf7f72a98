// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

// scheduler queues outgoing transfers per peer in FIFO order. It owns its transfers until they are popped.
type scheduler struct {
	queues map[Peer][]*OutgoingTransfer

	// order of peers with a non-empty queue; popping rotates a peer to the back.
	order []Peer
}

func newScheduler() *scheduler {
	return &scheduler{
		queues: make(map[Peer][]*OutgoingTransfer),
	}
}

// push an OutgoingTransfer to the back of its peer's queue.
func (s *scheduler) push(t *OutgoingTransfer) {
	if _, exists := s.queues[t.peer]; !exists {
		s.order = append(s.order, t.peer)
	}
	s.queues[t.peer] = append(s.queues[t.peer], t)
}

// pop the head of the first peer's queue for which eligible returns true, or nil.
func (s *scheduler) pop(eligible func(Peer) bool) *OutgoingTransfer {
	for i, peer := range s.order {
		if !eligible(peer) {
			continue
		}

		queue := s.queues[peer]
		t := queue[0]
		queue[0] = nil

		s.order = append(s.order[:i:i], s.order[i+1:]...)
		if len(queue) == 1 {
			delete(s.queues, peer)
		} else {
			s.queues[peer] = queue[1:]
			s.order = append(s.order, peer)
		}

		return t
	}
	return nil
}

// remove a queued OutgoingTransfer, e.g., because it was cancelled. It reports whether the transfer was queued.
func (s *scheduler) remove(t *OutgoingTransfer) bool {
	queue, exists := s.queues[t.peer]
	if !exists {
		return false
	}

	for i, qt := range queue {
		if qt != t {
			continue
		}

		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(s.queues, t.peer)
			s.removePeer(t.peer)
		} else {
			s.queues[t.peer] = queue
		}
		return true
	}
	return false
}

func (s *scheduler) removePeer(peer Peer) {
	for i, p := range s.order {
		if p == peer {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			return
		}
	}
}

// drain removes and returns all queued transfers.
func (s *scheduler) drain() (transfers []*OutgoingTransfer) {
	for _, peer := range s.order {
		transfers = append(transfers, s.queues[peer]...)
	}

	s.queues = make(map[Peer][]*OutgoingTransfer)
	s.order = nil
	return
}

// len is the number of queued transfers.
func (s *scheduler) len() (n int) {
	for _, queue := range s.queues {
		n += len(queue)
	}
	return
}

// transfers lists all queued transfers in order.
func (s *scheduler) transfers() (transfers []*OutgoingTransfer) {
	for _, peer := range s.order {
		transfers = append(transfers, s.queues[peer]...)
	}
	return
}
