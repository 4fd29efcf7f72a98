// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"testing"
)

func TestSchedulerOrder(t *testing.T) {
	s := newScheduler()

	var transfers []*OutgoingTransfer
	for i, peer := range []Peer{"B", "B", "C", "B", "C"} {
		ot := newOutgoingTransfer(peer, nil, []byte("data"), uint32(i), 2)
		transfers = append(transfers, ot)
		s.push(ot)
	}

	if n := s.len(); n != len(transfers) {
		t.Fatalf("Scheduler has %d transfers, expected %d", n, len(transfers))
	}

	all := func(Peer) bool { return true }
	expected := []uint32{0, 2, 1, 4, 3}
	for _, nonce := range expected {
		ot := s.pop(all)
		if ot == nil || ot.nonce != nonce {
			t.Fatalf("Expected transfer %d, got %v", nonce, ot)
		}
	}

	if ot := s.pop(all); ot != nil {
		t.Fatalf("Empty scheduler popped %v", ot)
	}
}

func TestSchedulerEligible(t *testing.T) {
	s := newScheduler()
	s.push(newOutgoingTransfer("B", nil, []byte("data"), 1, 2))
	s.push(newOutgoingTransfer("C", nil, []byte("data"), 2, 2))

	if ot := s.pop(func(Peer) bool { return false }); ot != nil {
		t.Fatalf("Ineligible peer popped %v", ot)
	}

	if ot := s.pop(func(p Peer) bool { return p == "C" }); ot == nil || ot.nonce != 2 {
		t.Fatalf("Expected transfer 2, got %v", ot)
	}

	if n := s.len(); n != 1 {
		t.Fatalf("Scheduler has %d transfers", n)
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := newScheduler()

	t1 := newOutgoingTransfer("B", nil, []byte("data"), 1, 2)
	t2 := newOutgoingTransfer("B", nil, []byte("data"), 2, 2)
	t3 := newOutgoingTransfer("C", nil, []byte("data"), 3, 2)
	for _, ot := range []*OutgoingTransfer{t1, t2, t3} {
		s.push(ot)
	}

	if !s.remove(t1) {
		t.Fatal("Queued transfer was not removed")
	}
	if s.remove(t1) {
		t.Fatal("Transfer was removed twice")
	}
	if !s.remove(t3) {
		t.Fatal("Queued transfer was not removed")
	}

	if transfers := s.transfers(); len(transfers) != 1 || transfers[0] != t2 {
		t.Fatalf("Unexpected transfers %v", transfers)
	}

	if drained := s.drain(); len(drained) != 1 || drained[0] != t2 {
		t.Fatalf("Unexpected drained transfers %v", drained)
	}
	if n := s.len(); n != 0 {
		t.Fatalf("Drained scheduler has %d transfers", n)
	}
}
