// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eva

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// testPeer bundles a Protocol with channels of its callbacks.
type testPeer struct {
	*Protocol

	received chan Result
	sent     chan Result
	errs     chan *TransferError
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.BlockSize = 2
	conf.WindowSize = 16
	conf.BinarySizeLimit = 1 << 20
	conf.RetransmitInterval = time.Second
	conf.TerminationTimeout = 5 * time.Second
	conf.ScheduledSendInterval = 100 * time.Millisecond
	return conf
}

func newTestPeer(t *testing.T, hub *dummyHub, peer Peer, conf Config) *testPeer {
	p, err := NewProtocol(peer, newDummyOverlay(peer, hub), conf)
	if err != nil {
		t.Fatal(err)
	}

	tp := &testPeer{
		Protocol: p,
		received: make(chan Result, 64),
		sent:     make(chan Result, 64),
		errs:     make(chan *TransferError, 64),
	}
	p.OnReceive(func(r Result) { tp.received <- r })
	p.OnSendComplete(func(r Result) { tp.sent <- r })
	p.OnError(func(_ Peer, err *TransferError) { tp.errs <- err })

	return tp
}

func (tp *testPeer) shutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tp.Shutdown(ctx); err != nil && !errors.Is(err, ErrClosed) {
		t.Fatal(err)
	}
}

// assertIdle fails if the Protocol still knows any transfer.
func (tp *testPeer) assertIdle(t *testing.T) {
	infos, err := tp.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("Protocol %v is not idle: %v", tp.self, infos)
	}
}

func waitCompletion(t *testing.T, c *Completion) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Completion was not resolved in time")
	}
	return res, err
}

func waitResult(t *testing.T, ch chan Result) Result {
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("No result within time")
		return Result{}
	}
}

func waitError(t *testing.T, ch chan *TransferError) *TransferError {
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("No error within time")
		return nil
	}
}

func assertTransferError(t *testing.T, err error, kind ErrorKind, remote bool) *TransferError {
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TransferError, got %v", err)
	}
	if terr.Kind != kind || terr.Remote != remote {
		t.Fatalf("Expected %v error (remote: %t), got %v (remote: %t)", kind, remote, terr.Kind, terr.Remote)
	}
	return terr
}

func TestProtocolSingleSmall(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("test1"), []byte("1234"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := waitCompletion(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Peer != "B" || !bytes.Equal(res.Info, []byte("test1")) || !bytes.Equal(res.Data, []byte("1234")) {
		t.Fatalf("Unexpected completion result %v", res)
	}

	if sent := waitResult(t, a.sent); !bytes.Equal(sent.Data, []byte("1234")) || sent.Nonce != res.Nonce {
		t.Fatalf("Unexpected send result %v", sent)
	}

	recv := waitResult(t, b.received)
	if recv.Peer != "A" || !bytes.Equal(recv.Info, []byte("test1")) || !bytes.Equal(recv.Data, []byte("1234")) {
		t.Fatalf("Unexpected receive result %v", recv)
	}
	if recv.Nonce != res.Nonce {
		t.Fatalf("Nonce differs: %d != %d", recv.Nonce, res.Nonce)
	}

	a.assertIdle(t)
	b.assertIdle(t)
}

func TestProtocolMultiWindowReordered(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	var (
		dataCounter int
		held        *packet
	)
	hub.setFilter(func(p packet) []packet {
		if p.from != "A" || p.kind != KindData {
			return []packet{p}
		}

		dataCounter++
		switch dataCounter {
		case 2:
			held = &p
			return nil
		case 3:
			return []packet{p, *held}
		default:
			return []packet{p}
		}
	})

	conf := testConfig()
	conf.BlockSize = 3

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	payload := []byte("ABCDEFJHI")

	c, err := a.SendBinary("B", []byte("info"), payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitCompletion(t, c); err != nil {
		t.Fatal(err)
	}

	if recv := waitResult(t, b.received); !bytes.Equal(recv.Data, payload) {
		t.Fatalf("Reassembled %q instead of %q", recv.Data, payload)
	}
}

func TestProtocolManyWindows(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	conf := testConfig()
	conf.BlockSize = 7
	conf.WindowSize = 3

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	for _, size := range []int{1, 7, 8, 21, 22, 1000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 13)
		}

		c, err := a.SendBinary("B", []byte(fmt.Sprintf("%d", size)), payload)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := waitCompletion(t, c); err != nil {
			t.Fatalf("Transfer of %d bytes failed: %v", size, err)
		}

		if recv := waitResult(t, b.received); !bytes.Equal(recv.Data, payload) {
			t.Fatalf("Transfer of %d bytes differs", size)
		}
	}
}

func TestProtocolSizeLimit(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	confB := testConfig()
	confB.BinarySizeLimit = 4

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", confB)
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("info"), []byte("12345"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindSize, true)
	assertTransferError(t, waitError(t, a.errs), KindSize, true)

	if terr := assertTransferError(t, waitError(t, b.errs), KindSize, false); terr.Peer != "A" {
		t.Fatalf("Error names peer %v", terr.Peer)
	}

	a.assertIdle(t)
	b.assertIdle(t)
}

func TestProtocolLocalErrors(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	conf := testConfig()
	conf.BinarySizeLimit = 8

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)

	tests := []struct {
		name string
		peer Peer
		info []byte
		data []byte
		kind ErrorKind
	}{
		{"self", "A", []byte("x"), []byte("y"), KindValue},
		{"empty", "B", []byte("x"), []byte{}, KindValue},
		{"long info", "B", []byte("xyz"), []byte("y"), KindValue},
		{"size", "B", []byte("x"), []byte("123456789"), KindSize},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, err := a.SendBinary(test.peer, test.info, test.data)
			if c != nil {
				t.Fatalf("Received Completion %v", c)
			}
			assertTransferError(t, err, test.kind, false)
		})
	}

	if _, err := a.GetBinary("A", []byte("x")); err == nil {
		t.Fatal("Requesting from oneself succeeded")
	} else {
		assertTransferError(t, err, KindValue, false)
	}

	a.assertIdle(t)
}

func TestProtocolScheduling(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	conf := testConfig()
	conf.MaxSimultaneousTransfers = 2

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	var violations int32
	stopPolling := make(chan struct{})
	pollingDone := make(chan struct{})
	go func() {
		defer close(pollingDone)
		for {
			select {
			case <-stopPolling:
				return
			case <-time.After(time.Millisecond):
			}

			infos, err := a.Snapshot()
			if err != nil {
				return
			}

			active := 0
			for _, info := range infos {
				if !info.Scheduled {
					active++
				}
			}
			if active > 1 {
				atomic.AddInt32(&violations, 1)
			}
		}
	}()

	var (
		payloads    [][]byte
		completions []*Completion
	)
	for i := 0; i < 10; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 1024)
		payloads = append(payloads, payload)

		c, err := a.SendBinary("B", []byte(fmt.Sprintf("%d", i)), payload)
		if err != nil {
			t.Fatal(err)
		}
		completions = append(completions, c)
	}

	for i, c := range completions {
		if _, err := waitCompletion(t, c); err != nil {
			t.Fatalf("Transfer %d failed: %v", i, err)
		}
	}

	for i, payload := range payloads {
		recv := waitResult(t, b.received)
		if !bytes.Equal(recv.Info, []byte(fmt.Sprintf("%d", i))) || !bytes.Equal(recv.Data, payload) {
			t.Fatalf("Transfer %d was received as %v", i, recv)
		}
	}

	close(stopPolling)
	<-pollingDone

	if v := atomic.LoadInt32(&violations); v > 0 {
		t.Fatalf("More than one outgoing transfer was active %d times", v)
	}

	a.assertIdle(t)
	b.assertIdle(t)
}

func TestProtocolSchedulingPeers(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	conf := testConfig()
	conf.MaxSimultaneousTransfers = 1

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)

	var peers []*testPeer
	for _, name := range []Peer{"B", "C", "D"} {
		p := newTestPeer(t, hub, name, testConfig())
		defer p.shutdown(t)
		peers = append(peers, p)
	}

	var completions []*Completion
	for i := 0; i < 3; i++ {
		for _, p := range peers {
			c, err := a.SendBinary(p.self, []byte{byte(i)}, bytes.Repeat([]byte{byte(i)}, 100))
			if err != nil {
				t.Fatal(err)
			}
			completions = append(completions, c)
		}
	}

	for i, c := range completions {
		if _, err := waitCompletion(t, c); err != nil {
			t.Fatalf("Transfer %d failed: %v", i, err)
		}
	}

	for _, p := range peers {
		for i := 0; i < 3; i++ {
			if recv := waitResult(t, p.received); !bytes.Equal(recv.Info, []byte{byte(i)}) {
				t.Fatalf("Peer %v received %v as transfer %d", p.self, recv, i)
			}
		}
	}

	a.assertIdle(t)
}

func TestProtocolTransferLimit(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.setFilter(func(p packet) []packet {
		if p.to == "D" {
			return nil
		}
		return []packet{p}
	})

	confB := testConfig()
	confB.MaxSimultaneousTransfers = 1

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", confB)
	defer b.shutdown(t)

	// B's only slot is occupied by an unanswered transfer to D.
	if _, err := b.SendBinary("D", []byte("blocker"), []byte("data")); err != nil {
		t.Fatal(err)
	}

	c, err := a.SendBinary("B", []byte("info"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindTransferLimit, true)
	assertTransferError(t, waitError(t, b.errs), KindTransferLimit, false)
}

func TestProtocolTimeout(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.dropFrom("A")

	conf := testConfig()
	conf.TerminationTimeout = 200 * time.Millisecond

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("info"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = waitCompletion(t, c)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	assertTransferError(t, waitError(t, a.errs), KindTimeout, false)

	a.assertIdle(t)
}

func TestProtocolRetransmitWriteRequest(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	var writeRequests int32
	hub.setFilter(func(p packet) []packet {
		if p.kind == KindWriteRequest && atomic.AddInt32(&writeRequests, 1) <= 2 {
			return nil
		}
		return []packet{p}
	})

	conf := testConfig()
	conf.RetransmitInterval = 50 * time.Millisecond

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("info"), []byte("retransmitted"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitCompletion(t, c); err != nil {
		t.Fatal(err)
	}

	if n := atomic.LoadInt32(&writeRequests); n < 3 {
		t.Fatalf("Expected at least three write requests, got %d", n)
	}
}

func TestProtocolRetransmitExhausted(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.dropFrom("A")

	conf := testConfig()
	conf.RetransmitInterval = 20 * time.Millisecond
	conf.RetransmitAttempts = 2

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)

	c, err := a.SendBinary("B", []byte("info"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindTimeout, false)
}

func TestProtocolLossyData(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	var dataCounter int
	hub.setFilter(func(p packet) []packet {
		if p.kind != KindData {
			return []packet{p}
		}

		dataCounter++
		if dataCounter%3 == 0 {
			return nil
		}
		return []packet{p}
	})

	conf := testConfig()
	conf.WindowSize = 4
	conf.RetransmitInterval = 30 * time.Millisecond
	conf.RetransmitAttempts = 10

	a := newTestPeer(t, hub, "A", conf)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", conf)
	defer b.shutdown(t)

	payload := make([]byte, 101)
	for i := range payload {
		payload[i] = byte(i)
	}

	c, err := a.SendBinary("B", []byte("lossy"), payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitCompletion(t, c); err != nil {
		t.Fatal(err)
	}

	if recv := waitResult(t, b.received); !bytes.Equal(recv.Data, payload) {
		t.Fatalf("Reassembled %x instead of %x", recv.Data, payload)
	}
}

func TestProtocolCancel(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.dropFrom("A")

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)

	active, err := a.SendBinary("B", []byte("active"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	scheduled, err := a.SendBinary("B", []byte("scheduled"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	scheduled.Cancel()
	_, err = waitCompletion(t, scheduled)
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("Expected cancellation, got %v", err)
	}

	infos, err := a.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || !bytes.Equal(infos[0].Info, []byte("active")) {
		t.Fatalf("Unexpected transfers after cancellation: %v", infos)
	}

	active.Cancel()
	_, err = waitCompletion(t, active)
	assertTransferError(t, err, KindTransferCancelled, false)

	for i := 0; i < 2; i++ {
		assertTransferError(t, waitError(t, a.errs), KindTransferCancelled, false)
	}

	a.assertIdle(t)
}

func TestProtocolShutdown(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.dropFrom("A")

	a := newTestPeer(t, hub, "A", testConfig())

	var completions []*Completion
	for i := 0; i < 3; i++ {
		c, err := a.SendBinary("B", []byte{byte(i)}, []byte("data"))
		if err != nil {
			t.Fatal(err)
		}
		completions = append(completions, c)
	}

	request, err := a.GetBinary("C", []byte("request"))
	if err != nil {
		t.Fatal(err)
	}
	completions = append(completions, request)

	a.shutdown(t)

	for i, c := range completions {
		_, err := waitCompletion(t, c)
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("Transfer %d did not fail with shutdown: %v", i, err)
		}
	}

	if n := len(a.errs); n != len(completions) {
		t.Fatalf("Expected %d error callbacks, got %d", len(completions), n)
	}

	if _, err := a.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Snapshot after shutdown: %v", err)
	}
	if _, err := a.SendBinary("B", []byte("x"), []byte("y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendBinary after shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Second shutdown: %v", err)
	}
}

func TestProtocolGetBinary(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())
	defer b.shutdown(t)

	b.OnRequest(func(peer Peer, info []byte) ([]byte, error) {
		if peer != "A" {
			return nil, fmt.Errorf("unknown peer %v", peer)
		}
		return append([]byte("content of "), info...), nil
	})

	c, err := a.GetBinary("B", []byte("f1"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := waitCompletion(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Peer != "B" || !bytes.Equal(res.Info, []byte("f1")) || !bytes.Equal(res.Data, []byte("content of f1")) {
		t.Fatalf("Unexpected result %v", res)
	}

	if recv := waitResult(t, a.received); recv.Nonce != res.Nonce {
		t.Fatalf("Received %v instead of %v", recv, res)
	}
	if sent := waitResult(t, b.sent); sent.Nonce != res.Nonce {
		t.Fatalf("Sent %v instead of %v", sent, res)
	}

	a.assertIdle(t)
	b.assertIdle(t)
}

func TestProtocolGetBinaryRejected(t *testing.T) {
	tests := []struct {
		name    string
		handler RequestHandler
		kind    ErrorKind
	}{
		{"no handler", nil, KindRequestRejected},
		{"error", func(Peer, []byte) ([]byte, error) { return nil, fmt.Errorf("not found") }, KindRequestRejected},
		{"panic", func(Peer, []byte) ([]byte, error) { panic("oops") }, KindRequestRejected},
		{"empty", func(Peer, []byte) ([]byte, error) { return nil, nil }, KindValue},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			hub := newDummyHub()
			defer hub.close()

			a := newTestPeer(t, hub, "A", testConfig())
			defer a.shutdown(t)
			b := newTestPeer(t, hub, "B", testConfig())
			defer b.shutdown(t)

			if test.handler != nil {
				b.OnRequest(test.handler)
			}

			c, err := a.GetBinary("B", []byte("f1"))
			if err != nil {
				t.Fatal(err)
			}

			_, err = waitCompletion(t, c)
			assertTransferError(t, err, test.kind, true)
			assertTransferError(t, waitError(t, a.errs), test.kind, true)
			assertTransferError(t, waitError(t, b.errs), test.kind, false)

			a.assertIdle(t)
		})
	}
}

// waitTransfer polls the Snapshot until an active transfer of the given direction shows up.
func waitTransfer(t *testing.T, tp *testPeer, direction Direction) TransferInfo {
	for i := 0; i < 500; i++ {
		infos, err := tp.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		for _, info := range infos {
			if info.Direction == direction && !info.Scheduled {
				return info
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("No %v transfer at %v", direction, tp.self)
	return TransferInfo{}
}

// assertNoError fails if another error callback arrives within a short time.
func assertNoError(t *testing.T, ch chan *TransferError) {
	select {
	case err := <-ch:
		t.Fatalf("Unexpected error callback: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProtocolGetBinaryAdmission(t *testing.T) {
	tests := []struct {
		name        string
		termination bool
		limit       int
		maxActive   int
		kind        ErrorKind
	}{
		{"size", true, 4, 10, KindSize},
		{"size without termination", false, 4, 10, KindSize},
		{"transfer limit", true, 1 << 20, 1, KindTransferLimit},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			hub := newDummyHub()
			defer hub.close()
			hub.setFilter(func(p packet) []packet {
				if p.to == "D" {
					return nil
				}
				return []packet{p}
			})

			confA := testConfig()
			confA.TerminationEnabled = test.termination
			confA.BinarySizeLimit = test.limit
			confA.MaxSimultaneousTransfers = test.maxActive

			a := newTestPeer(t, hub, "A", confA)
			defer a.shutdown(t)
			b := newTestPeer(t, hub, "B", testConfig())
			defer b.shutdown(t)

			b.OnRequest(func(Peer, []byte) ([]byte, error) {
				return []byte("12345"), nil
			})

			var blocker *Completion
			if test.maxActive == 1 {
				c, err := a.SendBinary("D", []byte("blocker"), []byte("data"))
				if err != nil {
					t.Fatal(err)
				}
				blocker = c
			}

			c, err := a.GetBinary("B", []byte("f1"))
			if err != nil {
				t.Fatal(err)
			}

			_, err = waitCompletion(t, c)
			terr := assertTransferError(t, err, test.kind, false)
			if terr.Peer != "B" {
				t.Fatalf("Error names peer %v", terr.Peer)
			}

			assertTransferError(t, waitError(t, a.errs), test.kind, false)
			assertTransferError(t, waitError(t, b.errs), test.kind, true)
			assertNoError(t, a.errs)

			if blocker != nil {
				blocker.Cancel()
				_, err := waitCompletion(t, blocker)
				assertTransferError(t, err, KindTransferCancelled, false)
				assertTransferError(t, waitError(t, a.errs), KindTransferCancelled, false)
			}

			a.assertIdle(t)
		})
	}
}

func TestProtocolInfoAdmission(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()

	confA := testConfig()
	confA.BlockSize = 8

	a := newTestPeer(t, hub, "A", confA)
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("toolong"), []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindValue, true)
	assertTransferError(t, waitError(t, a.errs), KindValue, true)
	assertTransferError(t, waitError(t, b.errs), KindValue, false)

	a.assertIdle(t)
	b.assertIdle(t)
}

func TestProtocolShutdownIncoming(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.setFilter(func(p packet) []packet {
		if p.from == "A" && p.kind == KindData {
			return nil
		}
		return []packet{p}
	})

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())

	c, err := a.SendBinary("B", []byte("info"), []byte("some data"))
	if err != nil {
		t.Fatal(err)
	}

	waitTransfer(t, b, Incoming)
	b.shutdown(t)

	assertTransferError(t, waitError(t, b.errs), KindGeneric, false)
	if n := len(b.errs); n != 0 {
		t.Fatalf("Expected one error callback, got %d more", n)
	}
	if n := len(b.received); n != 0 {
		t.Fatalf("Shut down peer received %d transfers", n)
	}

	c.Cancel()
	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindTransferCancelled, false)
	a.assertIdle(t)
}

func TestProtocolGetBinaryCancelIncoming(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.setFilter(func(p packet) []packet {
		if p.from == "B" && p.kind == KindData {
			return nil
		}
		return []packet{p}
	})

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())
	defer b.shutdown(t)

	b.OnRequest(func(Peer, []byte) ([]byte, error) {
		return []byte("never delivered"), nil
	})

	c, err := a.GetBinary("B", []byte("f1"))
	if err != nil {
		t.Fatal(err)
	}

	waitTransfer(t, a, Incoming)
	c.Cancel()

	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindTransferCancelled, false)
	assertTransferError(t, waitError(t, a.errs), KindTransferCancelled, false)
	assertNoError(t, a.errs)

	a.assertIdle(t)
}

func TestProtocolRemoteErrorIncoming(t *testing.T) {
	hub := newDummyHub()
	defer hub.close()
	hub.setFilter(func(p packet) []packet {
		if p.from == "A" && p.kind == KindData {
			return nil
		}
		return []packet{p}
	})

	a := newTestPeer(t, hub, "A", testConfig())
	defer a.shutdown(t)
	b := newTestPeer(t, hub, "B", testConfig())
	defer b.shutdown(t)

	c, err := a.SendBinary("B", []byte("info"), []byte("some data"))
	if err != nil {
		t.Fatal(err)
	}

	info := waitTransfer(t, b, Incoming)

	payload, err := MarshalMessage(NewError(false, info.Nonce, KindGeneric, []byte("aborted")))
	if err != nil {
		t.Fatal(err)
	}
	hub.receive(packet{from: "A", to: "B", kind: KindError, payload: payload})

	terr := assertTransferError(t, waitError(t, b.errs), KindGeneric, true)
	if terr.Nonce != info.Nonce {
		t.Fatalf("Error for nonce %d instead of %d", terr.Nonce, info.Nonce)
	}
	assertNoError(t, b.errs)
	b.assertIdle(t)

	c.Cancel()
	_, err = waitCompletion(t, c)
	assertTransferError(t, err, KindTransferCancelled, false)
}
