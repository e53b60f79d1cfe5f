package frame

import (
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func TestSendReceiveRoundTrip(t *testing.T) {
	c, s := pipePair(t)
	tx := New(c, 0)
	rx := New(s, 0)

	go func() {
		tx.Send("OK AUTH")
	}()

	res := rx.Receive(time.Now().Add(time.Second))
	if res.Closed || res.Timeout {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Line != "OK AUTH" {
		t.Errorf("Line = %q, want %q", res.Line, "OK AUTH")
	}
}

func TestReceiveEmptyPayload(t *testing.T) {
	c, s := pipePair(t)
	tx := New(c, 0)
	rx := New(s, 0)

	go func() { tx.Send("") }()

	res := rx.Receive(time.Now().Add(time.Second))
	if res.Closed || res.Timeout {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Line != "" {
		t.Errorf("Line = %q, want empty", res.Line)
	}
}

func TestReceiveRejectsOversizeLength(t *testing.T) {
	c, s := pipePair(t)
	rx := New(s, 0)

	// Write a raw header declaring a length over MAX_MSIZE directly,
	// bypassing Send's own guard (which would refuse to emit one).
	declared := uint32(DefaultMaxMsize + 1)
	hdr := make([]byte, HeaderLen)
	hdr[0] = byte(declared)
	hdr[1] = byte(declared >> 8)
	hdr[2] = byte(declared >> 16)
	hdr[3] = byte(declared >> 24)
	go func() { c.Write(hdr) }()

	res := rx.Receive(time.Now().Add(time.Second))
	if !res.FrameError {
		t.Fatalf("expected FrameError for oversize frame, got %+v", res)
	}
	if res.PayloadLen != int(declared)-HeaderLen {
		t.Errorf("PayloadLen = %d, want %d", res.PayloadLen, int(declared)-HeaderLen)
	}
}

func TestReceiveRejectsUndersizeLength(t *testing.T) {
	c, s := pipePair(t)
	rx := New(s, 0)

	hdr := []byte{2, 0, 0, 0} // declared total 2 < HeaderLen
	go func() { c.Write(hdr) }()

	res := rx.Receive(time.Now().Add(time.Second))
	if !res.FrameError {
		t.Fatalf("expected FrameError for undersize frame, got %+v", res)
	}
	if res.PayloadLen != 0 {
		t.Errorf("PayloadLen = %d, want 0", res.PayloadLen)
	}
}

func TestReceiveAcceptsMaxMsize(t *testing.T) {
	c, s := pipePair(t)
	tx := New(c, 0)
	rx := New(s, 0)

	payload := make([]byte, DefaultMaxMsize-HeaderLen)
	for i := range payload {
		payload[i] = 'a'
	}
	go func() { tx.Send(string(payload)) }()

	res := rx.Receive(time.Now().Add(time.Second))
	if res.Closed || res.Timeout {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Line) != len(payload) {
		t.Errorf("len(Line) = %d, want %d", len(res.Line), len(payload))
	}
}

func TestReceiveTimeoutThenResumes(t *testing.T) {
	c, s := pipePair(t)
	tx := New(c, 0)
	rx := New(s, 0)

	done := make(chan struct{})
	go func() {
		time.Sleep(80 * time.Millisecond)
		tx.Send("line one")
		close(done)
	}()

	// First Receive should time out — nothing written yet.
	res := rx.Receive(time.Now().Add(20 * time.Millisecond))
	if !res.Timeout {
		t.Fatalf("expected Timeout, got %+v", res)
	}

	// Poll until the frame arrives, preserving any partial state.
	var final Result
	for i := 0; i < 50; i++ {
		final = rx.Receive(time.Now().Add(20 * time.Millisecond))
		if !final.Timeout {
			break
		}
	}
	<-done
	if final.Closed || final.Timeout {
		t.Fatalf("final result: %+v", final)
	}
	if final.Line != "line one" {
		t.Errorf("Line = %q, want %q", final.Line, "line one")
	}
}

func TestDiscardN(t *testing.T) {
	c, s := pipePair(t)
	tx := New(c, 0)
	rx := New(s, 0)

	go func() {
		tx.Conn().Write([]byte("0123456789"))
	}()

	res := rx.DiscardN(10, time.Now().Add(time.Second))
	if res.Closed || res.Timeout {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	bo := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}
	for i, w := range want {
		if got := bo.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	bo.Reset()
	if got := bo.Next(); got != 10*time.Millisecond {
		t.Errorf("after reset: got %v, want 10ms", got)
	}
}
