package session

import (
	"testing"
	"time"
)

func TestLatencyReservoirBoundedWindow(t *testing.T) {
	r := NewLatencyReservoir(3)
	r.Record(10 * time.Millisecond)
	r.Record(20 * time.Millisecond)
	r.Record(30 * time.Millisecond)
	r.Record(40 * time.Millisecond)

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	if got, want := r.Mean(), 30*time.Millisecond; got != want {
		t.Errorf("Mean() = %v, want %v", got, want)
	}
}

func TestLatencyReservoirCapsAtMax(t *testing.T) {
	r := NewLatencyReservoir(1000)
	if r.cap != maxLatencySamples {
		t.Errorf("cap = %d, want %d", r.cap, maxLatencySamples)
	}
}

func TestLatencyReservoirEmptyMeanIsZero(t *testing.T) {
	r := NewLatencyReservoir(4)
	if r.Mean() != 0 {
		t.Errorf("Mean() = %v, want 0", r.Mean())
	}
}
