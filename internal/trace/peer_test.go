package trace

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"testing"
	"time"
)

func TestPostEnvelopeRejectsNonHTTPS(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	env := BuildEnvelope("peer-a", priv, TraceSegment{SegmentID: "seg-1"}, time.Now())

	_, err = PostEnvelope(context.Background(), http.DefaultClient, Peer{ID: "p1", URL: "http://example.invalid"}, env)
	if err == nil {
		t.Fatal("expected rejection of non-https peer URL")
	}
}

func TestWireEnvelopeRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	env := BuildEnvelope("peer-a", priv, TraceSegment{SegmentID: "seg-1", Entries: []string{"a", "b"}}, time.Now())

	w := toWire(env)
	back, err := fromWire(w)
	if err != nil {
		t.Fatalf("fromWire: %v", err)
	}
	if back.From != env.From || back.SegmentID != env.SegmentID {
		t.Error("round trip lost From/SegmentID")
	}
	if back.MerkleRoot != env.MerkleRoot {
		t.Error("round trip lost MerkleRoot")
	}
}

func TestFromWireRejectsBadFieldSizes(t *testing.T) {
	if _, err := fromWire(wireEnvelope{Nonce: []byte{1, 2, 3}}); err == nil {
		t.Fatal("expected error for undersized nonce")
	}
}
