package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// wireEnvelope is the JSON transport shape for a SegmentEnvelope; the
// fixed-size byte arrays round-trip as their slices.
type wireEnvelope struct {
	From          string   `json:"from"`
	SegmentID     string   `json:"segment_id"`
	Entries       []string `json:"entries"`
	Nonce         []byte   `json:"nonce"`
	MerkleRoot    []byte   `json:"merkle_root"`
	Signature     []byte   `json:"signature"`
	SessionPubKey []byte   `json:"session_pubkey"`
	SessionCert   []byte   `json:"session_cert"`
	TimestampUnix int64    `json:"timestamp_unix"`
}

// MarshalEnvelope renders env as the JSON wire shape POSTed/returned by the
// peer endpoint (spec.md §6). Exported so cmd/cohesixd's HTTP handler can
// speak the same wire format PostEnvelope uses, without duplicating it.
func MarshalEnvelope(env SegmentEnvelope) ([]byte, error) {
	return json.Marshal(toWire(env))
}

// UnmarshalEnvelope parses the JSON wire shape back into a SegmentEnvelope.
func UnmarshalEnvelope(data []byte) (SegmentEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return SegmentEnvelope{}, cherr.Wrap(cherr.InvalidInput, "decode-envelope", err)
	}
	return fromWire(w)
}

func toWire(env SegmentEnvelope) wireEnvelope {
	return wireEnvelope{
		From:          env.From,
		SegmentID:     env.SegmentID,
		Entries:       env.Entries,
		Nonce:         env.Nonce[:],
		MerkleRoot:    env.MerkleRoot[:],
		Signature:     env.Signature[:],
		SessionPubKey: env.SessionPubKey[:],
		SessionCert:   env.SessionCert[:],
		TimestampUnix: env.Timestamp.Unix(),
	}
}

func fromWire(w wireEnvelope) (SegmentEnvelope, error) {
	var env SegmentEnvelope
	if len(w.Nonce) != 32 || len(w.MerkleRoot) != 32 || len(w.Signature) != 64 ||
		len(w.SessionPubKey) != 32 || len(w.SessionCert) != 64 {
		return env, cherr.New(cherr.InvalidInput, "bad-envelope-field-size")
	}
	env.From = w.From
	env.SegmentID = w.SegmentID
	env.Entries = w.Entries
	copy(env.Nonce[:], w.Nonce)
	copy(env.MerkleRoot[:], w.MerkleRoot)
	copy(env.Signature[:], w.Signature)
	copy(env.SessionPubKey[:], w.SessionPubKey)
	copy(env.SessionCert[:], w.SessionCert)
	env.Timestamp = time.Unix(w.TimestampUnix, 0)
	return env, nil
}

// Peer is one remote coordinator's trace-consensus endpoint.
type Peer struct {
	ID  string
	URL string // must be https://
}

// PostEnvelope sends env to peer over HTTPS and decodes its returned
// envelope (spec.md §6 "Trace consensus endpoint").
func PostEnvelope(ctx context.Context, client *http.Client, peer Peer, env SegmentEnvelope) (SegmentEnvelope, error) {
	if !strings.HasPrefix(peer.URL, "https://") {
		return SegmentEnvelope{}, cherr.New(cherr.InvalidInput, "non-https-peer")
	}
	body, err := MarshalEnvelope(env)
	if err != nil {
		return SegmentEnvelope{}, cherr.Wrap(cherr.InvalidInput, "encode-envelope", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL, bytes.NewReader(body))
	if err != nil {
		return SegmentEnvelope{}, cherr.Wrap(cherr.Protocol, "build-request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return SegmentEnvelope{}, cherr.Wrap(cherr.Closed, "peer-unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SegmentEnvelope{}, cherr.New(cherr.Protocol, fmt.Sprintf("peer-status-%d", resp.StatusCode))
	}

	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SegmentEnvelope{}, cherr.Wrap(cherr.InvalidInput, "read-reply", err)
	}
	return UnmarshalEnvelope(replyBody)
}

// PollResult pairs a peer with the outcome of contacting it.
type PollResult struct {
	Peer Peer
	Env  SegmentEnvelope
	Err  error
}

// PollPeers posts env to every peer concurrently and collects each
// result, never failing the group on an individual peer error (spec.md
// §4.5's quorum accounts for unreachable peers as simply absent votes).
func PollPeers(ctx context.Context, client *http.Client, peers []Peer, env SegmentEnvelope) []PollResult {
	results := make([]PollResult, len(peers))
	g, ctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			reply, err := PostEnvelope(ctx, client, peer, env)
			results[i] = PollResult{Peer: peer, Env: reply, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
