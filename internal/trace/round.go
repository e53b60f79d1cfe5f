package trace

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/lukeb-aidev/cohesix/internal/logger"
)

// PersistFn records a reached quorum decision; FaultFn records a peer that
// disagreed or could not be reached, along with the SHA-256 digest of the
// security policy in force when the fault occurred (spec.md §4.5 step 5).
// Both are satisfied by internal/store.Store's RecordConsensus/RecordFault.
type PersistFn func(segmentID, merkleRoot string, quorumCount, peerCount int) error
type FaultFn func(segmentID, peerID, reason, policyHash string) error

// PeerLongTermKey resolves a peer id to its long-term Ed25519 public key,
// needed to verify that peer's session cert.
type PeerLongTermKey func(peerID string) (ed25519.PublicKey, bool)

// RunRound builds this node's envelope, polls every peer, verifies each
// reply, groups votes, and persists the decision when the local group
// reaches quorum; peer faults are recorded as they are found (spec.md §4.5). policyPath
// selects the security policy document hashed onto any FaultRecord this
// round produces; "" falls back to PolicyHash's default search paths.
func RunRound(ctx context.Context, httpClient *http.Client, localID string, longTerm ed25519.PrivateKey,
	seg TraceSegment, peers []Peer, peerKeys PeerLongTermKey, policyPath string, persist PersistFn, fault FaultFn) (ConsensusResult, error) {

	now := time.Now()
	local := BuildEnvelope(localID, longTerm, seg, now)

	replies := PollPeers(ctx, httpClient, peers, local)
	policyHash := PolicyHash(policyPath)

	var votes []Vote
	for _, r := range replies {
		if r.Err != nil {
			fault(seg.SegmentID, r.Peer.ID, "unreachable: "+r.Err.Error(), policyHash)
			continue
		}
		pub, ok := peerKeys(r.Peer.ID)
		if !ok {
			fault(seg.SegmentID, r.Peer.ID, "unknown-peer-key", policyHash)
			continue
		}
		if err := Verify(r.Env, r.Peer.ID, pub, seg.SegmentID); err != nil {
			fault(seg.SegmentID, r.Peer.ID, "verify-failed: "+err.Error(), policyHash)
			continue
		}
		if r.Env.MerkleRoot != local.MerkleRoot {
			fault(seg.SegmentID, r.Peer.ID, "merkle-disagreement", policyHash)
		}
		votes = append(votes, Vote{PeerID: r.Peer.ID, MerkleRoot: r.Env.MerkleRoot})
	}

	result := GroupVotes(seg.SegmentID, local.MerkleRoot, localID, votes)
	if result.Won {
		if err := persist(result.SegmentID, hex.EncodeToString(result.MerkleRoot[:]), result.Achieved, len(peers)); err != nil {
			logger.Err("trace consensus persist failed", err, "segment_id", seg.SegmentID)
		}
	}
	return result, nil
}
