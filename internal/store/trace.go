package store

import "fmt"

// RecordConsensus persists a reached quorum decision for a segment.
func (s *Store) RecordConsensus(segmentID, merkleRoot string, quorumCount, peerCount int) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO trace_consensus (segment_id, merkle_root, quorum_count, peer_count) VALUES (?, ?, ?, ?)`,
		segmentID, merkleRoot, quorumCount, peerCount,
	)
	if err != nil {
		return fmt.Errorf("record consensus %s: %w", segmentID, err)
	}
	return nil
}

// RecordFault persists a peer disagreement or unreachable-peer event for a
// segment round, used to diagnose a Byzantine or partitioned peer.
// policyHash is the active security policy's SHA-256 digest at fault time
// (spec.md §4.5 step 5), or "" if no policy document could be read.
func (s *Store) RecordFault(segmentID, peerID, reason, policyHash string) error {
	if _, err := s.db.Exec(`INSERT INTO trace_faults (segment_id, peer_id, reason, policy_hash) VALUES (?, ?, ?, ?)`, segmentID, peerID, reason, policyHash); err != nil {
		return fmt.Errorf("record fault %s/%s: %w", segmentID, peerID, err)
	}
	return nil
}
