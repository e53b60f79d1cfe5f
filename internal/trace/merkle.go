// Package trace implements the trace-consensus protocol: per-round
// ephemeral session keys, signed segment envelopes, merkle verification,
// and Byzantine-tolerant peer quorum (spec.md §4.5).
package trace

import "crypto/sha256"

// MerkleRoot computes the SHA-256 merkle root over entries: a single entry
// hashes to SHA-256(entry); an empty set is all zeros; odd nodes at a
// level promote unchanged to the next (spec.md §8).
func MerkleRoot(entries []string) [32]byte {
	if len(entries) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(entries))
	for i, e := range entries {
		level[i] = sha256.Sum256([]byte(e))
	}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			pair := append(append([]byte{}, level[i][:]...), level[i+1][:]...)
			next = append(next, sha256.Sum256(pair))
		}
		level = next
	}
	return level[0]
}
