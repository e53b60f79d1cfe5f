package trace

// RequiredQuorum returns the peer quorum ⌈2n/3⌉ for n peers, not counting
// self (spec.md §4.5 step 4). Zero peers degenerates to a quorum of 0, so
// a lone local vote always "wins".
func RequiredQuorum(peerCount int) int {
	return (2*peerCount + 2) / 3
}

// Vote is one peer's accepted envelope for a round.
type Vote struct {
	PeerID     string
	MerkleRoot [32]byte
}

// ConsensusResult is the outcome of grouping a round's votes.
type ConsensusResult struct {
	SegmentID    string
	MerkleRoot   [32]byte
	Achieved     int
	Required     int
	Participants []string
	Won          bool
}

// GroupVotes groups localVote plus peer votes by (segmentID, merkleRoot)
// and reports whether the group containing the local vote reaches the
// required peer quorum (spec.md §4.5 step 4).
func GroupVotes(segmentID string, localRoot [32]byte, localID string, peerVotes []Vote) ConsensusResult {
	groups := make(map[[32]byte][]string)
	groups[localRoot] = append(groups[localRoot], localID)
	for _, v := range peerVotes {
		groups[v.MerkleRoot] = append(groups[v.MerkleRoot], v.PeerID)
	}

	participants := groups[localRoot]
	achieved := len(participants) - 1 // peer votes only, excluding self
	required := RequiredQuorum(len(peerVotes))

	return ConsensusResult{
		SegmentID:    segmentID,
		MerkleRoot:   localRoot,
		Achieved:     achieved,
		Required:     required,
		Participants: participants,
		Won:          achieved >= required,
	}
}
