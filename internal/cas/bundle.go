package cas

// updateBundle tracks one epoch's manifest and chunk set.
type updateBundle struct {
	manifestBytes   []byte
	manifestPending []byte
	manifest        *Manifest

	chunks        map[string][]byte // sha256 hex -> committed bytes
	pendingChunks map[string][]byte // sha256 hex -> partial bytes
}

func newUpdateBundle() *updateBundle {
	return &updateBundle{
		chunks:        make(map[string][]byte),
		pendingChunks: make(map[string][]byte),
	}
}

// modelBundle tracks one model artifact's weight chunks plus its
// write-once schema and signature streams.
type modelBundle struct {
	weights        map[string][]byte
	pendingWeights map[string][]byte
	schema         []byte
	signature      []byte
}

func newModelBundle() *modelBundle {
	return &modelBundle{
		weights:        make(map[string][]byte),
		pendingWeights: make(map[string][]byte),
	}
}
