package cas

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// UpdateStatusPayloads renders both the text and CBOR status views for an
// epoch (spec.md §4.4 update_status_payloads).
func (s *Store) UpdateStatusPayloads(epoch string) (text string, cborBytes []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle := s.updates[epoch]
	if bundle == nil {
		return "", nil, cherr.New(cherr.NotFound, "unknown-epoch")
	}

	p := StatusPayload{Epoch: epoch}
	switch {
	case bundle.manifest != nil:
		p.State = StateReady
		p.ManifestBytes = len(bundle.manifestBytes)
		p.ChunksExpected = len(bundle.manifest.Chunks)
		p.PayloadBytes = bundle.manifest.PayloadBytes
		p.PayloadSHA256 = bundle.manifest.PayloadSHA256
		p.Delta = bundle.manifest.Delta
		for _, digest := range bundle.manifest.Chunks {
			if _, ok := bundle.chunks[digest]; ok {
				p.ChunksCommitted++
			} else if _, ok := bundle.pendingChunks[digest]; ok {
				p.ChunksPending++
			} else {
				p.ChunksMissing++
			}
		}
	case len(bundle.manifestPending) > 0:
		p.State = StateManifestPending
		p.ManifestPendingBytes = len(bundle.manifestPending)
	case len(bundle.chunks) > 0 || len(bundle.pendingChunks) > 0:
		p.State = StateChunksPending
		p.ChunksCommitted = len(bundle.chunks)
		p.ChunksPending = len(bundle.pendingChunks)
	default:
		p.State = StateEmpty
	}

	text = fmt.Sprintf(
		"epoch=%s state=%s manifest=%s manifest_pending=%s chunks=%d/%d/%d/%d payload=%s sha256=%s",
		p.Epoch, p.State,
		humanize.Bytes(uint64(p.ManifestBytes)), humanize.Bytes(uint64(p.ManifestPendingBytes)),
		p.ChunksCommitted, p.ChunksPending, p.ChunksMissing, p.ChunksExpected,
		humanize.Bytes(uint64(p.PayloadBytes)), p.PayloadSHA256,
	)

	cborBytes, err = cbor.Marshal(p)
	if err != nil {
		return "", nil, cherr.Wrap(cherr.InvalidInput, "cbor-encode", err)
	}
	return text, cborBytes, nil
}
