package cas

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
	"github.com/lukeb-aidev/cohesix/internal/logger"
)

// Persister is satisfied by internal/store.Store. Wiring one into a Store
// via SetPersister lets accepted manifests and quarantined chunks survive
// a daemon restart (SPEC_FULL.md §2: "sqlite persists the CAS
// quarantine/event queues... so a restarted device does not lose CAS/
// consensus history"). A Store with no Persister set behaves exactly as
// the in-memory-only engine it always was.
type Persister interface {
	SaveManifest(updateID, epoch string, chunkBytes, payloadBytes int, payloadHash string, signed bool, manifestJSON string) error
	Quarantine(updateID, reason string) error
}

const (
	maxUpdates         = 8
	maxModels          = 8
	maxChunksPerUpdate = 8
	maxManifestBytes   = 2048
	maxEpochDigits     = 20
	maxQuarantine      = 8
	maxEvents          = 64
)

// Store is the append-only CAS engine for one device. All state is kept
// behind a single mutex — callers never receive references into the
// internal maps (spec.md §9 "single-writer CAS").
type Store struct {
	mu sync.Mutex

	chunkBytes  int
	requireSign bool
	verifyKey   ed25519.PublicKey

	updates map[string]*updateBundle
	models  map[string]*modelBundle

	quarantine []QuarantineRecord
	events     []string
	bytesUsed  int

	persist Persister
}

// New builds a Store. verifyKey may be nil when requireSign is false.
func New(chunkBytes int, requireSign bool, verifyKey ed25519.PublicKey) *Store {
	return &Store{
		chunkBytes:  chunkBytes,
		requireSign: requireSign,
		verifyKey:   verifyKey,
		updates:     make(map[string]*updateBundle),
		models:      make(map[string]*modelBundle),
	}
}

// SetPersister attaches the sqlite-backed store that mirrors accepted
// manifests and quarantine records, so a restart doesn't lose them. Persist
// failures are logged, not returned: the in-memory accept/quarantine
// decision has already been made and does not depend on sqlite succeeding.
func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
}

func validEpoch(epoch string) bool {
	if len(epoch) == 0 || len(epoch) > maxEpochDigits {
		return false
	}
	for _, r := range epoch {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// decodePayload applies the b64: prefix convention and trailing-newline
// trim described in spec.md §6.
func decodePayload(data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), "b64:") {
		return data, nil
	}
	rest := string(data[len("b64:"):])
	switch {
	case strings.HasSuffix(rest, "\r\n"):
		rest = rest[:len(rest)-2]
	case strings.HasSuffix(rest, "\n"):
		rest = rest[:len(rest)-1]
	}
	decoded, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, cherr.Wrap(cherr.InvalidInput, "bad-base64", err)
	}
	return decoded, nil
}

func (s *Store) emit(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.events = append(s.events, line)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

func (s *Store) quarantineChunk(epoch, expected, actual string, size int) {
	s.quarantine = append(s.quarantine, QuarantineRecord{Epoch: epoch, Expected: expected, Actual: actual, Bytes: size})
	if len(s.quarantine) > maxQuarantine {
		s.quarantine = s.quarantine[len(s.quarantine)-maxQuarantine:]
	}
	s.emit("cas-chunk quarantined epoch=%s expected=%s actual=%s", epoch, expected, actual)
	if s.persist != nil {
		reason := fmt.Sprintf("hash-mismatch expected=%s actual=%s bytes=%d", expected, actual, size)
		if err := s.persist.Quarantine(epoch+"/"+expected, reason); err != nil {
			logger.Err("cas quarantine persist failed", err, "epoch", epoch)
		}
	}
}

// AppendManifest appends to the pending manifest for epoch. offset must be
// 0xFFFFFFFFFFFFFFFF ("append at end") or equal the current pending length.
func (s *Store) AppendManifest(epoch string, offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validEpoch(epoch) {
		return cherr.New(cherr.InvalidInput, "bad-epoch")
	}
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}

	bundle := s.updates[epoch]
	if bundle == nil {
		if len(s.updates) >= maxUpdates {
			return cherr.New(cherr.Capacity, "too-many-updates")
		}
		bundle = newUpdateBundle()
		s.updates[epoch] = bundle
	}
	if bundle.manifestBytes != nil {
		return cherr.New(cherr.Permission, "manifest already committed")
	}
	if offset != appendAtEnd && int(offset) != len(bundle.manifestPending) {
		return cherr.New(cherr.InvalidInput, "bad-offset")
	}
	if len(bundle.manifestPending)+len(payload) > maxManifestBytes {
		return cherr.New(cherr.Capacity, "manifest-too-big")
	}
	bundle.manifestPending = append(bundle.manifestPending, payload...)

	var m Manifest
	if err := json.Unmarshal(bundle.manifestPending, &m); err != nil {
		return nil // not yet a complete manifest; more bytes expected
	}
	if err := s.validateManifest(epoch, bundle, &m); err != nil {
		return err
	}
	bundle.manifestBytes = bundle.manifestPending
	bundle.manifest = &m
	kind := "base"
	if m.Delta != nil {
		kind = "delta"
	}
	s.emit("cas-manifest accepted epoch=%s kind=%s payload_sha256=%s chunks=%d", epoch, kind, m.PayloadSHA256, len(m.Chunks))
	if s.persist != nil {
		if err := s.persist.SaveManifest(epoch, epoch, m.ChunkBytes, m.PayloadBytes, m.PayloadSHA256, m.Signature != "", string(bundle.manifestBytes)); err != nil {
			logger.Err("cas manifest persist failed", err, "epoch", epoch)
		}
	}
	return nil
}

const appendAtEnd = ^uint64(0)

func (s *Store) validateManifest(epoch string, bundle *updateBundle, m *Manifest) error {
	if m.Epoch != epoch {
		return cherr.New(cherr.InvalidInput, "epoch-mismatch")
	}
	if m.ChunkBytes != s.chunkBytes {
		return cherr.New(cherr.InvalidInput, "chunk-bytes-mismatch")
	}
	if len(m.Chunks) > maxChunksPerUpdate {
		return cherr.New(cherr.Capacity, "too-many-chunks")
	}
	if m.PayloadBytes != len(m.Chunks)*m.ChunkBytes {
		return cherr.New(cherr.InvalidInput, "payload-bytes-mismatch")
	}

	var baseBundle *updateBundle
	if m.Delta != nil {
		baseBundle = s.updates[m.Delta.BaseEpoch]
		if baseBundle == nil || baseBundle.manifest == nil {
			return cherr.New(cherr.NotFound, "base-epoch-missing")
		}
		if baseBundle.manifest.Delta != nil {
			return cherr.New(cherr.InvalidInput, "base-is-delta")
		}
		if baseBundle.manifest.PayloadSHA256 != m.Delta.BaseSHA256 {
			return cherr.New(cherr.InvalidInput, "base-hash-mismatch")
		}
	}

	if s.requireSign {
		if m.Signature == "" {
			return cherr.New(cherr.Permission, "signature-required")
		}
		sig, err := base64.StdEncoding.DecodeString(m.Signature)
		if err != nil {
			return cherr.New(cherr.Permission, "bad-signature-encoding")
		}
		payload, err := m.signingPayload()
		if err != nil {
			return cherr.Wrap(cherr.Permission, "signing-payload", err)
		}
		if s.verifyKey == nil || !ed25519.Verify(s.verifyKey, payload, sig) {
			return cherr.New(cherr.Permission, "signature-invalid")
		}
	}

	// All referenced chunks must already be committed to assemble the
	// payload hash — AppendManifest commits only after every chunk for
	// this manifest has landed.
	assembled := make([]byte, 0, m.PayloadBytes)
	if baseBundle != nil {
		for _, digest := range baseBundle.manifest.Chunks {
			chunk, ok := baseBundle.chunks[digest]
			if !ok {
				return cherr.New(cherr.NotFound, "base-chunk-missing")
			}
			assembled = append(assembled, chunk...)
		}
	}
	for _, digest := range m.Chunks {
		chunk, ok := bundle.chunks[digest]
		if !ok {
			return cherr.New(cherr.NotFound, "chunk-missing")
		}
		assembled = append(assembled, chunk...)
	}
	sum := sha256.Sum256(assembled)
	if hex.EncodeToString(sum[:]) != m.PayloadSHA256 {
		return cherr.New(cherr.InvalidInput, "payload-hash-mismatch")
	}
	return nil
}

// AppendChunk appends to the pending chunk digest for epoch.
func (s *Store) AppendChunk(epoch, digest string, offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validEpoch(epoch) {
		return cherr.New(cherr.InvalidInput, "bad-epoch")
	}
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}
	// Chunks land before the manifest that names them (validateManifest
	// assembles the payload from committed chunks), so the first chunk of
	// an epoch opens its bundle.
	bundle := s.updates[epoch]
	if bundle == nil {
		if len(s.updates) >= maxUpdates {
			return cherr.New(cherr.Capacity, "too-many-updates")
		}
		bundle = newUpdateBundle()
		s.updates[epoch] = bundle
	}
	if existing, ok := bundle.chunks[digest]; ok {
		if string(existing) == string(payload) && offset == 0 {
			return nil // idempotent re-append of an already-committed chunk
		}
		return cherr.New(cherr.InvalidInput, "chunk-already-committed")
	}

	pending := bundle.pendingChunks[digest]
	if offset != appendAtEnd && int(offset) != len(pending) {
		return cherr.New(cherr.InvalidInput, "bad-offset")
	}
	if len(pending)+len(payload) > s.chunkBytes {
		return cherr.New(cherr.Capacity, "chunk-too-big")
	}
	if s.bytesUsed+len(payload) > s.chunkBytes*maxChunksPerUpdate {
		return cherr.New(cherr.Capacity, "store-full")
	}
	pending = append(pending, payload...)
	s.bytesUsed += len(payload)
	bundle.pendingChunks[digest] = pending

	if len(pending) != s.chunkBytes {
		return nil
	}
	delete(bundle.pendingChunks, digest)
	sum := sha256.Sum256(pending)
	actual := hex.EncodeToString(sum[:])
	if actual != digest {
		s.quarantineChunk(epoch, digest, actual, len(pending))
		s.bytesUsed -= len(pending)
		return cherr.New(cherr.InvalidInput, "chunk-hash-mismatch")
	}
	bundle.chunks[digest] = pending
	return nil
}

// AppendModelFile appends to one of a model's three streams.
func (s *Store) AppendModelFile(digest string, kind ModelFileKind, offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	model := s.models[digest]
	if model == nil {
		if len(s.models) >= maxModels {
			return cherr.New(cherr.Capacity, "too-many-models")
		}
		model = newModelBundle()
		s.models[digest] = model
	}
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}

	switch kind {
	case Weights:
		return s.appendModelWeights(model, digest, offset, payload)
	case Schema:
		return appendWriteOnce(&model.schema, offset, payload, s.chunkBytes)
	case Signature:
		return appendWriteOnce(&model.signature, offset, payload, s.chunkBytes)
	default:
		return cherr.New(cherr.InvalidInput, "bad-kind")
	}
}

func (s *Store) appendModelWeights(model *modelBundle, digest string, offset uint64, payload []byte) error {
	if _, ok := model.weights[digest]; ok {
		return cherr.New(cherr.InvalidInput, "weights-already-committed")
	}
	pending := model.pendingWeights[digest]
	if offset != appendAtEnd && int(offset) != len(pending) {
		return cherr.New(cherr.InvalidInput, "bad-offset")
	}
	if len(pending)+len(payload) > s.chunkBytes {
		return cherr.New(cherr.Capacity, "chunk-too-big")
	}
	pending = append(pending, payload...)
	model.pendingWeights[digest] = pending
	if len(pending) != s.chunkBytes {
		return nil
	}
	delete(model.pendingWeights, digest)
	sum := sha256.Sum256(pending)
	if hex.EncodeToString(sum[:]) != digest {
		return cherr.New(cherr.InvalidInput, "weights-hash-mismatch")
	}
	model.weights[digest] = pending
	return nil
}

func appendWriteOnce(dst *[]byte, offset uint64, payload []byte, limit int) error {
	if len(*dst) > 0 {
		return cherr.New(cherr.Permission, "already-written")
	}
	if offset != appendAtEnd && int(offset) != 0 {
		return cherr.New(cherr.InvalidInput, "bad-offset")
	}
	if len(payload) > limit {
		return cherr.New(cherr.Capacity, "too-big")
	}
	*dst = payload
	return nil
}

func sliceFrom(data []byte, offset, count int) []byte {
	if offset >= len(data) {
		return nil
	}
	end := offset + count
	if end > len(data) {
		end = len(data)
	}
	return data[offset:end]
}

// ReadManifest returns up to count committed manifest bytes starting at offset.
func (s *Store) ReadManifest(epoch string, offset, count int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle := s.updates[epoch]
	if bundle == nil {
		return nil, cherr.New(cherr.NotFound, "unknown-epoch")
	}
	return sliceFrom(bundle.manifestBytes, offset, count), nil
}

// ReadChunk returns up to count committed chunk bytes starting at offset.
func (s *Store) ReadChunk(epoch, digest string, offset, count int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle := s.updates[epoch]
	if bundle == nil {
		return nil, cherr.New(cherr.NotFound, "unknown-epoch")
	}
	chunk, ok := bundle.chunks[digest]
	if !ok {
		return nil, cherr.New(cherr.NotFound, "unknown-chunk")
	}
	return sliceFrom(chunk, offset, count), nil
}

// ReadModelFile returns up to count bytes of a model's schema, signature,
// or weights stream, starting at offset. Weights are keyed under the same
// sha256 as the model entry itself (spec.md §4.4's append_model_file takes
// a single sha256, so a model's weights stream is addressed by that same
// digest, not a separate per-chunk one).
func (s *Store) ReadModelFile(digest string, kind ModelFileKind, offset, count int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model := s.models[digest]
	if model == nil {
		return nil, cherr.New(cherr.NotFound, "unknown-model")
	}
	switch kind {
	case Schema:
		return sliceFrom(model.schema, offset, count), nil
	case Signature:
		return sliceFrom(model.signature, offset, count), nil
	case Weights:
		chunk, ok := model.weights[digest]
		if !ok {
			return nil, cherr.New(cherr.NotFound, "unknown-weight-chunk")
		}
		return sliceFrom(chunk, offset, count), nil
	default:
		return nil, cherr.New(cherr.InvalidInput, "bad-kind")
	}
}

// Epochs returns the epochs with an update bundle, in no particular order.
func (s *Store) Epochs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.updates))
	for epoch := range s.updates {
		out = append(out, epoch)
	}
	return out
}

// ModelDigests returns the sha256 digests with a model bundle.
func (s *Store) ModelDigests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.models))
	for digest := range s.models {
		out = append(out, digest)
	}
	return out
}

// ChunkDigests returns the digests of every committed chunk under epoch,
// whether or not a committed manifest names them.
func (s *Store) ChunkDigests(epoch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle := s.updates[epoch]
	if bundle == nil {
		return nil, cherr.New(cherr.NotFound, "unknown-epoch")
	}
	out := make([]string, 0, len(bundle.chunks))
	for digest := range bundle.chunks {
		out = append(out, digest)
	}
	return out, nil
}

// Quarantined returns a copy of the current quarantine queue.
func (s *Store) Quarantined() []QuarantineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuarantineRecord, len(s.quarantine))
	copy(out, s.quarantine)
	return out
}

// Events returns a copy of the current event log.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

// BytesUsed returns the current chunk byte accounting.
func (s *Store) BytesUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUsed
}
