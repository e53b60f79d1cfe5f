// Package cas implements the content-addressed update store: a chunked,
// SHA-256-verified, optionally Ed25519-signed staging area for update
// manifests, chunks, and model artifacts (spec.md §4.4).
package cas

import "encoding/json"

// DeltaRef points a delta manifest at the base epoch it is encoded against.
type DeltaRef struct {
	BaseEpoch  string `json:"base_epoch"`
	BaseSHA256 string `json:"base_sha256"`
}

// Manifest describes an update's assembled payload.
type Manifest struct {
	SchemaVersion int      `json:"schema_version"`
	Epoch         string   `json:"epoch"`
	ChunkBytes    int      `json:"chunk_bytes"`
	Chunks        []string `json:"chunks"`
	PayloadBytes  int      `json:"payload_bytes"`
	PayloadSHA256 string   `json:"payload_sha256"`
	Delta         *DeltaRef `json:"delta,omitempty"`
	Signature     string   `json:"signature,omitempty"`
}

// signingPayload returns the canonical bytes signed over: the manifest
// with its signature field cleared (spec.md's "sign everything but the
// signature slot").
func (m Manifest) signingPayload() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return json.Marshal(clone)
}

// ModelFileKind distinguishes the three append-only streams that make up
// a model bundle.
type ModelFileKind int

const (
	Weights ModelFileKind = iota
	Schema
	Signature
)

// QuarantineRecord is kept for a chunk whose assembled bytes do not hash
// to the digest it was appended under.
type QuarantineRecord struct {
	Epoch    string
	Expected string
	Actual   string
	Bytes    int
}

// State is the lifecycle stage of an update's manifest/chunk set.
type State string

const (
	StateEmpty           State = "empty"
	StateManifestPending  State = "manifest_pending"
	StateChunksPending    State = "chunks_pending"
	StateReady            State = "ready"
)

// StatusPayload is the shape rendered as both text and CBOR by
// UpdateStatusPayloads.
type StatusPayload struct {
	Epoch               string    `json:"epoch" cbor:"epoch"`
	State               State     `json:"state" cbor:"state"`
	ManifestBytes       int       `json:"manifest_bytes" cbor:"manifest_bytes"`
	ManifestPendingBytes int      `json:"manifest_pending_bytes" cbor:"manifest_pending_bytes"`
	ChunksExpected      int       `json:"chunks_expected" cbor:"chunks_expected"`
	ChunksCommitted     int       `json:"chunks_committed" cbor:"chunks_committed"`
	ChunksPending       int       `json:"chunks_pending" cbor:"chunks_pending"`
	ChunksMissing       int       `json:"chunks_missing" cbor:"chunks_missing"`
	PayloadBytes        int       `json:"payload_bytes" cbor:"payload_bytes"`
	PayloadSHA256       string    `json:"payload_sha256,omitempty" cbor:"payload_sha256,omitempty"`
	Delta               *DeltaRef `json:"delta,omitempty" cbor:"delta,omitempty"`
}
