package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
)

const testChunkBytes = 16

func manifestJSON(t *testing.T, m Manifest) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return b
}

func TestAppendManifestAcceptThenReject(t *testing.T) {
	s := New(testChunkBytes, false, nil)

	chunk := make([]byte, testChunkBytes)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	digest := sha256.Sum256(chunk)
	digestHex := hex.EncodeToString(digest[:])

	if err := s.AppendChunk("1", digestHex, appendAtEnd, chunk); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	payloadSum := sha256.Sum256(chunk)
	m := Manifest{
		SchemaVersion: 1,
		Epoch:         "1",
		ChunkBytes:    testChunkBytes,
		Chunks:        []string{digestHex},
		PayloadBytes:  testChunkBytes,
		PayloadSHA256: hex.EncodeToString(payloadSum[:]),
	}
	if err := s.AppendManifest("1", appendAtEnd, manifestJSON(t, m)); err != nil {
		t.Fatalf("AppendManifest: %v", err)
	}

	text, cborBytes, err := s.UpdateStatusPayloads("1")
	if err != nil {
		t.Fatalf("UpdateStatusPayloads: %v", err)
	}
	if len(cborBytes) == 0 {
		t.Error("expected non-empty cbor payload")
	}
	t.Logf("status: %s", text)

	if err := s.AppendManifest("1", appendAtEnd, manifestJSON(t, m)); err == nil {
		t.Fatal("expected second AppendManifest to fail")
	}
}

func TestAppendChunkHashMismatchQuarantines(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	bad := make([]byte, testChunkBytes)
	wrongDigest := sha256.Sum256([]byte("not the real content"))
	wrongHex := hex.EncodeToString(wrongDigest[:])

	s.updates["2"] = newUpdateBundle()
	if err := s.AppendChunk("2", wrongHex, appendAtEnd, bad); err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if got := s.Quarantined(); len(got) != 1 {
		t.Fatalf("Quarantined() = %v, want 1 entry", got)
	}
}

func TestAppendChunkIdempotentOnIdenticalBytes(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	s.updates["3"] = newUpdateBundle()
	chunk := make([]byte, testChunkBytes)
	digest := sha256.Sum256(chunk)
	digestHex := hex.EncodeToString(digest[:])

	if err := s.AppendChunk("3", digestHex, appendAtEnd, chunk); err != nil {
		t.Fatalf("first AppendChunk: %v", err)
	}
	if err := s.AppendChunk("3", digestHex, 0, chunk); err != nil {
		t.Fatalf("second identical AppendChunk: %v", err)
	}
}

func TestAppendManifestCapacityLimits(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	for i := 0; i < maxUpdates; i++ {
		epoch := string(rune('1' + i))
		s.updates[epoch] = newUpdateBundle()
	}
	if err := s.AppendManifest("99", appendAtEnd, []byte("{}")); err == nil {
		t.Fatal("expected capacity error past maxUpdates")
	}
}

func TestDecodePayloadBase64Prefix(t *testing.T) {
	decoded, err := decodePayload([]byte("b64:aGVsbG8=\n"))
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if string(decoded) != "hello" {
		t.Errorf("decodePayload = %q, want hello", decoded)
	}
}

func TestValidEpoch(t *testing.T) {
	cases := map[string]bool{
		"0":                    true,
		"00042":                true,
		"":                     false,
		"12a":                  false,
		"123456789012345678901": false, // 21 digits
	}
	for epoch, want := range cases {
		if got := validEpoch(epoch); got != want {
			t.Errorf("validEpoch(%q) = %v, want %v", epoch, got, want)
		}
	}
}
