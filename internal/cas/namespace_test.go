package cas

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestNamespaceListTopLevel(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	s.updates["1"] = newUpdateBundle()
	s.updates["2"] = newUpdateBundle()

	out, err := s.List("")
	if err != nil {
		t.Fatalf("List(\"\"): %v", err)
	}
	want := []string{"1", "2"}
	if len(out) != len(want) {
		t.Fatalf("List(\"\") = %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("List(\"\")[%d] = %q, want %q", i, out[i], want[i])
		}
	}
}

func TestNamespaceWriteManifestThenCat(t *testing.T) {
	s := New(testChunkBytes, false, nil)

	chunk := make([]byte, testChunkBytes)
	digest := sha256.Sum256(chunk)
	digestHex := hex.EncodeToString(digest[:])
	if err := s.AppendChunk("1", digestHex, appendAtEnd, chunk); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	payloadSum := sha256.Sum256(chunk)
	m := manifestJSON(t, Manifest{
		SchemaVersion: 1,
		Epoch:         "1",
		ChunkBytes:    testChunkBytes,
		Chunks:        []string{digestHex},
		PayloadBytes:  testChunkBytes,
		PayloadSHA256: hex.EncodeToString(payloadSum[:]),
	})

	encoded := "b64:" + base64.StdEncoding.EncodeToString(m)
	if err := s.Write("updates/1/manifest", []byte(encoded)); err != nil {
		t.Fatalf("Write(manifest): %v", err)
	}

	out, err := s.Cat("updates/1/manifest")
	if err != nil {
		t.Fatalf("Cat(manifest): %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Cat(manifest) = %v, want 1 line", out)
	}
	decoded, ok := decodeB64Line(out[0])
	if !ok {
		t.Fatalf("Cat(manifest) line not b64: %q", out[0])
	}
	if string(decoded) != string(m) {
		t.Errorf("Cat(manifest) roundtrip mismatch")
	}
}

func TestNamespaceCatStatus(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	s.updates["1"] = newUpdateBundle()

	out, err := s.Cat("updates/1/status")
	if err != nil {
		t.Fatalf("Cat(status): %v", err)
	}
	if len(out) != 1 || out[0] == "" {
		t.Errorf("Cat(status) = %v, want one non-empty summary line", out)
	}
}

func TestNamespaceCatUnknownPath(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	if _, err := s.Cat("bogus/path"); err == nil {
		t.Fatal("expected unknown-path error")
	}
}

func TestNamespaceListChunksUnderEpoch(t *testing.T) {
	s := New(testChunkBytes, false, nil)
	chunk := make([]byte, testChunkBytes)
	digest := sha256.Sum256(chunk)
	digestHex := hex.EncodeToString(digest[:])
	if err := s.AppendChunk("1", digestHex, appendAtEnd, chunk); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	out, err := s.List("updates/1/chunks")
	if err != nil {
		t.Fatalf("List(chunks): %v", err)
	}
	if len(out) != 1 || out[0] != digestHex {
		t.Errorf("List(chunks) = %v, want [%s]", out, digestHex)
	}
}

func decodeB64Line(line string) ([]byte, bool) {
	const prefix = "b64:"
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(line[len(prefix):])
	if err != nil {
		return nil, false
	}
	return decoded, true
}
