package cas

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// maxReadBytes bounds a single CAT/TAIL read so a console reply always
// fits the configured UI stream budget (spec.md §4.4).
const maxReadBytes = 1 << 16

// Cat resolves the CAS file-system projection (spec.md §6) for a CAT/read
// request and returns the lines to send back. Binary payloads (raw
// manifest/chunk/model bytes, the CBOR status twin) are rendered as a
// single base64 line using the same b64: convention the write path
// accepts, so the console's line-oriented wire can carry them.
func (s *Store) Cat(path string) ([]string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "updates" && parts[2] == "manifest":
		data, err := s.ReadManifest(parts[1], 0, maxReadBytes)
		if err != nil {
			return nil, err
		}
		return []string{b64Line(data)}, nil
	case len(parts) == 3 && parts[0] == "updates" && parts[2] == "status":
		text, _, err := s.UpdateStatusPayloads(parts[1])
		if err != nil {
			return nil, err
		}
		return []string{text}, nil
	case len(parts) == 3 && parts[0] == "updates" && parts[2] == "status.cbor":
		_, cb, err := s.UpdateStatusPayloads(parts[1])
		if err != nil {
			return nil, err
		}
		return []string{b64Line(cb)}, nil
	case len(parts) == 4 && parts[0] == "updates" && parts[2] == "chunks":
		data, err := s.ReadChunk(parts[1], parts[3], 0, maxReadBytes)
		if err != nil {
			return nil, err
		}
		return []string{b64Line(data)}, nil
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "schema":
		data, err := s.ReadModelFile(parts[1], Schema, 0, maxReadBytes)
		if err != nil {
			return nil, err
		}
		return []string{b64Line(data)}, nil
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "signature":
		data, err := s.ReadModelFile(parts[1], Signature, 0, maxReadBytes)
		if err != nil {
			return nil, err
		}
		return []string{b64Line(data)}, nil
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "weights":
		data, err := s.ReadModelFile(parts[1], Weights, 0, maxReadBytes)
		if err != nil {
			return nil, err
		}
		return []string{b64Line(data)}, nil
	default:
		return nil, cherr.New(cherr.NotFound, "unknown-path")
	}
}

// List resolves LS over the CAS namespace.
func (s *Store) List(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	switch {
	case trimmed == "" || trimmed == "updates":
		epochs := s.Epochs()
		sort.Strings(epochs)
		return epochs, nil
	case trimmed == "models":
		digests := s.ModelDigests()
		sort.Strings(digests)
		return digests, nil
	case strings.HasPrefix(trimmed, "updates/") && strings.HasSuffix(trimmed, "/chunks"):
		epoch := strings.TrimSuffix(strings.TrimPrefix(trimmed, "updates/"), "/chunks")
		digests, err := s.ChunkDigests(epoch)
		if err != nil {
			return nil, err
		}
		sort.Strings(digests)
		return digests, nil
	default:
		return nil, cherr.New(cherr.NotFound, "unknown-path")
	}
}

// Write resolves an ECHO append against the CAS namespace: a path
// identifies which append operation to drive, and payload carries the
// (possibly b64:-prefixed) bytes, per spec.md §6.
func (s *Store) Write(path string, payload []byte) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "updates" && parts[2] == "manifest":
		return s.AppendManifest(parts[1], appendAtEnd, payload)
	case len(parts) == 4 && parts[0] == "updates" && parts[2] == "chunks":
		return s.AppendChunk(parts[1], parts[3], appendAtEnd, payload)
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "weights":
		return s.AppendModelFile(parts[1], Weights, appendAtEnd, payload)
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "schema":
		return s.AppendModelFile(parts[1], Schema, appendAtEnd, payload)
	case len(parts) == 3 && parts[0] == "models" && parts[2] == "signature":
		return s.AppendModelFile(parts[1], Signature, appendAtEnd, payload)
	default:
		return cherr.New(cherr.NotFound, "unknown-path")
	}
}

func b64Line(data []byte) string {
	return "b64:" + base64.StdEncoding.EncodeToString(data)
}
