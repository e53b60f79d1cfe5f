// Package auth loads the long-term Ed25519 keypair used as the trace
// consensus peer identity. It follows the teacher's load-or-generate
// keypair idiom (internal/auth.EnsureKeyPair), adapted from an X25519 ECDH
// key to an Ed25519 signing key (spec.md §4.5 long-term peer keys).
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "cohesix_ed25519_key"

// EnsureLongTermKey loads the Ed25519 private key at dir/cohesix_ed25519_key,
// generating and persisting a fresh one if absent. Returns the keypair and
// its base64-encoded public half for distribution to peers (spec.md §9
// "on-disk key storage format... read base64 from a configured path once at
// startup").
func EnsureLongTermKey(dir string) (ed25519.PrivateKey, string, error) {
	keyPath := filepath.Join(dir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil && len(data) > 0 {
		priv, err := decodePrivateKey(string(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode existing key: %w", err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		return priv, base64.StdEncoding.EncodeToString(pub), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, "", fmt.Errorf("write key: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return priv, base64.StdEncoding.EncodeToString(pub), nil
}

// LoadLongTermKey loads the Ed25519 private key from dir without generating
// one, failing if absent.
func LoadLongTermKey(dir string) (ed25519.PrivateKey, error) {
	keyPath := filepath.Join(dir, keyFileName)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return decodePrivateKey(string(data))
}

func decodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad key size %d, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}
