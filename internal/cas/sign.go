package cas

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// DeriveSigningKey turns an operator secret into a deterministic Ed25519
// keypair via HKDF-SHA256, the same derive-then-seed shape
// internal/trace.DeriveSessionKey uses for ephemeral session keys, but
// seeded from a configured secret rather than a per-round signature
// (spec.md: "CAS manifest signing key management").
func DeriveSigningKey(secret []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte("cohesix-cas-sign"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// SignManifest signs m's canonical payload and returns the base64 signature.
func SignManifest(priv ed25519.PrivateKey, m Manifest) (string, error) {
	payload, err := m.signingPayload()
	if err != nil {
		return "", cherr.Wrap(cherr.InvalidInput, "signing-payload", err)
	}
	sig := ed25519.Sign(priv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParseVerifyKey decodes a base64-encoded Ed25519 public key.
func ParseVerifyKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, cherr.Wrap(cherr.InvalidInput, "bad-verify-key-encoding", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, cherr.New(cherr.InvalidInput, "bad-verify-key-size")
	}
	return ed25519.PublicKey(raw), nil
}
