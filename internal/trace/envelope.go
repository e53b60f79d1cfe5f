package trace

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// TraceSegment is the ordered batch of log entries one round agrees on.
type TraceSegment struct {
	SegmentID string
	Entries   []string
}

// TrimEntries strips CR/LF from each entry (spec.md §4.5).
func TrimEntries(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = strings.Trim(e, "\r\n")
	}
	return out
}

// SegmentEnvelope is the signed payload exchanged between peer coordinators.
type SegmentEnvelope struct {
	From          string
	SegmentID     string
	Entries       []string
	Nonce         [32]byte
	MerkleRoot    [32]byte
	Signature     [64]byte
	SessionPubKey [32]byte
	SessionCert   [64]byte
	Timestamp     time.Time
}

// DeriveNonce computes sha256(localID || now_le_bytes), used as the round's
// nonce (spec.md §4.5 step 1).
func DeriveNonce(localID string, now time.Time) [32]byte {
	var buf []byte
	buf = append(buf, []byte(localID)...)
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], uint64(now.UnixNano()))
	buf = append(buf, t[:]...)
	return sha256.Sum256(buf)
}

// DeriveSessionKey derives this round's ephemeral Ed25519 keypair: sign
// nonce with the long-term key, then run that signature through
// HKDF-SHA256 to obtain the Ed25519 seed, the same derive-then-seed shape
// internal/cas.DeriveSigningKey uses (spec.md §4.5 step 2).
func DeriveSessionKey(longTerm ed25519.PrivateKey, nonce [32]byte) (ed25519.PrivateKey, ed25519.PublicKey) {
	sig := ed25519.Sign(longTerm, nonce[:])
	kdf := hkdf.New(sha256.New, sig, nonce[:], []byte("cohesix-trace-session"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		panic("hkdf: " + err.Error())
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey)
}

// BuildEnvelope signs one round's segment under a freshly derived session
// key, producing the full SegmentEnvelope (spec.md §4.5 steps 1–2).
func BuildEnvelope(localID string, longTerm ed25519.PrivateKey, seg TraceSegment, now time.Time) SegmentEnvelope {
	entries := TrimEntries(seg.Entries)
	root := MerkleRoot(entries)
	nonce := DeriveNonce(localID, now)
	sessionPriv, sessionPub := DeriveSessionKey(longTerm, nonce)

	var certMsg []byte
	certMsg = append(certMsg, nonce[:]...)
	certMsg = append(certMsg, sessionPub...)
	cert := ed25519.Sign(longTerm, certMsg)

	sigMsg := append([]byte(seg.SegmentID), nonce[:]...)
	sigMsg = append(sigMsg, root[:]...)
	sig := ed25519.Sign(sessionPriv, sigMsg)

	env := SegmentEnvelope{
		From:       localID,
		SegmentID:  seg.SegmentID,
		Entries:    entries,
		Nonce:      nonce,
		MerkleRoot: root,
		Timestamp:  now,
	}
	copy(env.Signature[:], sig)
	copy(env.SessionPubKey[:], sessionPub)
	copy(env.SessionCert[:], cert)
	return env
}

// Verify checks an envelope against the expected peer id, its long-term
// public key, and the local segment id (spec.md §4.5 step 3).
func Verify(env SegmentEnvelope, expectedFrom string, peerLongTermPub ed25519.PublicKey, localSegmentID string) error {
	if env.From != expectedFrom {
		return cherr.New(cherr.Protocol, "from-mismatch")
	}
	if env.SegmentID != localSegmentID {
		return cherr.New(cherr.Protocol, "segment-mismatch")
	}

	var certMsg []byte
	certMsg = append(certMsg, env.Nonce[:]...)
	certMsg = append(certMsg, env.SessionPubKey[:]...)
	if !ed25519.Verify(peerLongTermPub, certMsg, env.SessionCert[:]) {
		return cherr.New(cherr.Permission, "session-cert-invalid")
	}

	if got := MerkleRoot(env.Entries); got != env.MerkleRoot {
		return cherr.New(cherr.InvalidInput, "merkle-mismatch")
	}

	sigMsg := append([]byte(env.SegmentID), env.Nonce[:]...)
	sigMsg = append(sigMsg, env.MerkleRoot[:]...)
	if !ed25519.Verify(env.SessionPubKey[:], sigMsg, env.Signature[:]) {
		return cherr.New(cherr.Permission, "signature-invalid")
	}
	return nil
}
