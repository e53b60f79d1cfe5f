// Package ticket issues and verifies the ES256 JWTs that authorize a
// console session's attach (spec.md §4.2 "Ticket-Auth"). The claims shape
// and ECDSA signing follow the teacher's relay package.
package ticket

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// Role is a wire-level role token carried in the ATTACH verb and the
// ticket's claims (spec.md §4.2).
type Role string

const (
	RoleQueen           Role = "queen"
	RoleWorkerHeartbeat Role = "worker-heartbeat"
	RoleWorkerGPU       Role = "worker-gpu"
	RoleWorkerBus       Role = "worker-bus"
	RoleWorkerLora      Role = "worker-lora"
)

// Valid reports whether r is one of the known wire tokens.
func (r Role) Valid() bool {
	switch r {
	case RoleQueen, RoleWorkerHeartbeat, RoleWorkerGPU, RoleWorkerBus, RoleWorkerLora:
		return true
	default:
		return false
	}
}

// RequiresSubject reports whether a ticket of this role must carry a
// non-empty subject. Only the queen role may be subjectless (spec.md §4.2
// Open Questions, resolved: queen addresses the whole fleet).
func (r Role) RequiresSubject() bool {
	return r != RoleQueen
}

// Claims is the payload of a console attach ticket.
type Claims struct {
	jwt.RegisteredClaims
	Role      Role   `json:"role"`
	MountSpec string `json:"mount_spec,omitempty"`
	Budget    int64  `json:"budget,omitempty"`
}

// GenerateSigningKey creates a new P-256 private key for issuing tickets.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ticket signing key: %w", err)
	}
	return key, nil
}

// ParseSigningKeyFromEnv parses a P-256 private key from PEM or base64 DER.
func ParseSigningKeyFromEnv(envValue string) (*ecdsa.PrivateKey, error) {
	if envValue == "" {
		return nil, fmt.Errorf("ticket signing key is required")
	}
	return parseECKey(envValue)
}

func parseECKey(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pem ticket key: %w", err)
		}
		return key, nil
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 ticket key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse der ticket key: %w", err)
	}
	return key, nil
}

// Issue mints an ES256 ticket for role/subject, valid for ttl, carrying
// mountSpec and budget.
func Issue(key *ecdsa.PrivateKey, role Role, subject, mountSpec string, budget int64, ttl time.Duration) (string, error) {
	if subject == "" && role.RequiresSubject() {
		return "", cherr.New(cherr.InvalidInput, "subject-required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      role,
		MountSpec: mountSpec,
		Budget:    budget,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", cherr.Wrap(cherr.InvalidInput, "sign-ticket", err)
	}
	return signed, nil
}

// Verify checks an ES256 ticket's signature and expiry and returns its claims.
func Verify(pub *ecdsa.PublicKey, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, cherr.New(cherr.Protocol, "unexpected-signing-method")
		}
		return pub, nil
	})
	if err != nil {
		return nil, cherr.Wrap(cherr.Permission, "invalid-token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, cherr.New(cherr.Permission, "invalid-token")
	}
	if !claims.Role.Valid() {
		return nil, cherr.New(cherr.Permission, "invalid-role")
	}
	if claims.Role.RequiresSubject() && claims.Subject == "" {
		return nil, cherr.New(cherr.Permission, "subject-required")
	}
	return claims, nil
}

// MarshalPublicKey base64-DER-encodes an ECDSA public key for distribution.
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal ticket public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64-DER ECDSA public key.
func ParsePublicKey(data string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode ticket public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse ticket public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ticket public key is not ECDSA")
	}
	return pub, nil
}
