package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// defaultPolicyPaths mirrors the original validator's search order: an
// explicit path wins, otherwise these repo-relative candidates are tried
// in order.
var defaultPolicyPaths = []string{
	"docs/security/SECURITY_POLICY.md",
	"../docs/security/SECURITY_POLICY.md",
	"workspace/docs/security/SECURITY_POLICY.md",
}

// PolicyHash returns the hex SHA-256 digest of the active security policy
// document, read from path if non-empty or one of defaultPolicyPaths
// otherwise. Every FaultRecord carries this digest so an auditor can tell
// which policy version was in force when a round failed to reach quorum
// (spec.md §4.5 step 5). Returns "" if no candidate could be read — a
// missing policy document degrades the fault record, it doesn't block the
// round.
func PolicyHash(path string) string {
	candidates := defaultPolicyPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	return ""
}
