// Package ident derives content-addressed identifiers. Every identifier is a
// pure function of stable business parameters — never wall-clock time, never
// randomness — so re-running a stage with the same inputs reproduces the same
// artifact identifiers byte for byte.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Fixed namespace for all derived identifiers. Changing it would invalidate
// every stored artifact id, so it is versioned into the name instead.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("todiscope:artifact:v1"))

// derive produces a version-5 UUID over the newline-joined tuple. Newlines
// keep ("a","bc") and ("ab","c") from colliding.
func derive(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\n"))).String()
}

func EvidenceID(datasetVersionID, engineID, kind, stableKey string) string {
	return derive("evidence", datasetVersionID, engineID, kind, stableKey)
}

func FindingID(datasetVersionID, engineID, category, stableKey string) string {
	return derive("finding", datasetVersionID, engineID, category, stableKey)
}

func LinkID(findingID, evidenceID string) string {
	return derive("link", findingID, evidenceID)
}

// PayloadHash is the canonical payload digest used for conflict comparison:
// json.Marshal bytes hashed with SHA-256 hex. json.Marshal sorts map keys, so
// semantically equal payloads hash equal regardless of insertion order.
func PayloadHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
