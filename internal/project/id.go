// Package project implements ProjectRecord persistence and the
// ProjectRegistry's fingerprint-cached lookup, keyed by ProjectId.
package project

import (
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/mcp-center/mcp-center/internal/pathutil"
)

// ID is a 16-hex-character ProjectId: the BLAKE3 digest of the project's
// canonicalized absolute path, truncated to 8 bytes (spec.md §3.1).
// Deterministic across processes and runs for the same path.
type ID string

// IDFromPath canonicalizes path and derives its ProjectId. Satisfies
// spec.md P2: IDFromPath(path) == IDFromPath(canonicalize(path)) for any
// existing path, because both inputs canonicalize to the same string.
func IDFromPath(path string) (ID, string, error) {
	canonical, err := pathutil.Canonicalize(path)
	if err != nil {
		return "", "", err
	}
	return idFromCanonical(canonical), canonical, nil
}

func idFromCanonical(canonical string) ID {
	sum := blake3.Sum256([]byte(canonical))
	return ID(hex.EncodeToString(sum[:8]))
}
