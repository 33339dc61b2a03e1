// Package sanitize normalizes identifiers used as vector store collection
// names and validates user-supplied patterns and paths.
//
// Collection names in chromem and Qdrant must match ^[a-z0-9_]{1,64}$.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the longest collection name both backends accept.
	MaxIdentifierLength = 64

	// hashSuffixLength covers "_" plus eight hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier replaces inputs with no usable characters.
	DefaultIdentifier = "default"
)

// Identifier lowercases s, maps anything outside [a-z0-9_] to '_', collapses
// runs of '_' and trims them from both ends. Results longer than
// MaxIdentifierLength are truncated and suffixed with a short hash of the
// full name so distinct long inputs stay distinct.
//
//	"Session 42/alpha" -> "session_42_alpha"
//	"!!!"              -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := true // suppresses leading '_'
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case ok:
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = withHash(out)
	}
	return out
}

// Collection joins a fixed prefix and a namespace into a collection name.
//
//	Collection("forge_mem", "sess-01HX") -> "forge_mem_sess_01hx"
func Collection(prefix, namespace string) string {
	name := Identifier(prefix) + "_" + Identifier(namespace)
	if len(name) > MaxIdentifierLength {
		name = withHash(name)
	}
	return name
}

func withHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	base := strings.TrimRight(s[:MaxIdentifierLength-hashSuffixLength], "_")
	return base + "_" + hex.EncodeToString(sum[:])[:8]
}
