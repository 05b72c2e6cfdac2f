package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// Algorithm names a content digest function. The name is also the digest
// prefix ("sha256:<hex>").
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm resolves a configured algorithm name. Empty selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("canonicalize: unsupported digest algorithm %q", name)
	}
}

// Digest returns the prefixed digest of data.
func (a Algorithm) Digest(data []byte) string {
	switch a {
	case BLAKE3:
		sum := blake3.Sum256(data)
		return string(BLAKE3) + ":" + hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return string(SHA256) + ":" + hex.EncodeToString(sum[:])
	}
}

// HashBytes computes the SHA-256 digest of raw bytes as "sha256:<hex>".
func HashBytes(data []byte) string {
	return SHA256.Digest(data)
}

// ContentDigest hashes a capability payload. Payloads that parse as JSON
// are canonicalized first so that semantically equal documents share a
// digest; anything else is hashed as raw bytes.
func (a Algorithm) ContentDigest(payload []byte) string {
	if len(payload) > 0 && json.Valid(payload) {
		if canon, err := Transform(payload); err == nil {
			return a.Digest(canon)
		}
	}
	return a.Digest(payload)
}

// Identifier returns the NFC normalized, whitespace-trimmed form of an
// agent or operation identifier. Identifiers are hashed into receipts, so
// visually identical inputs must map to identical bytes.
func Identifier(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}
