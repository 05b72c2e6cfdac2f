package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	agentKeyInfo   = "mukernel/agent-signing-key/v1"
	sessionKeyInfo = "mukernel/session-signing-key/v1"
)

// DeriveSeed expands a master secret into a 32-byte Ed25519 seed bound to
// the given info label and salt. Identical inputs always derive the same key.
func DeriveSeed(master, salt []byte, info string) ([]byte, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return seed, nil
}

// DeriveAgentSigner derives the long-lived signing key of an agent.
func DeriveAgentSigner(master []byte, agentID string) (*Ed25519Signer, error) {
	seed, err := DeriveSeed(master, []byte(agentID), agentKeyInfo)
	if err != nil {
		return nil, err
	}
	return NewEd25519SignerFromSeed(seed, "agent/"+agentID)
}

// DeriveSessionSigner derives a signing key scoped to one session of an
// agent. The session key is independent of every other session's key.
func DeriveSessionSigner(master []byte, agentID, sessionID string) (*Ed25519Signer, error) {
	seed, err := DeriveSeed(master, []byte(agentID+"\x00"+sessionID), sessionKeyInfo)
	if err != nil {
		return nil, err
	}
	return NewEd25519SignerFromSeed(seed, "session/"+sessionID)
}
