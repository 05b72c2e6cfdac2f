package crypto

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// SigningMode selects whose key signs a session's receipts.
type SigningMode string

const (
	SigningModeAgent   SigningMode = "agent"
	SigningModeSession SigningMode = "session"
)

// KeyRing hands out signers for sessions and remembers every public key it
// issued so receipts can be verified by key id after rotation.
type KeyRing struct {
	mu     sync.RWMutex
	master []byte
	mode   SigningMode
	keys   map[string]ed25519.PublicKey // key id -> public key
	agents map[string]*Ed25519Signer
}

// NewKeyRing creates a key ring deriving keys from master.
func NewKeyRing(master []byte, mode SigningMode) (*KeyRing, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}
	if mode == "" {
		mode = SigningModeAgent
	}
	if mode != SigningModeAgent && mode != SigningModeSession {
		return nil, fmt.Errorf("unknown signing mode %q", mode)
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &KeyRing{
		master: m,
		mode:   mode,
		keys:   make(map[string]ed25519.PublicKey),
		agents: make(map[string]*Ed25519Signer),
	}, nil
}

// SignerFor returns the signer for a session of agentID.
func (k *KeyRing) SignerFor(agentID, sessionID string) (Signer, error) {
	if k.mode == SigningModeSession {
		s, err := DeriveSessionSigner(k.master, agentID, sessionID)
		if err != nil {
			return nil, err
		}
		k.remember(s)
		return s, nil
	}

	k.mu.RLock()
	s, ok := k.agents[agentID]
	k.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := DeriveAgentSigner(k.master, agentID)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.agents[agentID] = s
	k.mu.Unlock()
	k.remember(s)
	return s, nil
}

func (k *KeyRing) remember(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[s.KeyID()] = s.PublicKey()
}

// PublicKey resolves a key id issued by this ring.
func (k *KeyRing) PublicKey(keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return pub, nil
}

// RevokeKey forgets a key id; receipts signed by it no longer resolve.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
	for agent, s := range k.agents {
		if s.KeyID() == keyID {
			delete(k.agents, agent)
		}
	}
}
