package receipt

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// Proof error codes.
const (
	CodeHashMismatch     = "HASH_MISMATCH"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeUnsigned         = "UNSIGNED"
	CodeUnknownKey       = "UNKNOWN_KEY"
)

// Chain error codes.
const (
	CodeBrokenLink      = "BROKEN_LINK"
	CodeSequenceGap     = "SEQUENCE_GAP"
	CodeRootHasParent   = "ROOT_HAS_PARENT"
	CodeSessionMismatch = "SESSION_MISMATCH"
	CodeEmptyChain      = "EMPTY_CHAIN"
)

var ErrProof = errors.New("receipt: proof invalid")

// ProofError reports a receipt that fails verification.
type ProofError struct {
	Code     string `json:"code"`
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason,omitempty"`
}

func (e *ProofError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s at sequence %d", e.Code, e.Sequence)
	}
	return fmt.Sprintf("%s at sequence %d: %s", e.Code, e.Sequence, e.Reason)
}

func (e *ProofError) Is(target error) bool { return target == ErrProof }

// ChainError reports where a chain stops being valid.
type ChainError struct {
	// Index is the position in the slice passed to ValidateChain.
	Index    int    `json:"index"`
	Sequence uint64 `json:"sequence"`
	Code     string `json:"code"`
	Err      error  `json:"-"`
}

func (e *ChainError) Error() string {
	msg := fmt.Sprintf("chain invalid at index %d (sequence %d): %s", e.Index, e.Sequence, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainError) Unwrap() error { return e.Err }

// KeyResolver looks up the public key for a receipt's key id.
// *crypto.KeyRing satisfies it.
type KeyResolver interface {
	PublicKey(keyID string) (ed25519.PublicKey, error)
}

// StaticKey resolves every key id to one public key.
type StaticKey ed25519.PublicKey

func (k StaticKey) PublicKey(string) (ed25519.PublicKey, error) {
	if len(k) != ed25519.PublicKeySize {
		return nil, errors.New("receipt: static key has wrong size")
	}
	return ed25519.PublicKey(k), nil
}

// VerifyHash checks that r.Hash matches its visible fields.
func VerifyHash(r *Receipt) error {
	h, err := ComputeHash(r)
	if err != nil {
		return &ProofError{Code: CodeHashMismatch, Sequence: r.Sequence, Reason: err.Error()}
	}
	if h != r.Hash {
		return &ProofError{Code: CodeHashMismatch, Sequence: r.Sequence, Reason: "stored hash does not match fields"}
	}
	return nil
}

// Verify recomputes r's hash and checks its signature against pub.
func Verify(r *Receipt, pub ed25519.PublicKey) error {
	if err := VerifyHash(r); err != nil {
		return err
	}
	return verifySignature(r, pub)
}

func verifySignature(r *Receipt, pub ed25519.PublicKey) error {
	if r.Signature == "" {
		return &ProofError{Code: CodeUnsigned, Sequence: r.Sequence}
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return &ProofError{Code: CodeSignatureInvalid, Sequence: r.Sequence, Reason: "signature is not hex"}
	}
	raw, err := hex.DecodeString(r.Hash)
	if err != nil {
		return &ProofError{Code: CodeHashMismatch, Sequence: r.Sequence, Reason: "hash is not hex"}
	}
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, raw, sig) {
		return &ProofError{Code: CodeSignatureInvalid, Sequence: r.Sequence}
	}
	return nil
}

// ValidateChain checks one session's chain in order. Each receipt's self
// hash is checked before its link to the predecessor's stored hash, then
// sequence contiguity, so a receipt edited in place is reported as
// HASH_MISMATCH at its own index and a rehashed one breaks the link at its
// successor. Signatures are checked after the structural pass; a nil keys
// skips them.
func ValidateChain(chain []*Receipt, keys KeyResolver) error {
	if len(chain) == 0 {
		return &ChainError{Code: CodeEmptyChain}
	}
	for i, r := range chain {
		h, err := ComputeHash(r)
		if err != nil {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeHashMismatch, Err: err}
		}
		if h != r.Hash {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeHashMismatch,
				Err: &ProofError{Code: CodeHashMismatch, Sequence: r.Sequence, Reason: "stored hash does not match fields"}}
		}

		if i == 0 {
			if r.ParentHash != "" && r.Sequence == 0 {
				return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeRootHasParent}
			}
			if r.ParentHash == "" && r.Sequence != 0 {
				return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeSequenceGap}
			}
			continue
		}
		prev := chain[i-1]
		if r.SessionID != prev.SessionID {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeSessionMismatch}
		}
		if r.ParentHash != prev.Hash {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeBrokenLink,
				Err: fmt.Errorf("parent_hash %s does not match predecessor %s", short(r.ParentHash), short(prev.Hash))}
		}
		if r.Sequence != prev.Sequence+1 {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeSequenceGap}
		}
	}

	if keys == nil {
		return nil
	}
	for i, r := range chain {
		pub, err := keys.PublicKey(r.KeyID)
		if err != nil {
			return &ChainError{Index: i, Sequence: r.Sequence, Code: CodeUnknownKey,
				Err: &ProofError{Code: CodeUnknownKey, Sequence: r.Sequence, Reason: err.Error()}}
		}
		if err := verifySignature(r, pub); err != nil {
			var pe *ProofError
			errors.As(err, &pe)
			return &ChainError{Index: i, Sequence: r.Sequence, Code: pe.Code, Err: err}
		}
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
