// Package receipt builds and verifies the hash-linked, signed record
// emitted for every kernel operation.
//
// A receipt's hash is SHA-256 over the deterministic CBOR encoding of all
// of its fields except hash, key_id and signature. The signature is
// Ed25519 over the raw hash bytes. parent_hash links a receipt to its
// predecessor in the same session; the first receipt of a session has an
// empty parent_hash and sequence 0.
package receipt

import (
	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Outcome is how an operation ended.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeTimingViolation Outcome = "timing_violation"
	OutcomeAborted         Outcome = "aborted"
	OutcomeFailed          Outcome = "failed"
	OutcomeSessionClosed   Outcome = "session_closed"
)

// Receipt is immutable once built. Consumers share it read-only.
type Receipt struct {
	ReceiptID   string          `json:"receipt_id" cbor:"1,keyasint"`
	SessionID   string          `json:"session_id" cbor:"2,keyasint"`
	AgentID     string          `json:"agent_id" cbor:"3,keyasint"`
	OperationID string          `json:"operation_id" cbor:"4,keyasint"`
	Sequence    uint64          `json:"sequence" cbor:"5,keyasint"`
	Authority   authority.Level `json:"authority" cbor:"6,keyasint"`
	InputHash   string          `json:"input_hash" cbor:"7,keyasint"`
	OutputHash  string          `json:"output_hash" cbor:"8,keyasint"`
	Timing      timing.Proof    `json:"timing" cbor:"9,keyasint"`
	QuotaDelta  quota.Usage     `json:"quota_delta" cbor:"10,keyasint"`
	Outcome     Outcome         `json:"outcome" cbor:"11,keyasint"`
	ParentHash  string          `json:"parent_hash" cbor:"12,keyasint"`
	Hash        string          `json:"hash" cbor:"13,keyasint"`
	KeyID       string          `json:"key_id" cbor:"14,keyasint"`
	Signature   string          `json:"signature" cbor:"15,keyasint"`
}

// body is the hashed projection of a Receipt. Field numbers match Receipt
// so the two encodings share a prefix.
type body struct {
	ReceiptID   string          `cbor:"1,keyasint"`
	SessionID   string          `cbor:"2,keyasint"`
	AgentID     string          `cbor:"3,keyasint"`
	OperationID string          `cbor:"4,keyasint"`
	Sequence    uint64          `cbor:"5,keyasint"`
	Authority   authority.Level `cbor:"6,keyasint"`
	InputHash   string          `cbor:"7,keyasint"`
	OutputHash  string          `cbor:"8,keyasint"`
	Timing      timing.Proof    `cbor:"9,keyasint"`
	QuotaDelta  quota.Usage     `cbor:"10,keyasint"`
	Outcome     Outcome         `cbor:"11,keyasint"`
	ParentHash  string          `cbor:"12,keyasint"`
}

func (r *Receipt) body() body {
	return body{
		ReceiptID:   r.ReceiptID,
		SessionID:   r.SessionID,
		AgentID:     r.AgentID,
		OperationID: r.OperationID,
		Sequence:    r.Sequence,
		Authority:   r.Authority,
		InputHash:   r.InputHash,
		OutputHash:  r.OutputHash,
		Timing:      r.Timing,
		QuotaDelta:  r.QuotaDelta,
		Outcome:     r.Outcome,
		ParentHash:  r.ParentHash,
	}
}

// Link is the tail reference a session keeps to its latest receipt.
type Link struct {
	Hash     string `json:"hash"`
	Sequence uint64 `json:"sequence"`
}

// Link returns the reference a successor uses as its parent.
func (r *Receipt) Link() Link {
	return Link{Hash: r.Hash, Sequence: r.Sequence}
}

// IsRoot reports whether r starts its session's chain.
func (r *Receipt) IsRoot() bool {
	return r.ParentHash == ""
}

// Clone returns a deep copy. Receipt holds only value fields.
func (r *Receipt) Clone() *Receipt {
	c := *r
	return &c
}
