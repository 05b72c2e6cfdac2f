package receipt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Draft carries the per-operation fields of a receipt to be built.
type Draft struct {
	// ReceiptID is generated when empty.
	ReceiptID   string
	SessionID   string
	AgentID     string
	OperationID string
	Authority   authority.Level
	InputHash   string
	OutputHash  string
	Timing      timing.Proof
	QuotaDelta  quota.Usage
	Outcome     Outcome
}

// Builder links and signs receipts.
type Builder struct {
	signer crypto.Signer
	newID  func() string
}

// NewBuilder returns a builder signing with signer.
func NewBuilder(signer crypto.Signer) *Builder {
	return &Builder{signer: signer, newID: func() string { return uuid.NewString() }}
}

// WithIDFunc overrides receipt id generation. Replay and golden tests need
// stable ids.
func (b *Builder) WithIDFunc(fn func() string) *Builder {
	b.newID = fn
	return b
}

// Build creates the receipt following parent. A nil parent starts a new
// chain at sequence 0.
func (b *Builder) Build(parent *Link, d Draft) (*Receipt, error) {
	if b.signer == nil {
		return nil, errors.New("receipt: builder has no signer")
	}
	if strings.TrimSpace(d.OperationID) == "" {
		return nil, errors.New("receipt: operation id required")
	}
	if d.Outcome == "" {
		d.Outcome = OutcomeOK
	}
	id := d.ReceiptID
	if id == "" {
		id = b.newID()
	}

	r := &Receipt{
		ReceiptID:   id,
		SessionID:   d.SessionID,
		AgentID:     d.AgentID,
		OperationID: d.OperationID,
		Authority:   d.Authority,
		InputHash:   d.InputHash,
		OutputHash:  d.OutputHash,
		Timing:      d.Timing,
		QuotaDelta:  d.QuotaDelta,
		Outcome:     d.Outcome,
	}
	if parent != nil {
		if parent.Hash == "" {
			return nil, errors.New("receipt: parent link has no hash")
		}
		r.ParentHash = parent.Hash
		r.Sequence = parent.Sequence + 1
	}

	if err := Sign(r, b.signer); err != nil {
		return nil, err
	}
	return r, nil
}

// Sign sets r's hash, key id and signature.
func Sign(r *Receipt, signer crypto.Signer) error {
	h, err := ComputeHash(r)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return fmt.Errorf("receipt: decode hash: %w", err)
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return fmt.Errorf("receipt: sign: %w", err)
	}
	r.Hash = h
	r.KeyID = signer.KeyID()
	r.Signature = hex.EncodeToString(sig)
	return nil
}
