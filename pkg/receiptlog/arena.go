package receiptlog

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

// Arena keeps receipts in one append-only slice. Parent links are slice
// indices, so the causal graph holds no pointers between receipts.
type Arena struct {
	mu        sync.RWMutex
	entries   []*receipt.Receipt
	parents   []int // index of the parent entry, -1 for roots
	byHash    map[string]int
	bySession map[string][]int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{
		byHash:    make(map[string]int),
		bySession: make(map[string][]int),
	}
}

func (a *Arena) Append(_ context.Context, r *receipt.Receipt) error {
	if err := validate(r); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.bySession[r.SessionID]
	var tail *receipt.Link
	parent := -1
	if n := len(idx); n > 0 {
		parent = idx[n-1]
		l := a.entries[parent].Link()
		tail = &l
	}
	if err := checkContinuity(tail, r); err != nil {
		return err
	}

	pos := len(a.entries)
	a.entries = append(a.entries, r.Clone())
	a.parents = append(a.parents, parent)
	a.byHash[r.Hash] = pos
	a.bySession[r.SessionID] = append(idx, pos)
	return nil
}

func (a *Arena) Chain(_ context.Context, sessionID string) ([]*receipt.Receipt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx := a.bySession[sessionID]
	out := make([]*receipt.Receipt, len(idx))
	for i, pos := range idx {
		out[i] = a.entries[pos].Clone()
	}
	return out, nil
}

func (a *Arena) Get(_ context.Context, hash string) (*receipt.Receipt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return a.entries[pos].Clone(), nil
}

// Parent returns the receipt preceding the one with hash, or nil for a root.
func (a *Arena) Parent(hash string) (*receipt.Receipt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	if p := a.parents[pos]; p >= 0 {
		return a.entries[p].Clone(), nil
	}
	return nil, nil
}

// Sessions lists every session with at least one receipt.
func (a *Arena) Sessions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.bySession))
	for id := range a.bySession {
		out = append(out, id)
	}
	return out
}

// Len returns the number of stored receipts.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
