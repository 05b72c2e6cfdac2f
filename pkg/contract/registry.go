package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Source resolves an operation reference to its contract. The kernel
// depends on this interface only.
type Source interface {
	Lookup(ref string) (*Compiled, error)
}

// Registry holds compiled contracts, several versions per operation.
type Registry struct {
	mu   sync.RWMutex
	byOp map[string][]*Compiled // sorted newest first
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byOp: make(map[string][]*Compiled)}
}

// Add registers a compiled contract. Re-registering an existing version
// is an error.
func (r *Registry) Add(c *Compiled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byOp[c.OperationID]
	for _, existing := range list {
		if existing.SemVer.Equal(c.SemVer) {
			return fmt.Errorf("contract: %s already registered", c.Ref())
		}
	}
	list = append(list, c)
	sort.Slice(list, func(i, j int) bool { return list[i].SemVer.GreaterThan(list[j].SemVer) })
	r.byOp[c.OperationID] = list
	return nil
}

// Lookup resolves "op" to the newest version, or "op@constraint" to the
// newest version satisfying the semver constraint.
func (r *Registry) Lookup(ref string) (*Compiled, error) {
	op, constraint, hasConstraint := strings.Cut(strings.TrimSpace(ref), "@")
	r.mu.RLock()
	list := r.byOp[op]
	r.mu.RUnlock()
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	if !hasConstraint {
		return list[0], nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("contract: constraint %q: %w", constraint, err)
	}
	for _, c := range list {
		if cons.Check(c.SemVer) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no version matching %s", ErrUnknownOperation, op, constraint)
}

// Versions lists the registered versions of op, newest first.
func (r *Registry) Versions(op string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byOp[op]))
	for _, c := range r.byOp[op] {
		out = append(out, c.SemVer.String())
	}
	return out
}

// Operations lists every operation id in lexical order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byOp))
	for op := range r.byOp {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
