// Package capabilities defines what the kernel executes: a Capability
// turns an input into an output and reports the resources it used. The
// package also carries the deterministic built-ins used by the CLI and
// tests.
package capabilities

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
)

// Invocation is one call into a capability.
type Invocation struct {
	OperationID string
	SessionID   string
	AgentID     string
	Authority   authority.Level
	Input       []byte
	// Reserved is the headroom held for this call; Usage above it is an
	// overrun.
	Reserved quota.Usage
	// Clock is the session clock. Capabilities that read time must use it
	// so replays see the same readings.
	Clock clock.Clock
}

// Result is a capability's output and measured usage. Wall time is
// measured by the kernel and need not be reported.
type Result struct {
	Output []byte
	Usage  quota.Usage
}

// Capability executes one operation. Implementations must be
// deterministic in Input, Authority and Clock readings.
type Capability interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, inv Invocation) (Result, error)

func (f Func) Execute(ctx context.Context, inv Invocation) (Result, error) { return f(ctx, inv) }

// Resolver finds the implementation for an operation id.
type Resolver interface {
	Resolve(operationID string) (Capability, bool)
}

// Catalog is a concurrency-safe Resolver.
type Catalog struct {
	mu    sync.RWMutex
	impls map[string]Capability
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{impls: make(map[string]Capability)}
}

// Add registers impl for operationID, replacing any previous one.
func (c *Catalog) Add(operationID string, impl Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.impls[operationID] = impl
}

func (c *Catalog) Resolve(operationID string) (Capability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	impl, ok := c.impls[operationID]
	return impl, ok
}

// IDs lists registered operation ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.impls))
	for id := range c.impls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
