package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
)

// Built-in operation ids.
const (
	OpEcho    = "builtin.echo"
	OpDigest  = "builtin.digest"
	OpCounter = "builtin.counter"
)

// cyclesPerByte is the nominal CPU cost charged by the built-ins.
const cyclesPerByte = 4

func nominal(in, out []byte) quota.Usage {
	return quota.Usage{
		CPUCycles:   uint64(len(in)+len(out)) * cyclesPerByte,
		MemoryBytes: uint64(len(in) + len(out)),
	}
}

// Echo returns its input.
var Echo = Func(func(_ context.Context, inv Invocation) (Result, error) {
	out := append([]byte(nil), inv.Input...)
	return Result{Output: out, Usage: nominal(inv.Input, out)}, nil
})

// Digest returns {"digest": "<alg>:<hex>"} for its input.
func Digest(alg canonicalize.Algorithm) Capability {
	return Func(func(_ context.Context, inv Invocation) (Result, error) {
		out, err := json.Marshal(map[string]string{"digest": alg.ContentDigest(inv.Input)})
		if err != nil {
			return Result{}, err
		}
		return Result{Output: out, Usage: nominal(inv.Input, out)}, nil
	})
}

// Counter takes {"n": k} and returns {"n": k+1}. Each call costs one I/O
// op, which makes it handy for exercising I/O guards.
var Counter = Func(func(_ context.Context, inv Invocation) (Result, error) {
	var in struct {
		N int64 `json:"n"`
	}
	if err := json.Unmarshal(inv.Input, &in); err != nil {
		return Result{}, fmt.Errorf("counter: %w", err)
	}
	out, err := json.Marshal(map[string]int64{"n": in.N + 1})
	if err != nil {
		return Result{}, err
	}
	u := nominal(inv.Input, out)
	u.IOOps = 1
	return Result{Output: out, Usage: u}, nil
})

// Builtins returns a catalog with every built-in registered.
func Builtins(alg canonicalize.Algorithm) *Catalog {
	c := NewCatalog()
	c.Add(OpEcho, Echo)
	c.Add(OpDigest, Digest(alg))
	c.Add(OpCounter, Counter)
	return c
}
