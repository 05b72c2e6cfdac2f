// Package sandbox runs WebAssembly capabilities under wazero with
// deny-by-default host access.
//
// Module ABI: the module exports its linear memory as "memory" and a
// function "run(len i32) -> i32". The kernel writes the input at offset 0,
// calls run with the input length, and reads the output back from offset
// 0 using the returned length.
//
// The memory ceiling is the number of whole pages that fit in the
// invocation's memory reservation, and the nominal CPU charge is checked
// against the CPU reservation, so reported usage never exceeds what was
// reserved. A reservation too small to run the module is refused with
// ErrReservation before anything executes. CPU time is bounded by the
// invocation context: cancellation closes the module.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
)

const (
	pageSize = 64 * 1024
	// maxPages is the wasm32 address-space limit.
	maxPages = 65536

	exportMemory = "memory"
	exportRun    = "run"
)

var (
	ErrABI         = errors.New("sandbox: module does not implement the run ABI")
	ErrReservation = errors.New("sandbox: reservation too small")
)

// WASMCapability executes one compiled module per invocation.
type WASMCapability struct {
	name  string
	wasm  []byte
	cache wazero.CompilationCache
	// minPages is the module's declared initial memory.
	minPages uint32
	// CyclesPerByte is the nominal CPU charge per input and output byte.
	CyclesPerByte uint64
}

// NewWASMCapability validates wasm by compiling it once and keeps the
// compilation cached for later invocations.
func NewWASMCapability(ctx context.Context, name string, wasm []byte) (*WASMCapability, error) {
	cache := wazero.NewCompilationCache()
	w := &WASMCapability{name: name, wasm: wasm, cache: cache, CyclesPerByte: 4}

	r := w.newRuntime(ctx, maxPages)
	defer func() { _ = r.Close(ctx) }()
	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = cache.Close(ctx)
		return nil, fmt.Errorf("sandbox %s: compilation failed: %w", name, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mem, ok := compiled.ExportedMemories()[exportMemory]
	if !ok {
		_ = cache.Close(ctx)
		return nil, fmt.Errorf("%w: missing %q export", ErrABI, exportMemory)
	}
	w.minPages = mem.Min()
	fn, ok := compiled.ExportedFunctions()[exportRun]
	if !ok || !isRunSignature(fn) {
		_ = cache.Close(ctx)
		return nil, fmt.Errorf("%w: missing or mistyped %q export", ErrABI, exportRun)
	}
	return w, nil
}

func isRunSignature(fn api.FunctionDefinition) bool {
	p, r := fn.ParamTypes(), fn.ResultTypes()
	return len(p) == 1 && p[0] == api.ValueTypeI32 && len(r) == 1 && r[0] == api.ValueTypeI32
}

func (w *WASMCapability) newRuntime(ctx context.Context, pages uint32) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(w.cache).
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// PagesFor converts a memory reservation into a page ceiling: the whole
// pages that fit, zero below one page.
func PagesFor(reserved quota.Usage) uint32 {
	pages := reserved.MemoryBytes / pageSize
	if pages > maxPages {
		pages = maxPages
	}
	return uint32(pages)
}

func (w *WASMCapability) Execute(ctx context.Context, inv capabilities.Invocation) (capabilities.Result, error) {
	if uint64(len(inv.Input)) > math.MaxInt32 {
		return capabilities.Result{}, fmt.Errorf("sandbox %s: input too large", w.name)
	}
	pages := PagesFor(inv.Reserved)
	if pages == 0 || pages < w.minPages {
		return capabilities.Result{}, fmt.Errorf("%w: %s needs %d memory bytes, %d reserved",
			ErrReservation, w.name, uint64(max(w.minPages, 1))*pageSize, inv.Reserved.MemoryBytes)
	}
	if in := w.cycles(len(inv.Input)); in > inv.Reserved.CPUCycles {
		return capabilities.Result{}, fmt.Errorf("%w: %s input costs %d cpu cycles, %d reserved",
			ErrReservation, w.name, in, inv.Reserved.CPUCycles)
	}
	r := w.newRuntime(ctx, pages)
	defer func() { _ = r.Close(context.WithoutCancel(ctx)) }()

	compiled, err := r.CompileModule(ctx, w.wasm)
	if err != nil {
		return capabilities.Result{}, fmt.Errorf("sandbox %s: compile: %w", w.name, err)
	}

	// No start functions, no WASI: the module sees only its own memory.
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(w.name).
		WithStartFunctions())
	if err != nil {
		return capabilities.Result{}, fmt.Errorf("sandbox %s: instantiate: %w", w.name, err)
	}

	mem := mod.ExportedMemory(exportMemory)
	if mem == nil {
		return capabilities.Result{}, ErrABI
	}
	if need := uint32(len(inv.Input)); need > mem.Size() {
		delta := (need - mem.Size() + pageSize - 1) / pageSize
		if _, ok := mem.Grow(delta); !ok {
			return capabilities.Result{}, fmt.Errorf("sandbox %s: input of %d bytes exceeds memory ceiling", w.name, len(inv.Input))
		}
	}
	if !mem.Write(0, inv.Input) {
		return capabilities.Result{}, fmt.Errorf("sandbox %s: write input failed", w.name)
	}

	res, err := mod.ExportedFunction(exportRun).Call(ctx, uint64(len(inv.Input)))
	if err != nil {
		if ctx.Err() != nil {
			return capabilities.Result{}, fmt.Errorf("sandbox %s: execution cancelled: %w", w.name, ctx.Err())
		}
		return capabilities.Result{}, fmt.Errorf("sandbox %s: run: %w", w.name, err)
	}
	n := uint32(res[0])
	view, ok := mem.Read(0, n)
	if !ok {
		return capabilities.Result{}, fmt.Errorf("sandbox %s: output length %d out of bounds", w.name, n)
	}
	out := append([]byte(nil), view...)

	cpu := w.cycles(len(inv.Input) + len(out))
	if cpu > inv.Reserved.CPUCycles {
		return capabilities.Result{}, fmt.Errorf("%w: %s output of %d bytes costs %d cpu cycles, %d reserved",
			ErrReservation, w.name, len(out), cpu, inv.Reserved.CPUCycles)
	}
	return capabilities.Result{
		Output: out,
		Usage: quota.Usage{
			CPUCycles:   cpu,
			MemoryBytes: uint64(mem.Size()),
		},
	}, nil
}

func (w *WASMCapability) cycles(n int) uint64 {
	return uint64(n) * w.CyclesPerByte
}

// Close releases the compilation cache.
func (w *WASMCapability) Close(ctx context.Context) error {
	return w.cache.Close(ctx)
}
