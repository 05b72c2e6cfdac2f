package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/kernel"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
)

type scenarioResult struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type demoReport struct {
	Scenarios []scenarioResult `json:"scenarios"`
	// PublicKey verifies Chain: mukernel verify --pubkey.
	PublicKey string             `json:"public_key"`
	Chain     []*receipt.Receipt `json:"chain"`
}

type scenario struct {
	name string
	run  func(ctx context.Context, d *demo) (string, error)
}

var scenarios = []scenario{
	{"reserve and commit refunds the unused reservation", scenarioRefund},
	{"usage overrun terminates the session", scenarioOverrun},
	{"authority escalates one level at a time", scenarioEscalation},
	{"tampering with a receipt breaks the link to its successor", scenarioTamper},
	{"50 concurrent opens get distinct handles", scenarioConcurrentOpen},
}

// demo carries state between scenarios.
type demo struct {
	rt    *runtime
	chain []*receipt.Receipt
}

func newDemoCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the example scenarios against the built-in capabilities",
		Long: `Run the example scenarios against the built-in capabilities and print
a report with the receipt chain of the escalation session as JSON.

The chain can be verified afterwards:

  mukernel demo --out chain.json
  mukernel verify --chain chain.json --pubkey <public_key>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), opts, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "also write the chain to this file")
	return cmd
}

func runDemo(ctx context.Context, opts *rootOptions, out string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	// The scenarios justify every step with a reason, whatever verifiers
	// are configured.
	rt, err := buildRuntime(ctx, cfg, logger, func(k *kernel.Config) {
		k.Capacity = 100
		k.Transitions = authority.Transitions{
			authority.LevelAuthenticated: authority.RequireReason,
			authority.LevelElevated:      authority.RequireReason,
			authority.LevelSystem:        authority.RequireReason,
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	d := &demo{rt: rt}
	rep := demoReport{}
	failed := false
	for i, sc := range scenarios {
		res := scenarioResult{ID: i + 1, Name: sc.name}
		detail, err := sc.run(ctx, d)
		res.Detail = detail
		if err != nil {
			res.Error = err.Error()
			failed = true
		} else {
			res.Passed = true
		}
		logger.Info("scenario", "id", res.ID, "passed", res.Passed)
		rep.Scenarios = append(rep.Scenarios, res)
	}

	rep.Chain = d.chain
	if len(d.chain) > 0 {
		pub, err := rt.keys.PublicKey(d.chain[0].KeyID)
		if err != nil {
			return err
		}
		rep.PublicKey = hex.EncodeToString(pub)
	}

	enc := json.NewEncoder(opts.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if out != "" {
		data, err := json.MarshalIndent(d.chain, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return fmt.Errorf("write chain: %w", err)
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func scenarioRefund(context.Context, *demo) (string, error) {
	b := quota.New(quota.Usage{CPUCycles: 10_000, MemoryBytes: 10_000})
	scope, err := quota.Acquire(b, quota.Usage{CPUCycles: 1000, MemoryBytes: 1024})
	if err != nil {
		return "", err
	}
	if err := scope.Commit(quota.Usage{CPUCycles: 800, MemoryBytes: 900}); err != nil {
		return "", err
	}
	if err := scope.Close(); err != nil {
		return "", err
	}
	got := b.Remaining()
	want := quota.Usage{CPUCycles: 9200, MemoryBytes: 9100}
	if got != want {
		return "", fmt.Errorf("remaining %s, want %s", got, want)
	}
	return "remaining " + got.String(), nil
}

func scenarioOverrun(ctx context.Context, d *demo) (string, error) {
	k := d.rt.kernel
	h, err := k.OpenSession(ctx, "agent-overrun", kernel.WithBudget(quota.Usage{
		CPUCycles:   10_000,
		MemoryBytes: 1_000_000,
		WallTimeNs:  uint64(time.Second),
	}))
	if err != nil {
		return "", err
	}
	err = k.RecordUsage(ctx, h, quota.Usage{MemoryBytes: 2_000_000})
	if !errors.Is(err, quota.ErrOverrun) {
		return "", fmt.Errorf("record usage: want overrun, got %v", err)
	}
	_, err = k.Invoke(ctx, h, capabilities.OpEcho, []byte(`{}`))
	if !errors.Is(err, registry.ErrInvalidHandle) {
		return "", fmt.Errorf("invoke after overrun: want invalid handle, got %v", err)
	}
	return "overrun, then " + kernel.Kind(err), nil
}

func scenarioEscalation(ctx context.Context, d *demo) (string, error) {
	k := d.rt.kernel
	because := authority.Justification{Reason: "demo operator approved"}

	h, err := k.OpenSession(ctx, "agent-demo")
	if err != nil {
		return "", err
	}
	if _, err := k.Invoke(ctx, h, capabilities.OpEcho, []byte(`{"msg":"hello"}`)); err != nil {
		return "", err
	}
	for _, target := range []authority.Level{authority.LevelAuthenticated, authority.LevelElevated} {
		if _, err := k.Escalate(ctx, h, target, because); err != nil {
			return "", fmt.Errorf("escalate to %s: %w", target, err)
		}
	}
	if _, err := k.Invoke(ctx, h, capabilities.OpCounter, []byte(`{"n":1}`)); err != nil {
		return "", err
	}
	if _, err := k.Invoke(ctx, h, capabilities.OpDigest, []byte(`{"doc":"receipt chains"}`)); err != nil {
		return "", err
	}
	final, err := k.CloseSession(ctx, h)
	if err != nil {
		return "", err
	}
	d.chain, err = d.rt.log.Chain(ctx, final.SessionID)
	if err != nil {
		return "", err
	}

	skip, err := k.OpenSession(ctx, "agent-skip")
	if err != nil {
		return "", err
	}
	_, err = k.Escalate(ctx, skip, authority.LevelElevated, because)
	if !errors.Is(err, authority.ErrInvalidEscalation) {
		return "", fmt.Errorf("skip to elevated: want invalid escalation, got %v", err)
	}
	return fmt.Sprintf("%d receipts; direct unauthenticated to elevated rejected", len(d.chain)), nil
}

func scenarioTamper(ctx context.Context, d *demo) (string, error) {
	signer, err := d.rt.keys.SignerFor("agent-tamper", "")
	if err != nil {
		return "", err
	}
	b := receipt.NewBuilder(signer)
	a, err := b.Build(nil, receipt.Draft{
		SessionID:   "tamper",
		AgentID:     "agent-tamper",
		OperationID: "builtin.echo@1.0.0",
		InputHash:   "sha256:" + hex.EncodeToString(make([]byte, 32)),
		OutputHash:  "sha256:" + hex.EncodeToString(make([]byte, 32)),
	})
	if err != nil {
		return "", err
	}
	link := a.Link()
	bb, err := b.Build(&link, receipt.Draft{
		SessionID:   "tamper",
		AgentID:     "agent-tamper",
		OperationID: "builtin.echo@1.0.0",
		InputHash:   a.OutputHash,
		OutputHash:  a.OutputHash,
	})
	if err != nil {
		return "", err
	}
	if err := receipt.ValidateChain([]*receipt.Receipt{a, bb}, d.rt.keys); err != nil {
		return "", fmt.Errorf("untampered chain: %w", err)
	}

	forged := a.Clone()
	raw := []byte(forged.OutputHash)
	raw[len(raw)-1] ^= 0x01
	forged.OutputHash = string(raw)
	if forged.Hash, err = receipt.ComputeHash(forged); err != nil {
		return "", err
	}

	err = receipt.ValidateChain([]*receipt.Receipt{forged, bb}, d.rt.keys)
	var ce *receipt.ChainError
	if !errors.As(err, &ce) || ce.Code != receipt.CodeBrokenLink || ce.Index != 1 {
		return "", fmt.Errorf("want broken link at index 1, got %v", err)
	}
	return ce.Error(), nil
}

func scenarioConcurrentOpen(ctx context.Context, d *demo) (string, error) {
	const callers = 50
	k := d.rt.kernel

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[registry.Handle]struct{}, callers)
		slowest time.Duration
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			t0 := time.Now()
			h, err := k.OpenSession(ctx, fmt.Sprintf("agent-%02d", i))
			took := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			handles[h] = struct{}{}
			slowest = max(slowest, took)
		}(i)
	}
	close(start)
	wg.Wait()

	for h := range handles {
		if _, err := k.CloseSession(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	if len(handles) != callers {
		return "", fmt.Errorf("%d distinct handles for %d callers", len(handles), callers)
	}
	return fmt.Sprintf("%d distinct handles, slowest open %s", len(handles), slowest), nil
}
