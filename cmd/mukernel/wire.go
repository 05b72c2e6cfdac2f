package main

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/mukernel/pkg/archive"
	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/config"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/kernel"
	"github.com/Mindburn-Labs/mukernel/pkg/observability"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
	"github.com/Mindburn-Labs/mukernel/pkg/sandbox"
)

//go:embed builtin.yaml
var builtinCatalog []byte

// demoSecret signs receipts when no master secret is configured.
const demoSecret = "mukernel-demo-master-secret"

// runtime is a kernel plus the collaborators it was built from.
type runtime struct {
	kernel  *kernel.Kernel
	log     receiptlog.Log
	keys    *crypto.KeyRing
	closers []func(context.Context) error
}

func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (r *runtime) onClose(fn func(context.Context) error) { r.closers = append(r.closers, fn) }

func closer(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

// loadContracts compiles the catalog at path, or the built-in catalog, and
// returns the WebAssembly modules it names.
func loadContracts(path string) (*contract.Registry, []contract.Module, error) {
	var (
		cat *contract.Catalog
		err error
	)
	if path != "" {
		cat, err = contract.LoadCatalogFile(path)
	} else {
		cat, err = contract.DecodeCatalog(bytes.NewReader(builtinCatalog))
	}
	if err != nil {
		return nil, nil, err
	}
	reg, err := cat.Build()
	if err != nil {
		return nil, nil, err
	}
	return reg, cat.Modules(), nil
}

// loadCapabilities registers the built-ins plus one sandboxed capability
// per catalog module. A module replaces a built-in of the same id.
func loadCapabilities(ctx context.Context, rt *runtime, alg canonicalize.Algorithm, modules []contract.Module) (*capabilities.Catalog, error) {
	caps := capabilities.Builtins(alg)
	for _, m := range modules {
		wasm, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, fmt.Errorf("wasm module for %s: %w", m.OperationID, err)
		}
		w, err := sandbox.NewWASMCapability(ctx, m.OperationID, wasm)
		if err != nil {
			return nil, err
		}
		rt.onClose(w.Close)
		caps.Add(m.OperationID, w)
	}
	return caps, nil
}

// buildRuntime wires a kernel from cfg. Overrides run last.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, overrides ...func(*kernel.Config)) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	contracts, modules, err := loadContracts(cfg.Contracts)
	if err != nil {
		return nil, err
	}
	alg, err := canonicalize.ParseAlgorithm(cfg.Hash)
	if err != nil {
		return nil, err
	}
	caps, err := loadCapabilities(ctx, rt, alg, modules)
	if err != nil {
		return nil, err
	}
	transitions, err := cfg.Transitions()
	if err != nil {
		return nil, err
	}

	secret := cfg.Signing.MasterSecret
	if secret == "" {
		logger.Warn("no master secret configured, signing with the demo secret")
		secret = demoSecret
	}
	rt.keys, err = crypto.NewKeyRing([]byte(secret), crypto.SigningMode(cfg.Signing.Mode))
	if err != nil {
		return nil, err
	}

	rt.log, err = openLog(ctx, rt, cfg.ReceiptLog)
	if err != nil {
		return nil, err
	}

	guard, err := cfg.Guard()
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "mukernel",
		ServiceVersion: version,
		Environment:    "cli",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		MetricInterval: observability.DefaultConfig().MetricInterval,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(telemetry.Shutdown)
	metrics, err := telemetry.KernelMetrics()
	if err != nil {
		return nil, err
	}

	kcfg := kernel.Config{
		Capacity:      cfg.Capacity,
		Contracts:     contracts,
		Capabilities:  caps,
		Keys:          rt.keys,
		Log:           rt.log,
		Guard:         guard,
		DefaultBudget: cfg.DefaultBudget(),
		Admission:     openAdmission(rt, cfg),
		Transitions:   transitions,
		Hash:          alg,
		Metrics:       metrics,
		Tracer:        telemetry.Tracer(),
		Logger:        logger.With("component", "kernel"),
	}

	store, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if store != nil {
		kcfg.Archiver = archive.NewArchiver(store, rt.keys).WithLogger(logger.With("component", "archive"))
	}

	for _, o := range overrides {
		o(&kcfg)
	}
	rt.kernel, err = kernel.New(kcfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func openLog(ctx context.Context, rt *runtime, cfg config.ReceiptLogConfig) (receiptlog.Log, error) {
	switch cfg.Driver {
	case config.LogDriverArena, "":
		return receiptlog.NewArena(), nil
	case config.LogDriverSQLite:
		l, err := receiptlog.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		rt.onClose(closer(l))
		return l, nil
	case config.LogDriverPostgres:
		l, err := receiptlog.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		rt.onClose(closer(l))
		return l, nil
	case config.LogDriverRedis:
		l := receiptlog.NewRedisLogFromClient(redis.NewClient(&redis.Options{Addr: cfg.DSN}), cfg.Prefix)
		rt.onClose(closer(l))
		if err := l.Ping(ctx); err != nil {
			return nil, fmt.Errorf("receipt log: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("receipt log driver %q is not supported", cfg.Driver)
	}
}

func openAdmission(rt *runtime, cfg *config.Config) kernel.Admission {
	a := cfg.Admission
	switch {
	case a.RatePerSecond <= 0:
		return kernel.AllowAll{}
	case a.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: a.RedisAddr})
		rt.onClose(closer(rdb))
		return kernel.NewRedisAdmission(rdb, cfg.ReceiptLog.Prefix, a.RatePerSecond, a.Burst)
	default:
		return kernel.NewLocalAdmission(a.RatePerSecond, a.Burst)
	}
}
