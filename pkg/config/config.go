// Package config loads kernel configuration from MUKERNEL_* environment
// variables, optionally on top of a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/mukernel/pkg/archive"
	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Receipt log drivers.
const (
	LogDriverArena    = "arena"
	LogDriverSQLite   = "sqlite"
	LogDriverPostgres = "postgres"
	LogDriverRedis    = "redis"
)

// Config holds kernel configuration. Capacity is the number of session
// slots, Hash the content digest algorithm (sha256 or blake3), Contracts the
// path of the contract catalog and LogFormat either text or json.
type Config struct {
	Capacity   int              `yaml:"capacity"`
	Budget     BudgetConfig     `yaml:"budget"`
	Timing     TimingConfig     `yaml:"timing"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Signing    SigningConfig    `yaml:"signing"`
	Escalation EscalationConfig `yaml:"escalation"`
	Hash       string           `yaml:"hash"`
	Contracts  string           `yaml:"contracts"`
	ReceiptLog ReceiptLogConfig `yaml:"receipt_log"`
	Archive    archive.Config   `yaml:"archive"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
}

// BudgetConfig is the default allocation for new sessions.
type BudgetConfig struct {
	CPUCycles   uint64        `yaml:"cpu_cycles"`
	MemoryBytes uint64        `yaml:"memory_bytes"`
	WallTime    time.Duration `yaml:"wall_time"`
	IOOps       uint64        `yaml:"io_ops"`
}

type TimingConfig struct {
	// Policy is pass_flagged or abort.
	Policy          string        `yaml:"policy"`
	ReplayTolerance time.Duration `yaml:"replay_tolerance"`
	DeadlineGrace   time.Duration `yaml:"deadline_grace"`
}

// AdmissionConfig rate-limits OpenSession per agent. A zero rate disables
// admission control.
type AdmissionConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// RedisAddr shares buckets across processes when set.
	RedisAddr string `yaml:"redis_addr"`
}

type SigningConfig struct {
	// Mode is agent or session.
	Mode string `yaml:"mode"`
	// MasterSecret seeds the derived keys. It is normally supplied through
	// MUKERNEL_MASTER_SECRET rather than a file.
	MasterSecret string `yaml:"master_secret"`
}

type ReceiptLogConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a connection string for postgres and
	// an address for redis.
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Capacity: 1024,
		Budget: BudgetConfig{
			CPUCycles:   1_000_000,
			MemoryBytes: 64 << 20,
			WallTime:    10 * time.Second,
			IOOps:       1000,
		},
		Timing: TimingConfig{
			Policy:          string(timing.PolicyPassFlagged),
			ReplayTolerance: 5 * time.Millisecond,
		},
		Admission:  AdmissionConfig{RatePerSecond: 10, Burst: 20},
		Signing:    SigningConfig{Mode: string(crypto.SigningModeAgent)},
		Escalation: defaultEscalation(),
		Hash:       string(canonicalize.SHA256),
		ReceiptLog: ReceiptLogConfig{
			Driver: LogDriverArena,
			Prefix: "mukernel:",
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "localhost:4317", SampleRate: 1.0},
		LogLevel:  "INFO",
		LogFormat: "text",
	}
}

// Load returns the defaults overridden by the environment.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// DefaultBudget returns the default session allocation.
func (c *Config) DefaultBudget() quota.Usage {
	return quota.Usage{
		CPUCycles:   c.Budget.CPUCycles,
		MemoryBytes: c.Budget.MemoryBytes,
		WallTimeNs:  uint64(c.Budget.WallTime),
		IOOps:       c.Budget.IOOps,
	}
}

// Guard builds the timing guard.
func (c *Config) Guard() (*timing.Guard, error) {
	p, err := timing.ParsePolicy(c.Timing.Policy)
	if err != nil {
		return nil, err
	}
	return &timing.Guard{Policy: p, Tolerance: c.Timing.ReplayTolerance, DeadlineGrace: c.Timing.DeadlineGrace}, nil
}

// Level parses LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if _, err := timing.ParsePolicy(c.Timing.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Timing.ReplayTolerance < 0 {
		errs = append(errs, errors.New("timing.replay_tolerance must not be negative"))
	}
	if _, err := canonicalize.ParseAlgorithm(c.Hash); err != nil {
		errs = append(errs, err)
	}
	switch crypto.SigningMode(c.Signing.Mode) {
	case crypto.SigningModeAgent, crypto.SigningModeSession, "":
	default:
		errs = append(errs, fmt.Errorf("signing.mode %q: want agent or session", c.Signing.Mode))
	}
	if _, err := c.Transitions(); err != nil {
		errs = append(errs, err)
	}
	if c.Admission.RatePerSecond < 0 || c.Admission.Burst < 0 {
		errs = append(errs, errors.New("admission rate and burst must not be negative"))
	}
	switch c.ReceiptLog.Driver {
	case LogDriverArena:
	case LogDriverSQLite, LogDriverPostgres, LogDriverRedis:
		if c.ReceiptLog.DSN == "" {
			errs = append(errs, fmt.Errorf("receipt_log.dsn is required for driver %s", c.ReceiptLog.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("receipt_log.driver %q is not supported", c.ReceiptLog.Driver))
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overrides fields from MUKERNEL_* variables that are set.
func (c *Config) applyEnv() error {
	e := envReader{}
	e.int("MUKERNEL_CAPACITY", &c.Capacity)
	e.uint("MUKERNEL_BUDGET_CPU_CYCLES", &c.Budget.CPUCycles)
	e.uint("MUKERNEL_BUDGET_MEMORY_BYTES", &c.Budget.MemoryBytes)
	e.duration("MUKERNEL_BUDGET_WALL_TIME", &c.Budget.WallTime)
	e.uint("MUKERNEL_BUDGET_IO_OPS", &c.Budget.IOOps)
	e.string("MUKERNEL_TIMING_POLICY", &c.Timing.Policy)
	e.duration("MUKERNEL_REPLAY_TOLERANCE", &c.Timing.ReplayTolerance)
	e.duration("MUKERNEL_DEADLINE_GRACE", &c.Timing.DeadlineGrace)
	e.float("MUKERNEL_ADMISSION_RATE", &c.Admission.RatePerSecond)
	e.int("MUKERNEL_ADMISSION_BURST", &c.Admission.Burst)
	e.string("MUKERNEL_ADMISSION_REDIS_ADDR", &c.Admission.RedisAddr)
	e.string("MUKERNEL_SIGNING_MODE", &c.Signing.Mode)
	e.string("MUKERNEL_MASTER_SECRET", &c.Signing.MasterSecret)
	e.escalation(&c.Escalation)
	e.string("MUKERNEL_HASH", &c.Hash)
	e.string("MUKERNEL_CONTRACTS", &c.Contracts)
	e.string("MUKERNEL_RECEIPT_LOG_DRIVER", &c.ReceiptLog.Driver)
	e.string("MUKERNEL_RECEIPT_LOG_DSN", &c.ReceiptLog.DSN)
	e.string("MUKERNEL_RECEIPT_LOG_PREFIX", &c.ReceiptLog.Prefix)
	e.string("MUKERNEL_ARCHIVE_BACKEND", (*string)(&c.Archive.Backend))
	e.string("MUKERNEL_ARCHIVE_DIR", &c.Archive.Dir)
	e.string("MUKERNEL_ARCHIVE_BUCKET", &c.Archive.Bucket)
	e.string("MUKERNEL_ARCHIVE_PREFIX", &c.Archive.Prefix)
	e.string("MUKERNEL_ARCHIVE_REGION", &c.Archive.Region)
	e.string("MUKERNEL_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	e.bool("MUKERNEL_OTEL_ENABLED", &c.Telemetry.Enabled)
	e.string("MUKERNEL_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	e.bool("MUKERNEL_OTLP_INSECURE", &c.Telemetry.Insecure)
	e.float("MUKERNEL_OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)
	e.string("MUKERNEL_LOG_LEVEL", &c.LogLevel)
	e.string("MUKERNEL_LOG_FORMAT", &c.LogFormat)
	if err := errors.Join(e.errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// envReader collects parse errors instead of stopping at the first.
type envReader struct{ errs []error }

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(key string, dst *uint64) {
	if v, ok := lookup(key); ok {
		n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}
