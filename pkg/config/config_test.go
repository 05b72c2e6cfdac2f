package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/archive"
	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/config"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// TestLoad_Defaults verifies the kernel boots with no environment set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MUKERNEL_CAPACITY", "")
	t.Setenv("MUKERNEL_TIMING_POLICY", "")
	t.Setenv("MUKERNEL_RECEIPT_LOG_DRIVER", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Capacity)
	assert.Equal(t, "pass_flagged", cfg.Timing.Policy)
	assert.Equal(t, config.LogDriverArena, cfg.ReceiptLog.Driver)
	assert.Equal(t, "sha256", cfg.Hash)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Equal(t, archive.BackendNone, cfg.Archive.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MUKERNEL_CAPACITY", "16")
	t.Setenv("MUKERNEL_BUDGET_CPU_CYCLES", "5_000")
	t.Setenv("MUKERNEL_BUDGET_WALL_TIME", "250ms")
	t.Setenv("MUKERNEL_TIMING_POLICY", "abort")
	t.Setenv("MUKERNEL_REPLAY_TOLERANCE", "2ms")
	t.Setenv("MUKERNEL_ADMISSION_RATE", "0.5")
	t.Setenv("MUKERNEL_SIGNING_MODE", "session")
	t.Setenv("MUKERNEL_HASH", "blake3")
	t.Setenv("MUKERNEL_RECEIPT_LOG_DRIVER", "sqlite")
	t.Setenv("MUKERNEL_RECEIPT_LOG_DSN", "/tmp/receipts.db")
	t.Setenv("MUKERNEL_ARCHIVE_BACKEND", "fs")
	t.Setenv("MUKERNEL_OTEL_ENABLED", "true")
	t.Setenv("MUKERNEL_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Capacity)
	assert.Equal(t, uint64(5000), cfg.DefaultBudget().CPUCycles)
	assert.Equal(t, uint64(250*time.Millisecond), cfg.DefaultBudget().WallTimeNs)
	assert.Equal(t, 0.5, cfg.Admission.RatePerSecond)
	assert.Equal(t, "session", cfg.Signing.Mode)
	assert.Equal(t, "blake3", cfg.Hash)
	assert.Equal(t, "/tmp/receipts.db", cfg.ReceiptLog.DSN)
	assert.Equal(t, archive.BackendFS, cfg.Archive.Backend)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	g, err := cfg.Guard()
	require.NoError(t, err)
	assert.Equal(t, timing.PolicyAbort, g.Policy)
	assert.Equal(t, 2*time.Millisecond, g.Tolerance)
}

func TestLoad_ReportsEveryBadVariable(t *testing.T) {
	t.Setenv("MUKERNEL_CAPACITY", "many")
	t.Setenv("MUKERNEL_BUDGET_WALL_TIME", "soon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MUKERNEL_CAPACITY")
	assert.Contains(t, err.Error(), "MUKERNEL_BUDGET_WALL_TIME")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero capacity", func(c *config.Config) { c.Capacity = 0 }, "capacity"},
		{"policy", func(c *config.Config) { c.Timing.Policy = "ignore" }, "violation policy"},
		{"hash", func(c *config.Config) { c.Hash = "md5" }, "md5"},
		{"signing", func(c *config.Config) { c.Signing.Mode = "tenant" }, "signing.mode"},
		{"driver", func(c *config.Config) { c.ReceiptLog.Driver = "kafka" }, "not supported"},
		{"dsn", func(c *config.Config) { c.ReceiptLog.Driver = config.LogDriverPostgres }, "dsn is required"},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }, "log_format"},
		{"log level", func(c *config.Config) { c.LogLevel = "LOUD" }, "log_level"},
		{"verifier kind", func(c *config.Config) { c.Escalation.Elevated.Verifiers = []string{"oracle"} }, "escalation.elevated"},
		{"jwt key", func(c *config.Config) { c.Escalation.System.Verifiers = []string{"jwt"} }, "jwt_secret or jwt_public_key"},
		{"jwt public key", func(c *config.Config) {
			c.Escalation.System = config.StepConfig{Verifiers: []string{"jwt"}, JWTPublicKey: "abcd"}
		}, "jwt_public_key"},
		{"cel policy missing", func(c *config.Config) { c.Escalation.Elevated.Verifiers = []string{"cel"} }, "requires policy"},
		{"cel policy invalid", func(c *config.Config) {
			c.Escalation.Elevated = config.StepConfig{Verifiers: []string{"cel"}, Policy: "justification.("}
		}, "compile policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	require.NoError(t, config.Default().Validate())
}

func TestLoadFile_OverlaysDefaultsThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mukernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capacity: 64
budget:
  cpu_cycles: 2000
  wall_time: 1s
timing:
  policy: abort
receipt_log:
  driver: redis
  dsn: localhost:6379
archive:
  backend: s3
  bucket: chains
`), 0o600))
	t.Setenv("MUKERNEL_CAPACITY", "8")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Capacity, "environment wins over the file")
	assert.Equal(t, quota.Usage{
		CPUCycles:   2000,
		MemoryBytes: 64 << 20,
		WallTimeNs:  uint64(time.Second),
		IOOps:       1000,
	}, cfg.DefaultBudget())
	assert.Equal(t, "abort", cfg.Timing.Policy)
	assert.Equal(t, config.LogDriverRedis, cfg.ReceiptLog.Driver)
	assert.Equal(t, archive.Config{Backend: archive.BackendS3, Bucket: "chains"}, cfg.Archive)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("capacty: 3\n"))
	require.Error(t, err)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestTransitions_FromFile(t *testing.T) {
	cfg, err := config.Parse([]byte(`
escalation:
  authenticated:
    verifiers: [jwt]
    jwt_secret: operator-hmac-secret
    jwt_issuer: mukernel-tests
  elevated:
    verifiers: [reason, cel]
    policy: 'has(justification.ticket) && justification.ticket.startsWith("CHG-")'
  system:
    verifiers: []
`))
	require.NoError(t, err)
	tr, err := cfg.Transitions()
	require.NoError(t, err)

	require.IsType(t, &authority.JWTVerifier{}, tr[authority.LevelAuthenticated])
	require.IsType(t, authority.Chain{}, tr[authority.LevelElevated])
	assert.NotContains(t, tr, authority.LevelSystem, "a step without verifiers is disabled")

	ctx := context.Background()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, authority.EscalationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent-7",
			Issuer:    "mukernel-tests",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Authority: "authenticated",
	}).SignedString([]byte("operator-hmac-secret"))
	require.NoError(t, err)

	login := authority.Request{AgentID: "agent-7", From: authority.LevelUnauthenticated, To: authority.LevelAuthenticated}
	login.Justification.Credential = token
	require.NoError(t, tr[authority.LevelAuthenticated].Verify(ctx, login))
	login.AgentID = "agent-8"
	assert.Error(t, tr[authority.LevelAuthenticated].Verify(ctx, login), "subject must be the agent")

	elevate := authority.Request{AgentID: "agent-7", From: authority.LevelAuthenticated, To: authority.LevelElevated}
	elevate.Justification = authority.Justification{Reason: "deploy", Attributes: map[string]any{"ticket": "CHG-12"}}
	require.NoError(t, tr[authority.LevelElevated].Verify(ctx, elevate))
	elevate.Justification.Attributes["ticket"] = "INC-3"
	assert.Error(t, tr[authority.LevelElevated].Verify(ctx, elevate))
	elevate.Justification = authority.Justification{Attributes: map[string]any{"ticket": "CHG-12"}}
	assert.Error(t, tr[authority.LevelElevated].Verify(ctx, elevate), "reason is still required")
}

func TestTransitions_EnvOverrides(t *testing.T) {
	t.Setenv("MUKERNEL_ESCALATION_SYSTEM_VERIFIERS", "cel")
	t.Setenv("MUKERNEL_ESCALATION_SYSTEM_POLICY", `to == "system" && agent_id == "root-agent"`)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"cel"}, cfg.Escalation.System.Verifiers)
	assert.Equal(t, []string{"reason"}, cfg.Escalation.Elevated.Verifiers)

	tr, err := cfg.Transitions()
	require.NoError(t, err)
	req := authority.Request{AgentID: "root-agent", From: authority.LevelElevated, To: authority.LevelSystem}
	require.NoError(t, tr[authority.LevelSystem].Verify(context.Background(), req))
}
