// Package replay re-executes a session's receipt chain and reports the
// first step whose output differs from what was recorded.
//
// A run can be reconstructed from its receipts plus the original inputs:
// given identical inputs, authority and clock readings, every capability
// must reproduce the recorded output hash. Divergence stops the replay
// with a diagnostic.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mukernel/pkg/kernel"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
)

// Step is one replayed receipt.
type Step struct {
	Sequence    uint64        `json:"sequence"`
	ReceiptID   string        `json:"receipt_id"`
	OperationID string        `json:"operation_id"`
	InputHash   string        `json:"input_hash"`
	OutputHash  string        `json:"output_hash"`
	Skipped     bool          `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Status is the result of a replay.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusDiverged Status = "DIVERGED"
	StatusFailed   Status = "FAILED"
)

// Report tracks one replay of one chain.
type Report struct {
	ReplayID  string `json:"replay_id"`
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
	// TotalSteps is the chain length.
	TotalSteps    int `json:"total_steps"`
	ReplayedSteps int `json:"replayed_steps"`
	// DivergenceIndex is the chain index that failed or diverged, -1 when
	// the replay completed.
	DivergenceIndex int       `json:"divergence_index"`
	DivergenceInfo  string    `json:"divergence_info,omitempty"`
	OriginalHash    string    `json:"original_hash"`
	ReplayHash      string    `json:"replay_hash,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Steps           []Step    `json:"steps"`
}

// Executor re-executes the operation recorded in one receipt. It returns a
// *kernel.DeterminismError when the output differs.
type Executor interface {
	Reexecute(ctx context.Context, r *receipt.Receipt, input []byte) error
}

// Inputs maps receipt hashes to the original operation inputs.
type Inputs map[string][]byte

// Engine replays chains.
type Engine struct {
	mu       sync.Mutex
	executor Executor
	keys     receipt.KeyResolver
	reports  map[string]*Report
	clock    func() time.Time
}

// NewEngine replays through executor. keys verifies chain signatures
// before anything is executed; nil checks structure and hashes only.
func NewEngine(executor Executor, keys receipt.KeyResolver) *Engine {
	return &Engine{
		executor: executor,
		keys:     keys,
		reports:  make(map[string]*Report),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Run validates chain and re-executes every operation receipt in order.
// Session close receipts carry no operation and are skipped. An invalid
// chain or a missing input is FAILED; a mismatching output is DIVERGED.
func (e *Engine) Run(ctx context.Context, chain []*receipt.Receipt, inputs Inputs) (*Report, error) {
	if len(chain) == 0 {
		return nil, errors.New("replay: empty chain")
	}
	originalHash, err := hashOutputs(chain)
	if err != nil {
		return nil, fmt.Errorf("replay: hash original outputs: %w", err)
	}

	started := e.clock()
	rep := &Report{
		ReplayID:        "replay-" + uuid.NewString(),
		SessionID:       chain[0].SessionID,
		Status:          StatusRunning,
		TotalSteps:      len(chain),
		DivergenceIndex: -1,
		OriginalHash:    originalHash,
		StartedAt:       started,
		Steps:           make([]Step, 0, len(chain)),
	}
	stop := func(status Status, i int, info string) (*Report, error) {
		rep.Status = status
		rep.DivergenceIndex = i
		rep.DivergenceInfo = info
		rep.CompletedAt = e.clock()
		e.store(rep)
		return rep, nil
	}

	if err := receipt.ValidateChain(chain, e.keys); err != nil {
		var ce *receipt.ChainError
		idx := 0
		if errors.As(err, &ce) {
			idx = ce.Index
		}
		return stop(StatusFailed, idx, fmt.Sprintf("chain invalid: %v", err))
	}

	for i, r := range chain {
		step := Step{
			Sequence:    r.Sequence,
			ReceiptID:   r.ReceiptID,
			OperationID: r.OperationID,
			InputHash:   r.InputHash,
			OutputHash:  r.OutputHash,
		}
		if r.OperationID == kernel.CloseOperationID {
			step.Skipped = true
			rep.Steps = append(rep.Steps, step)
			rep.ReplayedSteps = i + 1
			continue
		}

		input, ok := inputs[r.Hash]
		if !ok {
			return stop(StatusFailed, i, fmt.Sprintf("no input recorded for step %d (seq %d)", i, r.Sequence))
		}

		t0 := e.clock()
		err := e.executor.Reexecute(ctx, r, input)
		step.Duration = e.clock().Sub(t0)

		var de *kernel.DeterminismError
		if errors.As(err, &de) {
			step.OutputHash = de.Actual
		}
		rep.Steps = append(rep.Steps, step)
		rep.ReplayedSteps = i + 1

		switch {
		case de != nil:
			return stop(StatusDiverged, i, fmt.Sprintf("output diverged at step %d: expected %s, got %s", i, de.Expected, de.Actual))
		case err != nil:
			return stop(StatusFailed, i, fmt.Sprintf("execution failed at step %d: %v", i, err))
		}
	}

	replayHash, err := hashSteps(rep.Steps)
	if err != nil {
		return stop(StatusFailed, -1, fmt.Sprintf("hash replay outputs: %v", err))
	}
	rep.ReplayHash = replayHash
	rep.Status = StatusComplete
	rep.CompletedAt = e.clock()
	e.store(rep)
	return rep, nil
}

// store publishes a finished report. Reports are not modified afterwards.
func (e *Engine) store(rep *Report) {
	e.mu.Lock()
	e.reports[rep.ReplayID] = rep
	e.mu.Unlock()
}

// RunSession reads the chain of sessionID from log and replays it.
func (e *Engine) RunSession(ctx context.Context, log receiptlog.Reader, sessionID string, inputs Inputs) (*Report, error) {
	chain, err := log.Chain(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay: read chain %s: %w", sessionID, err)
	}
	return e.Run(ctx, chain, inputs)
}

// Report returns a finished replay by id.
func (e *Engine) Report(replayID string) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reports[replayID]
	if !ok {
		return nil, fmt.Errorf("replay %q not found", replayID)
	}
	return r, nil
}

// Verified reports whether rep replayed every step without divergence.
func Verified(rep *Report) bool {
	return rep.Status == StatusComplete && rep.ReplayedSteps == rep.TotalSteps
}

func hashOutputs(chain []*receipt.Receipt) (string, error) {
	hashes := make([]string, len(chain))
	for i, r := range chain {
		hashes[i] = r.OutputHash
	}
	return hashList(hashes)
}

func hashSteps(steps []Step) (string, error) {
	hashes := make([]string, len(steps))
	for i, s := range steps {
		hashes[i] = s.OutputHash
	}
	return hashList(hashes)
}

func hashList(hashes []string) (string, error) {
	data, err := json.Marshal(hashes)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
