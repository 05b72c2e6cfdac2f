// Package contract holds the capability contracts the kernel consumes:
// per operation, the accepted input shape, the resources to reserve, the
// resource guards checked after execution, the timing-bound class and the
// authority required to invoke it.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

var (
	ErrUnknownOperation = errors.New("contract: unknown operation")
	ErrInvalidInput     = errors.New("contract: input rejected by schema")
)

// Contract is the declared execution contract of one operation version.
type Contract struct {
	OperationID       string          `yaml:"operation_id" json:"operation_id"`
	Version           string          `yaml:"version" json:"version"`
	Description       string          `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredAuthority authority.Level `yaml:"required_authority" json:"required_authority"`
	// InputSchema is a JSON Schema (draft 2020-12) document. Empty accepts
	// any input, including non-JSON bytes.
	InputSchema string `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	// MaxInputBytes rejects larger inputs before anything is reserved.
	// Zero is unlimited.
	MaxInputBytes uint64       `yaml:"max_input_bytes,omitempty" json:"max_input_bytes,omitempty"`
	Reserve       quota.Usage  `yaml:"reserve" json:"reserve"`
	Guards        []Guard      `yaml:"guards,omitempty" json:"guards,omitempty"`
	TimingClass   timing.Class `yaml:"timing_class" json:"timing_class"`
}

// InputError reports input that does not match the contract's schema.
type InputError struct {
	OperationID string
	Err         error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("contract %s: invalid input: %v", e.OperationID, e.Err)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }
func (e *InputError) Unwrap() error        { return e.Err }

// Compiled is a contract ready for use on the hot path.
type Compiled struct {
	Contract
	SemVer *semver.Version
	// Bound is the resolved maximum duration of TimingClass; zero is unbounded.
	Bound  time.Duration
	schema *jsonschema.Schema
	guards []compiledGuard
}

// Compile validates c and prepares its schema and guards. bounds maps
// timing classes to durations; a class missing from bounds is an error
// unless the class is empty.
func Compile(c Contract, bounds map[timing.Class]time.Duration) (*Compiled, error) {
	c.OperationID = strings.TrimSpace(c.OperationID)
	if c.OperationID == "" {
		return nil, errors.New("contract: operation_id required")
	}
	if strings.ContainsAny(c.OperationID, "@ ") {
		return nil, fmt.Errorf("contract: operation_id %q must not contain '@' or spaces", c.OperationID)
	}
	if c.Version == "" {
		c.Version = "0.0.0"
	}
	v, err := semver.StrictNewVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("contract %s: version %q: %w", c.OperationID, c.Version, err)
	}
	if !c.RequiredAuthority.Valid() {
		return nil, fmt.Errorf("contract %s: invalid required authority", c.OperationID)
	}

	out := &Compiled{Contract: c, SemVer: v}
	if c.TimingClass != "" {
		b, ok := bounds[c.TimingClass]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown timing class %q", c.OperationID, c.TimingClass)
		}
		out.Bound = b
	}

	if strings.TrimSpace(c.InputSchema) != "" {
		comp := jsonschema.NewCompiler()
		comp.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://mukernel.local/contracts/%s/%s.schema.json", c.OperationID, c.Version)
		if err := comp.AddResource(url, strings.NewReader(c.InputSchema)); err != nil {
			return nil, fmt.Errorf("contract %s: schema load failed: %w", c.OperationID, err)
		}
		s, err := comp.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("contract %s: schema compile failed: %w", c.OperationID, err)
		}
		out.schema = s
	}

	for _, g := range c.Guards {
		cg, err := compileGuard(g)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.OperationID, err)
		}
		out.guards = append(out.guards, cg)
	}
	return out, nil
}

// Ref is "operation_id@version".
func (c *Compiled) Ref() string {
	return c.OperationID + "@" + c.SemVer.String()
}

// ValidateInput checks input against the size limit and the schema.
func (c *Compiled) ValidateInput(input []byte) error {
	if c.MaxInputBytes > 0 && uint64(len(input)) > c.MaxInputBytes {
		return &InputError{OperationID: c.OperationID,
			Err: fmt.Errorf("%d bytes exceeds max_input_bytes %d", len(input), c.MaxInputBytes)}
	}
	if c.schema == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &InputError{OperationID: c.OperationID, Err: fmt.Errorf("not JSON: %w", err)}
	}
	if dec.More() {
		return &InputError{OperationID: c.OperationID, Err: errors.New("trailing data after JSON value")}
	}
	if err := c.schema.Validate(doc); err != nil {
		return &InputError{OperationID: c.OperationID, Err: err}
	}
	return nil
}

// CheckGuards evaluates every resource guard against the measured usage.
// The first failing guard is reported as a GUARD_VIOLATED QuotaError.
func (c *Compiled) CheckGuards(ctx context.Context, in GuardInput) error {
	for _, g := range c.guards {
		if err := g.check(ctx, c.OperationID, in); err != nil {
			return err
		}
	}
	return nil
}
