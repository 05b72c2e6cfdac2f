package contract

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/mukernel/pkg/quota"
)

// Guard is a declared resource guard, e.g. "write quota <= 1 MiB":
//
//	name: write-cap
//	expr: usage.io_ops <= 16u && output_bytes <= 1048576
//
// Variables: usage and reserved (maps keyed by dimension name),
// input_bytes, output_bytes. Usage values are uint, so literals compared
// against them take the u suffix.
type Guard struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// GuardInput is what guards are evaluated against.
type GuardInput struct {
	Usage       quota.Usage
	Reserved    quota.Usage
	InputBytes  int
	OutputBytes int
}

type compiledGuard struct {
	Guard
	prg cel.Program
}

var guardEnv *cel.Env

func init() {
	var err error
	guardEnv, err = cel.NewEnv(
		cel.Variable("usage", cel.MapType(cel.StringType, cel.UintType)),
		cel.Variable("reserved", cel.MapType(cel.StringType, cel.UintType)),
		cel.Variable("input_bytes", cel.IntType),
		cel.Variable("output_bytes", cel.IntType),
	)
	if err != nil {
		panic("contract: CEL environment initialization failed: " + err.Error())
	}
}

func compileGuard(g Guard) (compiledGuard, error) {
	if g.Name == "" {
		return compiledGuard{}, fmt.Errorf("guard with expr %q has no name", g.Expr)
	}
	ast, issues := guardEnv.Compile(g.Expr)
	if issues != nil && issues.Err() != nil {
		return compiledGuard{}, fmt.Errorf("guard %s: %w", g.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return compiledGuard{}, fmt.Errorf("guard %s: must return bool, got %s", g.Name, ast.OutputType())
	}
	prg, err := guardEnv.Program(ast)
	if err != nil {
		return compiledGuard{}, fmt.Errorf("guard %s: %w", g.Name, err)
	}
	return compiledGuard{Guard: g, prg: prg}, nil
}

func usageMap(u quota.Usage) map[string]uint64 {
	m := make(map[string]uint64, len(quota.Dimensions))
	for _, d := range quota.Dimensions {
		m[string(d)] = u.Get(d)
	}
	return m
}

func (g compiledGuard) check(ctx context.Context, op string, in GuardInput) error {
	out, _, err := g.prg.ContextEval(ctx, map[string]any{
		"usage":        usageMap(in.Usage),
		"reserved":     usageMap(in.Reserved),
		"input_bytes":  int64(in.InputBytes),
		"output_bytes": int64(in.OutputBytes),
	})
	if err != nil {
		return &quota.QuotaError{Kind: quota.KindGuardViolated, Message: fmt.Sprintf("%s guard %s: eval: %v", op, g.Name, err)}
	}
	if ok, _ := out.Value().(bool); !ok {
		return &quota.QuotaError{Kind: quota.KindGuardViolated, Message: fmt.Sprintf("%s guard %s: %s", op, g.Name, g.Expr)}
	}
	return nil
}
