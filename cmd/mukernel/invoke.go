package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/kernel"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

type invokeOptions struct {
	agent      string
	input      string
	inputFile  string
	level      string
	reason     string
	credential string
	attrs      []string
}

type invokeReport struct {
	SessionID string             `json:"session_id,omitempty"`
	Authority string             `json:"authority"`
	Output    string             `json:"output,omitempty"`
	Degraded  bool               `json:"degraded,omitempty"`
	Usage     *quota.Usage       `json:"usage,omitempty"`
	Code      string             `json:"code,omitempty"`
	Error     string             `json:"error,omitempty"`
	Chain     []*receipt.Receipt `json:"chain,omitempty"`
}

func newInvokeCommand(opts *rootOptions) *cobra.Command {
	iopts := &invokeOptions{}
	cmd := &cobra.Command{
		Use:   "invoke <operation>",
		Short: "Run one operation in a fresh session and print its receipts",
		Long: `Open a session, escalate it to --authority one level at a time with the
given justification, invoke the operation once, close the session and print
the output and receipt chain as JSON.

  mukernel invoke builtin.echo --input '{"msg":"hi"}'
  mukernel invoke builtin.counter --input '{"n":1}' --authority authenticated --credential "$TOKEN"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runInvoke(ctx, opts, iopts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&iopts.agent, "agent", "cli", "agent id of the session")
	f.StringVar(&iopts.input, "input", "", "operation input")
	f.StringVar(&iopts.inputFile, "input-file", "", "read the operation input from a file")
	f.StringVar(&iopts.level, "authority", "unauthenticated", "authority to escalate to before invoking")
	f.StringVar(&iopts.reason, "reason", "requested from the command line", "justification reason")
	f.StringVar(&iopts.credential, "credential", "", "justification credential, e.g. a signed JWT")
	f.StringArrayVar(&iopts.attrs, "attr", nil, "justification attribute key=value (repeatable)")
	return cmd
}

func (o *invokeOptions) justification() (authority.Justification, error) {
	j := authority.Justification{Reason: o.reason, Credential: o.credential}
	for _, kv := range o.attrs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return j, fmt.Errorf("--attr %q: want key=value", kv)
		}
		if j.Attributes == nil {
			j.Attributes = map[string]any{}
		}
		j.Attributes[k] = v
	}
	return j, nil
}

func (o *invokeOptions) payload() ([]byte, error) {
	if o.inputFile != "" {
		if o.input != "" {
			return nil, errors.New("--input and --input-file are exclusive")
		}
		return os.ReadFile(o.inputFile)
	}
	return []byte(o.input), nil
}

func runInvoke(ctx context.Context, opts *rootOptions, iopts *invokeOptions, operationID string) error {
	target, err := authority.ParseLevel(iopts.level)
	if err != nil {
		return err
	}
	j, err := iopts.justification()
	if err != nil {
		return err
	}
	input, err := iopts.payload()
	if err != nil {
		return err
	}
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	k := rt.kernel
	h, err := k.OpenSession(ctx, iopts.agent)
	if err != nil {
		return err
	}
	rep := invokeReport{Authority: authority.LevelUnauthenticated.String()}
	if snap, err := k.Snapshot(h); err == nil {
		rep.SessionID = snap.ID
	}

	fail := func(err error) error {
		rep.Code = kernel.Kind(err)
		rep.Error = err.Error()
		return errFailed
	}
	err = func() error {
		for lvl := authority.LevelUnauthenticated; lvl < target; {
			next, _ := lvl.Next()
			got, err := k.Escalate(ctx, h, next, j)
			if err != nil {
				return fail(err)
			}
			lvl = got
			rep.Authority = got.String()
		}
		res, err := k.Invoke(ctx, h, operationID, input)
		if err != nil {
			return fail(err)
		}
		rep.Output = string(res.Output)
		rep.Degraded = res.Degraded
		rep.Usage = &res.Usage
		if _, err := k.CloseSession(ctx, h); err != nil {
			return fail(err)
		}
		return nil
	}()
	if rep.SessionID != "" {
		// A fatal error already closed the session; otherwise close it now.
		if _, serr := k.Snapshot(h); serr == nil {
			_, _ = k.CloseSession(ctx, h)
		}
		rep.Chain, _ = rt.log.Chain(ctx, rep.SessionID)
	}

	enc := json.NewEncoder(opts.stdout)
	enc.SetIndent("", "  ")
	if eerr := enc.Encode(rep); eerr != nil {
		return eerr
	}
	return err
}
