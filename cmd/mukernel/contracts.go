package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/sandbox"
)

func newContractsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Work with capability contract catalogs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Load and compile a contract catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContractsValidate(opts, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the contracts of the built-in catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := loadContracts("")
			if err != nil {
				return err
			}
			printContracts(opts, reg, nil)
			return nil
		},
	})
	return cmd
}

func runContractsValidate(opts *rootOptions, path string) error {
	reg, modules, err := loadContracts(path)
	if err == nil {
		err = checkModules(modules)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.stdout, "❌ %s: %v\n", path, err)
		return errFailed
	}
	_, _ = fmt.Fprintf(opts.stdout, "✅ %s: %d operations\n", path, len(reg.Operations()))
	printContracts(opts, reg, modules)
	return nil
}

// checkModules compiles every module against the run ABI.
func checkModules(modules []contract.Module) error {
	ctx := context.Background()
	var errs []error
	for _, m := range modules {
		wasm, err := os.ReadFile(m.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w, err := sandbox.NewWASMCapability(ctx, m.OperationID, wasm)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = w.Close(ctx)
	}
	return errors.Join(errs...)
}

func printContracts(opts *rootOptions, reg *contract.Registry, modules []contract.Module) {
	wasm := make(map[string]string, len(modules))
	for _, m := range modules {
		wasm[m.OperationID] = m.Path
	}
	for _, op := range reg.Operations() {
		line := fmt.Sprintf("  %s  [%s]", op, strings.Join(reg.Versions(op), ", "))
		if p, ok := wasm[op]; ok {
			line += "  wasm:" + p
		}
		_, _ = fmt.Fprintln(opts.stdout, line)
	}
}
