package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/mukernel/pkg/archive"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

type verifyReport struct {
	Verified  bool   `json:"verified"`
	Receipts  int    `json:"receipts"`
	SessionID string `json:"session_id,omitempty"`
	// Signatures is false when no public key was given and only hashes
	// and linkage were checked.
	Signatures bool   `json:"signatures"`
	Code       string `json:"code,omitempty"`
	Index      *int   `json:"index,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		chainFile string
		pubkey    string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate a receipt chain file",
		Long: `Validate a receipt chain: every self-hash, every parent link, sequence
contiguity and, with --pubkey, every signature.

The file is either a JSON array of receipts or a sealed archive segment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if chainFile == "" {
				return errors.New("--chain is required")
			}
			return runVerify(opts, chainFile, pubkey, jsonOut)
		},
	}
	cmd.Flags().StringVar(&chainFile, "chain", "", "chain file (REQUIRED)")
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "hex Ed25519 public key of the signer")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}

func runVerify(opts *rootOptions, path, pubkey string, jsonOut bool) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("read chain: %w", err)
	}
	chain, err := readChain(data)
	if err != nil {
		return err
	}

	var keys receipt.KeyResolver
	if pubkey != "" {
		pub, err := crypto.ParsePublicKey(pubkey)
		if err != nil {
			return fmt.Errorf("--pubkey: %w", err)
		}
		keys = receipt.StaticKey(pub)
	}

	rep := verifyReport{Receipts: len(chain), Signatures: keys != nil}
	if len(chain) > 0 {
		rep.SessionID = chain[0].SessionID
	}
	if err := receipt.ValidateChain(chain, keys); err != nil {
		rep.Reason = err.Error()
		var ce *receipt.ChainError
		if errors.As(err, &ce) {
			rep.Code = ce.Code
			rep.Index = &ce.Index
		}
	} else {
		rep.Verified = true
	}

	if jsonOut {
		enc := json.NewEncoder(opts.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printVerify(opts, rep)
	}
	if !rep.Verified {
		return errFailed
	}
	return nil
}

// readChain decodes a JSON chain or an archive segment.
func readChain(data []byte) ([]*receipt.Receipt, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		chain, err := receipt.UnmarshalChainJSON(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode chain: %w", err)
		}
		return chain, nil
	}
	return archive.Decode(data)
}

func printVerify(opts *rootOptions, rep verifyReport) {
	w := opts.stdout
	if rep.Verified {
		_, _ = fmt.Fprintf(w, "✅ chain verified: %d receipts, session %s\n", rep.Receipts, rep.SessionID)
		if !rep.Signatures {
			_, _ = fmt.Fprintln(w, "   signatures not checked (no --pubkey)")
		}
		return
	}
	_, _ = fmt.Fprintf(w, "❌ chain invalid: %s\n", rep.Reason)
}
