package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/keg/internal/binary"
	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

type verifyOptions struct {
	formulaDir string
	signature  string
	keyring    string
}

func newVerifyCmd() *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <formula> <archive>",
		Short: "Check a local archive against a formula's digest",
		Long: `Hash a local archive and compare it with the SHA-256 digest the formula
declares. Nothing is installed.

Exit status is 0 on a match, 2 on a mismatch or unreadable archive and 4
when the formula is invalid.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.formulaDir, "formula-dir", "", "directory to look formulas up by name")
	cmd.Flags().StringVar(&opts.signature, "signature", "", "detached OpenPGP signature of the archive")
	cmd.Flags().StringVar(&opts.keyring, "keyring", "", "OpenPGP keyring to check --signature against")
	cmd.MarkFlagsRequiredTogether("signature", "keyring")

	return cmd
}

func runVerify(cmd *cobra.Command, opts *verifyOptions, arg, archive string) error {
	ctx := cmd.Context()

	m, err := newFormulaResolver(formula.NewParser(platform.NewDetector()), opts.formulaDir).resolve(ctx, arg)
	if err != nil {
		return invalidInput(err)
	}

	verifier := binary.NewVerifier()
	if err := verifier.Verify(ctx, archive, m.Digest); err != nil {
		var verr *binary.VerificationError
		if errors.As(err, &verr) {
			return withStatus(binary.StatusVerificationFailed, fmt.Errorf("%s: %w", m.ID(), err))
		}
		return withStatus(binary.StatusVerificationFailed, fmt.Errorf("%s: cannot hash %s: %w", m.ID(), archive, err))
	}

	if opts.signature != "" {
		if err := verifier.VerifySignature(archive, opts.signature, opts.keyring); err != nil {
			return withStatus(binary.StatusVerificationFailed, fmt.Errorf("%s: %w", m.ID(), err))
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok %s %s (sha256 %s)\n", m.ID(), archive, m.Digest)
	return nil
}
