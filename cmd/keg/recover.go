package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/keg/internal/binary"
	"github.com/ZebulonRouseFrantzich/keg/internal/config"
	"github.com/ZebulonRouseFrantzich/keg/internal/transaction"
)

type recoverOptions struct {
	stateDir   string
	staleAfter time.Duration
}

func newRecoverCmd(root *rootOptions) *cobra.Command {
	opts := &recoverOptions{}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Clean up after interrupted installs",
		Long: `Remove the staging directories, temporary files and lock files left behind by
install operations whose process died. Operations that are still running are
reported and left alone. Installed binaries are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.stateDir, "state-dir", "", "directory holding install journals and locks")
	cmd.Flags().DurationVar(&opts.staleAfter, "stale-after", transaction.DefaultStaleAfter, "treat journals not updated for this long as abandoned")

	return cmd
}

func runRecover(cmd *cobra.Command, root *rootOptions, opts *recoverOptions) error {
	settings, err := loadSettings(cmd, root, nil)
	if err != nil {
		return invalidInput(err)
	}
	if cmd.Flags().Changed("state-dir") {
		if err := config.ApplyEnv(settings, map[string]string{config.EnvStateDir: opts.stateDir}); err != nil {
			return invalidInput(err)
		}
		if err := settings.Validate(); err != nil {
			return invalidInput(err)
		}
	}

	report, err := transaction.Recover(cmd.Context(), settings.StateDir, opts.staleAfter)
	if report != nil {
		printRecoverReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return withStatus(binary.StatusInstallFailed, fmt.Errorf("recover: %w", err))
	}
	return nil
}

func printRecoverReport(w io.Writer, report *transaction.RecoverReport) {
	for _, txn := range report.Recovered {
		fmt.Fprintf(w, "recovered %s (%s, stopped at %s)\n", txn.ID, txn.Formula, txn.Stage)
	}
	for _, txn := range report.Active {
		fmt.Fprintf(w, "running   %s (%s, pid %d, %s)\n", txn.ID, txn.Formula, txn.PID, txn.Stage)
	}
	for _, path := range report.Removed {
		fmt.Fprintf(w, "removed   %s\n", path)
	}
	for _, path := range report.Corrupt {
		fmt.Fprintf(w, "corrupt   %s (deleted)\n", path)
	}
	if len(report.Recovered)+len(report.Active)+len(report.Removed)+len(report.Corrupt) == 0 {
		fmt.Fprintln(w, "nothing to recover")
	}
}
