package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZebulonRouseFrantzich/keg/internal/binary"
	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/logging"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

const defaultJobs = 4

type installOptions struct {
	settings   settingsFlags
	jobs       int
	formulaDir string
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	opts := &installOptions{}

	cmd := &cobra.Command{
		Use:   "install <formula>...",
		Short: "Fetch, verify and install binaries",
		Long: `Install the binary each formula describes. A formula is a path to a formula
file, or a name or name@version looked up in --formula-dir.

Exit status is 0 when every install succeeds. Otherwise the first failing
formula, in argument order, decides: 1 fetch failed, 2 verification failed,
3 install failed, 4 invalid formula.`,
		Example: `  keg install ./formulas/subwasm.rb
  keg install --formula-dir ./formulas -j 8 subwasm ripgrep@14.1.0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, root, opts, args)
		},
	}

	opts.settings.register(cmd)
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", defaultJobs, "formulas installed in parallel")
	cmd.Flags().StringVar(&opts.formulaDir, "formula-dir", "", "directory to look formulas up by name")

	return cmd
}

func runInstall(cmd *cobra.Command, root *rootOptions, opts *installOptions, args []string) error {
	if opts.jobs < 1 {
		return invalidInput(fmt.Errorf("--jobs must be at least 1, got %d", opts.jobs))
	}

	settings, err := loadSettings(cmd, root, &opts.settings)
	if err != nil {
		return invalidInput(err)
	}

	cfg := settings.OrchestratorConfig()
	cfg.UserAgent = "keg/" + Version
	cfg.Logger = logging.FromZerolog(logging.GetLogger("install"))
	orch, err := binary.NewOrchestrator(cfg)
	if err != nil {
		return withStatus(binary.StatusInstallFailed, err)
	}

	ctx := cmd.Context()
	resolver := newFormulaResolver(formula.NewParser(platform.NewDetector()), opts.formulaDir)

	results := make([]*binary.InstallResult, len(args))
	manifests := make([]*formula.Manifest, len(args))
	for i, arg := range args {
		m, err := resolver.resolve(ctx, arg)
		if err != nil {
			results[i] = &binary.InstallResult{Status: binary.StatusInvalidManifest, Stage: binary.StatePending, Err: err}
			continue
		}
		manifests[i] = m
	}

	var g errgroup.Group
	g.SetLimit(opts.jobs)
	for i, m := range manifests {
		if m == nil {
			continue
		}
		g.Go(func() error {
			results[i] = orch.Install(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	return reportInstalls(cmd.OutOrStdout(), cmd.ErrOrStderr(), args, results)
}

// reportInstalls prints one line per formula and returns an error carrying
// the status of the first failure in argument order.
func reportInstalls(stdout, stderr io.Writer, args []string, results []*binary.InstallResult) error {
	var first *binary.InstallResult
	failed := 0

	for i, r := range results {
		if r.OK() {
			source := ""
			if r.FromCache {
				source = ", from cache"
			}
			fmt.Fprintf(stdout, "installed %s -> %s (sha256 %s%s)\n", r.Manifest.ID(), r.InstalledPath, r.Manifest.Digest, source)
			continue
		}

		failed++
		if first == nil {
			first = r
		}
		if r.Manifest == nil {
			fmt.Fprintf(stderr, "%s: %s: %v\n", args[i], r.Status, r.Err)
			continue
		}
		fmt.Fprintln(stderr, r.Error())
		if r.TxnID != "" {
			fmt.Fprintf(stderr, "  transaction: %s\n", r.TxnID)
		}
	}

	if first == nil {
		return nil
	}
	return withStatus(first.Status, fmt.Errorf("%d of %d installs failed", failed, len(results)))
}
