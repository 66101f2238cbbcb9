package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file-or-dir>...",
		Short: "Parse formulas and check for conflicting duplicates",
		Long: `Parse every formula file given, or every formula file directly inside each
directory given, and report the ones that fail validation. Two formulas for
the same name and version must declare the same digest.

Exit status is 0 when everything is valid and 4 otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(cmd, args)
		},
	}
}

func runLint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	parser := formula.NewParser(platform.NewDetector())
	all := formula.NewCollection()
	var problems []error

	add := func(m *formula.Manifest) {
		if err := all.Add(m); err != nil {
			problems = append(problems, err)
		}
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			problems = append(problems, err)
			continue
		}

		if !info.IsDir() {
			m, err := parser.ParseFile(ctx, arg)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			add(m)
			continue
		}

		c, err := parser.LoadDir(ctx, arg)
		if err != nil {
			problems = append(problems, flatten(err)...)
		}
		if c != nil {
			for _, m := range c.All() {
				add(m)
			}
		}
	}

	printLint(cmd.OutOrStdout(), cmd.ErrOrStderr(), all, problems)
	if len(problems) > 0 {
		return invalidInput(fmt.Errorf("%d problem(s) in %d formula source(s)", len(problems), len(args)))
	}
	return nil
}

func printLint(stdout, stderr io.Writer, c *formula.Collection, problems []error) {
	for _, m := range c.All() {
		fmt.Fprintf(stdout, "ok %s (%s)\n", m.ID(), m.Source)
	}
	for _, p := range problems {
		fmt.Fprintf(stderr, "error: %v\n", p)
	}
}

// flatten splits an errors.Join result into its parts.
func flatten(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}
