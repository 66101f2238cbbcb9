package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/keg/internal/shell"
)

func newShellenvCmd(root *rootOptions) *cobra.Command {
	var binDir string

	cmd := &cobra.Command{
		Use:   "shellenv [bash|zsh|fish]",
		Short: "Print shell code that puts the bin dir on PATH",
		Long: `Print shell code that prepends keg's bin directory to PATH. Add one of
these to your shell configuration:

  eval "$(keg shellenv bash)"
  eval "$(keg shellenv zsh)"
  keg shellenv fish | source

Without an argument the shell is detected from $SHELL or the parent process.`,
		ValidArgs: []string{"bash", "zsh", "fish"},
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, root, nil)
			if err != nil {
				return invalidInput(err)
			}
			if cmd.Flags().Changed("bin-dir") {
				settings.BinDir = binDir
			}

			var sh shell.ShellType
			if len(args) == 1 {
				sh = shell.ParseShell(args[0])
			} else {
				sh = shell.DetectShell(cmd.Context()).Shell
			}
			if sh == shell.ShellUnknown {
				return invalidInput(fmt.Errorf("could not detect your shell; name one of bash, zsh, fish"))
			}

			snippet, err := shell.PathSnippet(sh, settings.BinDir)
			if err != nil {
				return invalidInput(err)
			}
			fmt.Fprint(cmd.OutOrStdout(), snippet)
			return nil
		},
	}

	cmd.Flags().StringVar(&binDir, "bin-dir", "", "directory to put on PATH")
	return cmd
}
