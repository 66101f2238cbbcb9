package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/keg/internal/config"
	"github.com/ZebulonRouseFrantzich/keg/internal/logging"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	verbosity    int
	settingsFile string
	envFiles     []string
}

// NewRootCmd builds the keg command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "keg",
		Short: "Install prebuilt binaries from verified formulas",
		Long: `keg installs single executables from release archives described by
formulas. Every archive is checked against the SHA-256 digest its formula
declares before anything is extracted, and binaries are swapped into place
atomically.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(opts.verbosity, cmd.ErrOrStderr())
			log.Debug().Str("command", cmd.Name()).Msg("command started")
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	rootCmd.PersistentFlags().StringVar(&opts.settingsFile, "config", "", "Lua settings file (default $XDG_CONFIG_HOME/keg/config.lua)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files with KEG_* overrides")

	rootCmd.AddCommand(
		newInstallCmd(opts),
		newVerifyCmd(),
		newLintCmd(),
		newRecoverCmd(opts),
		newShellenvCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// settingsFlags are the per-command overrides of config.Settings.
type settingsFlags struct {
	binDir   string
	cacheDir string
	noCache  bool
	stateDir string
	maxSize  string
	retries  int
	keyring  string
	timeout  string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.binDir, "bin-dir", "", "directory executables are installed into")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "artifact cache directory")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "disable the artifact cache")
	cmd.Flags().StringVar(&f.stateDir, "state-dir", "", "directory for install journals and locks")
	cmd.Flags().StringVar(&f.maxSize, "max-size", "", "maximum artifact size, e.g. 256M")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "fetch attempts per artifact")
	cmd.Flags().StringVar(&f.keyring, "keyring", "", "OpenPGP keyring for signed formulas")
	cmd.Flags().StringVar(&f.timeout, "timeout", "", "per-request timeout, e.g. 90s")
	cmd.MarkFlagsMutuallyExclusive("cache-dir", "no-cache")
}

// apply overlays the flags the user actually set.
func (f *settingsFlags) apply(cmd *cobra.Command, s *config.Settings) error {
	flags := cmd.Flags()
	env := map[string]string{}
	set := func(name, key, value string) {
		if flags.Changed(name) {
			env[key] = value
		}
	}
	set("bin-dir", config.EnvBinDir, f.binDir)
	set("cache-dir", config.EnvCacheDir, f.cacheDir)
	set("state-dir", config.EnvStateDir, f.stateDir)
	set("max-size", config.EnvMaxSize, f.maxSize)
	set("keyring", config.EnvKeyring, f.keyring)
	set("timeout", config.EnvTimeout, f.timeout)
	set("retries", config.EnvRetries, fmt.Sprint(f.retries))
	if f.noCache {
		env[config.EnvNoCache] = "true"
	}

	if err := config.ApplyEnv(s, env); err != nil {
		return fmt.Errorf("invalid flag: %w", err)
	}
	return nil
}

// loadSettings resolves settings from defaults, the settings file, the
// environment and finally the command's flags.
func loadSettings(cmd *cobra.Command, opts *rootOptions, flags *settingsFlags) (*config.Settings, error) {
	s, err := config.Load(cmd.Context(), config.LoadOptions{
		SettingsFile: opts.settingsFile,
		DotEnvFiles:  opts.envFiles,
		Detector:     platform.NewDetector(),
		Logger:       logging.FromZerolog(logging.GetLogger("config")),
	})
	if err != nil {
		return nil, err
	}
	if flags != nil {
		if err := flags.apply(cmd, s); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keg %s\n", Version)
		},
	}
}
