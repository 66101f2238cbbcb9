package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/ZebulonRouseFrantzich/keg/internal/binary"
)

// appName is the directory name used under the XDG base directories.
const appName = "keg"

// Settings holds everything the CLI needs to build an orchestrator.
type Settings struct {
	// BinDir is where executables are installed
	BinDir string
	// CacheDir holds verified artifacts; empty disables the cache
	CacheDir string
	// StateDir holds install journals and target locks
	StateDir string
	// StagingDir is the parent of per-operation staging dirs
	StagingDir string
	// KeyringPath is the OpenPGP keyring for signed formulas
	KeyringPath string

	MaxArtifactSize int64
	Retries         int
	Timeout         time.Duration
}

// Default returns settings rooted in the user's XDG directories.
func Default() *Settings {
	return &Settings{
		BinDir:          xdg.BinHome,
		CacheDir:        filepath.Join(xdg.CacheHome, appName, "downloads"),
		StateDir:        filepath.Join(xdg.StateHome, appName),
		StagingDir:      os.TempDir(),
		MaxArtifactSize: binary.DefaultMaxArtifactSize,
		Retries:         binary.DefaultRetries,
		Timeout:         binary.DefaultTimeout,
	}
}

// OrchestratorConfig maps the settings onto an orchestrator configuration.
func (s *Settings) OrchestratorConfig() binary.Config {
	return binary.Config{
		BinDir:          s.BinDir,
		StagingDir:      s.StagingDir,
		CacheDir:        s.CacheDir,
		StateDir:        s.StateDir,
		KeyringPath:     s.KeyringPath,
		MaxArtifactSize: s.MaxArtifactSize,
		Retries:         s.Retries,
		Timeout:         s.Timeout,
	}
}

// Validate checks that every directory is absolute and limits are positive.
// Empty CacheDir and KeyringPath are allowed.
func (s *Settings) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"bin_dir", s.BinDir},
		{"state_dir", s.StateDir},
		{"staging_dir", s.StagingDir},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Message: "cannot be empty"}
		}
		if !filepath.IsAbs(r.value) {
			return &ValidationError{Field: r.field, Message: fmt.Sprintf("must be an absolute path, got %q", r.value)}
		}
	}

	optional := []struct {
		field string
		value string
	}{
		{"cache_dir", s.CacheDir},
		{"keyring", s.KeyringPath},
	}
	for _, o := range optional {
		if o.value != "" && !filepath.IsAbs(o.value) {
			return &ValidationError{Field: o.field, Message: fmt.Sprintf("must be an absolute path, got %q", o.value)}
		}
	}

	if s.MaxArtifactSize <= 0 {
		return &ValidationError{Field: "max_artifact_size", Message: "must be positive"}
	}
	if s.Retries <= 0 {
		return &ValidationError{Field: "retries", Message: "must be positive"}
	}
	if s.Timeout <= 0 {
		return &ValidationError{Field: "timeout", Message: "must be positive"}
	}
	return nil
}

// ValidationError represents a settings validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "settings validation failed for " + e.Field + ": " + e.Message
	}
	return "settings validation failed: " + e.Message
}

// expandPath expands a leading ~/ and cleans the result. Relative paths
// are left relative so Validate can reject them.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}
