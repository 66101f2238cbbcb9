// Package testutil provides utilities for testing keg in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Dirs are the isolated directories SetupTestEnv points keg at.
type Dirs struct {
	Root    string
	Bin     string
	Cache   string
	State   string
	Staging string
}

// SetupTestEnv creates isolated directories for one test and points every
// KEG_* directory variable at them, so tests never touch the user's real
// bin, cache or state directories. Other KEG_* variables that could change
// behaviour are cleared.
//
// Cleanup is handled by t.TempDir and t.Setenv.
func SetupTestEnv(t *testing.T) Dirs {
	t.Helper()

	root := t.TempDir()
	dirs := Dirs{
		Root:    root,
		Bin:     filepath.Join(root, "bin"),
		Cache:   filepath.Join(root, "cache"),
		State:   filepath.Join(root, "state"),
		Staging: filepath.Join(root, "staging"),
	}

	t.Setenv("KEG_BIN_DIR", dirs.Bin)
	t.Setenv("KEG_CACHE_DIR", dirs.Cache)
	t.Setenv("KEG_STATE_DIR", dirs.State)
	t.Setenv("KEG_STAGING_DIR", dirs.Staging)
	for _, name := range []string{"KEG_KEYRING", "KEG_MAX_ARTIFACT_SIZE", "KEG_RETRIES", "KEG_TIMEOUT", "KEG_NO_CACHE"} {
		t.Setenv(name, "")
	}

	for _, dir := range []string{dirs.Bin, dirs.Cache, dirs.State, dirs.Staging} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}

	return dirs
}
