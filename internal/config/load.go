package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/ZebulonRouseFrantzich/keg/internal/logging"
	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

// DefaultSettingsFile returns $XDG_CONFIG_HOME/keg/config.lua.
func DefaultSettingsFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.lua")
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// SettingsFile is an explicit Lua settings file; it must exist when set.
	// When empty, DefaultSettingsFile is read if present.
	SettingsFile string
	// DotEnvFiles are read in order before the process environment.
	DotEnvFiles []string
	Detector    platform.Detector
	Logger      logging.Logger
}

// Load builds settings from defaults, the Lua settings file and KEG_*
// variables, in that order. The result is not validated so callers can apply
// flags first.
func Load(ctx context.Context, opts LoadOptions) (*Settings, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	settings := Default()

	path := opts.SettingsFile
	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile()
	}

	if _, err := os.Stat(path); err == nil {
		parsed, err := NewParser(opts.Detector).ParseFile(ctx, path, settings)
		if err != nil {
			return nil, fmt.Errorf("settings file %s: %w", path, err)
		}
		settings = parsed
		logger.Debug("loaded settings file", "path", path)
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}

	env, err := Environ(opts.DotEnvFiles...)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(settings, env); err != nil {
		return nil, err
	}
	if len(env) > 0 {
		logger.Debug("applied environment overrides", "count", len(env))
	}

	return settings, nil
}
