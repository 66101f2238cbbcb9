package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environ collects KEG_* variables from the given .env files and the process
// environment. Later files override earlier ones and the process environment
// overrides every file. Missing files and empty process variables are skipped.
func Environ(dotenvPaths ...string) (map[string]string, error) {
	env := make(map[string]string)

	for _, path := range dotenvPaths {
		values, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range values {
			if strings.HasPrefix(k, "KEG_") {
				env[k] = v
			}
		}
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && v != "" && strings.HasPrefix(k, "KEG_") {
			env[k] = v
		}
	}

	return env, nil
}

// ApplyEnv overlays KEG_* values on s. Empty values are ignored.
func ApplyEnv(s *Settings, env map[string]string) error {
	paths := []struct {
		key  string
		dest *string
	}{
		{EnvBinDir, &s.BinDir},
		{EnvCacheDir, &s.CacheDir},
		{EnvStateDir, &s.StateDir},
		{EnvStagingDir, &s.StagingDir},
		{EnvKeyring, &s.KeyringPath},
	}
	for _, p := range paths {
		v := env[p.key]
		if v == "" {
			continue
		}
		expanded, err := expandPath(v)
		if err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
		*p.dest = expanded
	}

	if v := env[EnvMaxSize]; v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxSize, err)
		}
		s.MaxArtifactSize = size
	}

	if v := env[EnvRetries]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvRetries, v)
		}
		s.Retries = n
	}

	if v := env[EnvTimeout]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		s.Timeout = d
	}

	if v := env[EnvNoCache]; v != "" {
		off, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvNoCache, v)
		}
		if off {
			s.CacheDir = ""
		}
	}

	return nil
}
