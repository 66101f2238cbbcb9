// Package config resolves keg's runtime settings.
//
// # Sources
//
// Settings are layered, later sources winning:
//
//  1. Defaults from the XDG base directories: binaries go to
//     $XDG_BIN_HOME (~/.local/bin), verified artifacts are cached under
//     $XDG_CACHE_HOME/keg/downloads, journals and locks live under
//     $XDG_STATE_HOME/keg.
//  2. A Lua settings file, $XDG_CONFIG_HOME/keg/config.lua unless another
//     path is given.
//  3. KEG_* variables from .env files and then the process environment.
//  4. Command-line flags, applied by the CLI before calling Validate.
//
// # Settings File
//
// The file assigns a global keg table. Any field may be omitted:
//
//	keg = {
//	  bin_dir = "~/bin",
//	  cache_dir = "~/.cache/keg",
//	  state_dir = "/var/lib/keg",
//	  keyring = "~/.config/keg/trusted.gpg",
//	  max_artifact_size = "256M",     -- or a byte count
//	  retries = 5,
//	  timeout = "2m",                 -- or seconds
//	  no_cache = platform.is_macos,   -- platform table is available
//	}
//
// The file runs in the same kind of sandbox as Lua formulas: os, io, debug
// and every module loading function are removed, and the context passed to
// the parser bounds its execution.
package config
