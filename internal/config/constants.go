package config

// Lua schema field names and globals
const (
	luaGlobalKeg          = "keg"
	luaFieldBinDir        = "bin_dir"
	luaFieldCacheDir      = "cache_dir"
	luaFieldStateDir      = "state_dir"
	luaFieldStagingDir    = "staging_dir"
	luaFieldKeyring       = "keyring"
	luaFieldMaxSize       = "max_artifact_size"
	luaFieldRetries       = "retries"
	luaFieldTimeout       = "timeout"
	luaFieldCacheDisabled = "no_cache"
)

// Environment variables read by ApplyEnv.
const (
	EnvBinDir     = "KEG_BIN_DIR"
	EnvCacheDir   = "KEG_CACHE_DIR"
	EnvStateDir   = "KEG_STATE_DIR"
	EnvStagingDir = "KEG_STAGING_DIR"
	EnvKeyring    = "KEG_KEYRING"
	EnvMaxSize    = "KEG_MAX_ARTIFACT_SIZE"
	EnvRetries    = "KEG_RETRIES"
	EnvTimeout    = "KEG_TIMEOUT"
	EnvNoCache    = "KEG_NO_CACHE"
)

// MaxSettingsFileSize bounds the Lua settings file read from disk.
const MaxSettingsFileSize = 1 << 20
