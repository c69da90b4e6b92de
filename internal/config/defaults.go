package config

import "path/filepath"

// Default values for configuration options. These are chosen so the engine
// works against a local store without any config file; only the remote
// endpoints genuinely require user input.
const (
	defaultTopic         = "records"
	defaultPollTimeout   = "25s"
	defaultOrderStrategy = "source-order"
	defaultConcurrency   = 4
	defaultDecryptFails  = 10
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
	dbFileName           = "state.db"
)

// defaultTierOrder is the standard acquisition fallback chain.
var defaultTierOrder = []string{"full-snapshot", "table-delta", "event-log-replay"}

// DefaultConfig returns a Config populated with all default values. This is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			Topic:       defaultTopic,
			PollTimeout: defaultPollTimeout,
		},
		Sync: SyncConfig{
			TierOrder:               append([]string(nil), defaultTierOrder...),
			OrderStrategy:           defaultOrderStrategy,
			HydrateConcurrency:      defaultConcurrency,
			DecryptFailureThreshold: defaultDecryptFails,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(DefaultDataDir(), dbFileName),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
