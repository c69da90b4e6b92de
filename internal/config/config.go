// Package config implements TOML configuration loading and validation for
// casesync. It supports a three-layer override chain (defaults -> config
// file -> environment) with strict rejection of unknown keys.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Remote   RemoteConfig   `toml:"remote"`
	Realtime RealtimeConfig `toml:"realtime"`
	Sync     SyncConfig     `toml:"sync"`
	Import   ImportConfig   `toml:"import"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
}

// RemoteConfig points at the snapshot/delta REST API and its OAuth2
// client-credentials issuer. The client secret is normally supplied via the
// environment rather than the config file.
type RemoteConfig struct {
	BaseURL      string   `toml:"base_url"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
}

// RealtimeConfig points at the event channel endpoints: the HTTP base used
// for long-poll sync and the websocket URL used for publishing mutations.
type RealtimeConfig struct {
	HTTPURL     string `toml:"http_url"`
	WSURL       string `toml:"ws_url"`
	Topic       string `toml:"topic"`
	PollTimeout string `toml:"poll_timeout"`
}

// SyncConfig controls acquisition behavior: tier fallback order, table
// ordering within a hydration run, and hydration parallelism.
type SyncConfig struct {
	TierOrder               []string `toml:"tier_order"`
	OrderStrategy           string   `toml:"order_strategy"`
	PriorityTables          []string `toml:"priority_tables"`
	HydrateConcurrency      int      `toml:"hydrate_concurrency"`
	DecryptFailureThreshold int      `toml:"decrypt_failure_threshold"`
}

// ImportConfig controls ledger-file import: the directory scanned for
// .jsonl/.ndjson exports and whether to keep watching it for new files.
type ImportConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// StorageConfig controls the local encrypted store. UserID salts the key
// derivation, so changing it invalidates all locally sealed records.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
	UserID string `toml:"user_id"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}
