package config

import "os"

// Environment variable names for overrides. Secrets (the vault password and
// the OAuth client secret) are environment-only: they never have a config
// file key so they cannot end up committed alongside the rest of the config.
const (
	EnvConfig         = "CASESYNC_CONFIG"
	EnvDBPath         = "CASESYNC_DB_PATH"
	EnvBaseURL        = "CASESYNC_BASE_URL"
	EnvUserID         = "CASESYNC_USER_ID"
	EnvClientSecret   = "CASESYNC_CLIENT_SECRET"
	EnvPassword       = "CASESYNC_PASSWORD"
	EnvLegacyPassword = "CASESYNC_LEGACY_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // CASESYNC_CONFIG: override config file path
	DBPath       string // CASESYNC_DB_PATH: state database override
	BaseURL      string // CASESYNC_BASE_URL: remote API base URL
	UserID       string // CASESYNC_USER_ID: key-derivation salt identity
	ClientSecret string // CASESYNC_CLIENT_SECRET: OAuth client secret
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		DBPath:       os.Getenv(EnvDBPath),
		BaseURL:      os.Getenv(EnvBaseURL),
		UserID:       os.Getenv(EnvUserID),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
}

// Password returns the vault password from the environment. Kept out of
// EnvOverrides so it is never carried around with ordinary config values.
func Password() string {
	return os.Getenv(EnvPassword)
}

// LegacyPassword returns the previous vault password, set only while running
// a rekey migration.
func LegacyPassword() string {
	return os.Getenv(EnvLegacyPassword)
}
