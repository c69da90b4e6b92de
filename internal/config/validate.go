package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minConcurrency = 0
	maxConcurrency = 32
	minPollTimeout = 1 * time.Second
	maxPollTimeout = 5 * time.Minute
	minDecryptFail = 1
)

var validTierNames = map[string]bool{
	"full-snapshot":    true,
	"table-delta":      true,
	"event-log-replay": true,
	"ledger-import":    true,
}

var validOrderStrategies = map[string]bool{
	"source-order":   true,
	"priority-list":  true,
	"smallest-first": true,
	"largest-first":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateRealtime(&cfg.Realtime)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	errs = append(errs, validateURL("remote.base_url", r.BaseURL)...)
	errs = append(errs, validateURL("remote.token_url", r.TokenURL)...)

	return errs
}

func validateRealtime(r *RealtimeConfig) []error {
	var errs []error

	errs = append(errs, validateURL("realtime.http_url", r.HTTPURL)...)
	errs = append(errs, validateURL("realtime.ws_url", r.WSURL)...)

	if r.Topic == "" {
		errs = append(errs, errors.New("realtime.topic: must not be empty"))
	}

	d, err := time.ParseDuration(r.PollTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("realtime.poll_timeout: invalid duration %q: %w", r.PollTimeout, err))
	} else if d < minPollTimeout || d > maxPollTimeout {
		errs = append(errs, fmt.Errorf("realtime.poll_timeout: must be between %s and %s, got %s",
			minPollTimeout, maxPollTimeout, d))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	for _, name := range s.TierOrder {
		if !validTierNames[name] {
			errs = append(errs, fmt.Errorf(
				"sync.tier_order: unknown tier %q; must be one of full-snapshot, table-delta, event-log-replay, ledger-import", name))
		}
	}

	if !validOrderStrategies[s.OrderStrategy] {
		errs = append(errs, fmt.Errorf(
			"sync.order_strategy: must be one of source-order, priority-list, smallest-first, largest-first; got %q",
			s.OrderStrategy))
	}

	if s.OrderStrategy == "priority-list" && len(s.PriorityTables) == 0 {
		errs = append(errs, errors.New("sync.priority_tables: must not be empty with the priority-list strategy"))
	}

	if s.HydrateConcurrency < minConcurrency || s.HydrateConcurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("sync.hydrate_concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, s.HydrateConcurrency))
	}

	if s.DecryptFailureThreshold < minDecryptFail {
		errs = append(errs, fmt.Errorf("sync.decrypt_failure_threshold: must be >= %d, got %d",
			minDecryptFail, s.DecryptFailureThreshold))
	}

	return errs
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if s.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path: must not be empty"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

// validateURL checks that a non-empty value parses as an absolute URL.
// Empty values are allowed; commands requiring an endpoint check presence
// themselves.
func validateURL(field, value string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil || !u.IsAbs() {
		return []error{fmt.Errorf("%s: invalid URL %q", field, value)}
	}

	return nil
}
