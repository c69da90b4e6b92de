package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file.
var knownKeys = map[string]bool{
	"remote.base_url": true, "remote.token_url": true, "remote.client_id": true,
	"remote.client_secret": true, "remote.scopes": true,
	"realtime.http_url": true, "realtime.ws_url": true, "realtime.topic": true,
	"realtime.poll_timeout": true,
	"sync.tier_order":       true, "sync.order_strategy": true, "sync.priority_tables": true,
	"sync.hydrate_concurrency": true, "sync.decrypt_failure_threshold": true,
	"import.dir": true, "import.watch": true,
	"storage.db_path": true, "storage.user_id": true,
	"logging.log_level": true, "logging.log_format": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with a "did you mean?" suggestion for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		// A bare section header with no keys decodes cleanly; only report
		// the leaf keys users actually typed.
		if !strings.Contains(keyStr, ".") && !knownKeys[keyStr] {
			errs = append(errs, buildKeyError(keyStr))

			continue
		}

		if !knownKeys[keyStr] {
			errs = append(errs, buildKeyError(keyStr))
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known key.
func buildKeyError(keyStr string) error {
	suggestion := closestMatch(keyStr, knownKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)", keyStr, suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance. Returns
// empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
