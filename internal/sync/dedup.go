package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// Dedup defaults. An hour of retention comfortably covers overlapping
// realtime/poll delivery windows; the size cap bounds memory on busy topics.
const (
	defaultDedupTTL = time.Hour
	defaultDedupCap = 10000
)

// DedupLedger suppresses duplicate event delivery across channels. It is
// session-scoped state owned by one Engine instance — never process-wide —
// so concurrent sessions and tests stay isolated.
type DedupLedger struct {
	mu      stdsync.Mutex
	entries map[string]time.Time // eventID → firstSeenAt
	order   []string             // insertion order, for oldest-half eviction
	ttl     time.Duration
	cap     int
	now     func() time.Time
	logger  *slog.Logger
}

// NewDedupLedger creates a ledger with the given retention window and size
// cap. Zero values select the defaults.
func NewDedupLedger(ttl time.Duration, capacity int, logger *slog.Logger) *DedupLedger {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	if capacity <= 0 {
		capacity = defaultDedupCap
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DedupLedger{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
		logger:  logger,
	}
}

// MarkProcessed records an event id sighting. The first call for an id
// returns false; later calls within the retention window return true,
// signaling the caller to discard the event. After TTL or size-based
// pruning an id may legitimately report false again.
func (d *DedupLedger) MarkProcessed(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.entries[eventID]; seen {
		return true
	}

	d.entries[eventID] = d.now()
	d.order = append(d.order, eventID)

	if len(d.entries) > d.cap {
		d.prune()
	}

	return false
}

// Len returns the current entry count.
func (d *DedupLedger) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entries)
}

// prune drops entries older than the TTL, then the oldest half by insertion
// time if the ledger is still over cap. Caller holds the mutex.
func (d *DedupLedger) prune() {
	cutoff := d.now().Add(-d.ttl)

	kept := d.order[:0]
	for _, id := range d.order {
		seen, ok := d.entries[id]
		if !ok {
			continue
		}

		if seen.Before(cutoff) {
			delete(d.entries, id)
			continue
		}

		kept = append(kept, id)
	}

	d.order = kept

	if len(d.entries) <= d.cap {
		return
	}

	drop := len(d.order) / 2
	for _, id := range d.order[:drop] {
		delete(d.entries, id)
	}

	d.order = append(d.order[:0], d.order[drop:]...)

	d.logger.Debug("dedup ledger evicted oldest half",
		slog.Int("dropped", drop),
		slog.Int("remaining", len(d.entries)),
	)
}
