package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/casevault/casesync/internal/remote"
	"github.com/casevault/casesync/internal/store"
)

// CursorSource tags how a cursor value was obtained.
type CursorSource string

// Cursor sources, from most to least trustworthy.
const (
	CursorServerIssued  CursorSource = "server-issued"
	CursorRecordMax     CursorSource = "derived-from-max-record"
	CursorClockFallback CursorSource = "client-clock-fallback"
)

// Cursor is a per-table sync position marker.
type Cursor struct {
	TableID   string
	Value     string
	Source    CursorSource
	UpdatedAt time.Time
}

// VersionTracker persists per-table cursors with monotonic-advance
// enforcement: a write whose candidate compares at or below the stored value
// is a no-op that returns the stored cursor unchanged.
type VersionTracker struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewVersionTracker creates a tracker over the sync partition.
func NewVersionTracker(st *store.Store, logger *slog.Logger) *VersionTracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &VersionTracker{store: st, logger: logger, now: time.Now}
}

// ReadCursor returns the stored cursor for a table, or nil when the table
// has never been synced.
func (t *VersionTracker) ReadCursor(ctx context.Context, tableID string) (*Cursor, error) {
	row, err := t.store.GetCursor(ctx, tableID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading cursor for %s: %w", tableID, err)
	}

	return &Cursor{
		TableID:   row.TableID,
		Value:     row.Cursor,
		Source:    CursorSource(row.Source),
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
	}, nil
}

// WriteCursor persists candidate for the table unless the stored cursor is
// already at or beyond it. Regressions are silently refused: the effective
// (stored) cursor is returned either way, never an error.
func (t *VersionTracker) WriteCursor(ctx context.Context, tableID, candidate string, source CursorSource) (Cursor, error) {
	stored, err := t.ReadCursor(ctx, tableID)
	if err != nil {
		return Cursor{}, err
	}

	if stored != nil && compareCursors(candidate, stored.Value) <= 0 {
		t.logger.Debug("cursor write refused, stored value is newer",
			slog.String("table_id", tableID),
			slog.String("candidate", candidate),
			slog.String("stored", stored.Value),
		)

		return *stored, nil
	}

	now := t.now()
	effective := Cursor{TableID: tableID, Value: candidate, Source: source, UpdatedAt: now}

	err = t.store.PutCursor(ctx, store.CursorRow{
		TableID:   tableID,
		Cursor:    candidate,
		Source:    string(source),
		UpdatedAt: now.UnixMilli(),
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("sync: writing cursor for %s: %w", tableID, err)
	}

	return effective, nil
}

// ResolveCursor derives the next cursor from a fetch result. Preference
// order: the response envelope's continuation token, the maximum per-record
// server timestamp, and finally the local wall clock — tagged and logged as
// a degraded fallback vulnerable to clock skew.
func (t *VersionTracker) ResolveCursor(envelope *remote.DeltaEnvelope, records []remote.WireRecord) (string, CursorSource) {
	if envelope != nil && envelope.NextCursor != "" {
		return envelope.NextCursor, CursorServerIssued
	}

	var maxTS int64
	for i := range records {
		if records[i].ServerTime > maxTS {
			maxTS = records[i].ServerTime
		}
	}

	if maxTS > 0 {
		return strconv.FormatInt(maxTS, 10), CursorRecordMax
	}

	t.logger.Warn("cursor resolution degraded to local clock, vulnerable to skew")

	return strconv.FormatInt(t.now().UnixMilli(), 10), CursorClockFallback
}

// compareCursors orders two opaque cursor values: numerically when both
// parse as integers, temporally when both parse as RFC 3339 instants, and
// lexicographically otherwise. Returns <0, 0, >0.
func compareCursors(a, b string) int {
	if ai, errA := strconv.ParseInt(a, 10, 64); errA == nil {
		if bi, errB := strconv.ParseInt(b, 10, 64); errB == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	}

	if at, errA := time.Parse(time.RFC3339, a); errA == nil {
		if bt, errB := time.Parse(time.RFC3339, b); errB == nil {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// TimestampSource tags where a record's authoritative timestamp came from.
type TimestampSource string

// Timestamp sources, ranked server > upstream > local clock.
const (
	TimestampServer   TimestampSource = "server"
	TimestampUpstream TimestampSource = "upstream"
	TimestampLocal    TimestampSource = "local"
)

// ResolveTimestamp ranks timestamp sources for one event or record: a server
// timestamp wins, then an upstream-supplied one, then the local clock as a
// last resort. Inputs are unix milliseconds; zero means absent.
func ResolveTimestamp(serverMS, upstreamMS int64, now func() time.Time) (time.Time, TimestampSource) {
	if serverMS > 0 {
		return time.UnixMilli(serverMS), TimestampServer
	}

	if upstreamMS > 0 {
		return time.UnixMilli(upstreamMS), TimestampUpstream
	}

	if now == nil {
		now = time.Now
	}

	return now(), TimestampLocal
}
