package sync

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/casesync/internal/remote"
	"github.com/casevault/casesync/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return st
}

func TestWriteCursor_MonotonicAdvance(t *testing.T) {
	t.Parallel()

	tracker := NewVersionTracker(openTestStore(t), testLogger(t))
	ctx := context.Background()

	first, err := tracker.WriteCursor(ctx, "t1", "1000", CursorServerIssued)
	require.NoError(t, err)
	assert.Equal(t, "1000", first.Value)

	second, err := tracker.WriteCursor(ctx, "t1", "2000", CursorServerIssued)
	require.NoError(t, err)
	assert.Equal(t, "2000", second.Value)
}

func TestWriteCursor_RegressionRefusedSilently(t *testing.T) {
	t.Parallel()

	tracker := NewVersionTracker(openTestStore(t), testLogger(t))
	ctx := context.Background()

	_, err := tracker.WriteCursor(ctx, "t1", "2000", CursorServerIssued)
	require.NoError(t, err)

	// An older candidate is a no-op, never an error, and the stored cursor
	// comes back as the effective value.
	got, err := tracker.WriteCursor(ctx, "t1", "1000", CursorRecordMax)
	require.NoError(t, err)
	assert.Equal(t, "2000", got.Value)
	assert.Equal(t, CursorServerIssued, got.Source)

	stored, err := tracker.ReadCursor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "2000", stored.Value)
}

func TestWriteCursor_EqualValueIsNoOp(t *testing.T) {
	t.Parallel()

	tracker := NewVersionTracker(openTestStore(t), testLogger(t))
	ctx := context.Background()

	_, err := tracker.WriteCursor(ctx, "t1", "1000", CursorServerIssued)
	require.NoError(t, err)

	got, err := tracker.WriteCursor(ctx, "t1", "1000", CursorClockFallback)
	require.NoError(t, err)
	assert.Equal(t, CursorServerIssued, got.Source)
}

func TestReadCursor_AbsentIsNil(t *testing.T) {
	t.Parallel()

	tracker := NewVersionTracker(openTestStore(t), testLogger(t))

	got, err := tracker.ReadCursor(context.Background(), "never-synced")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveCursor_PreferenceChain(t *testing.T) {
	t.Parallel()

	tracker := NewVersionTracker(openTestStore(t), testLogger(t))
	tracker.now = func() time.Time { return time.UnixMilli(5555) }

	records := []remote.WireRecord{
		{ID: "r1", ServerTime: 100},
		{ID: "r2", ServerTime: 300},
		{ID: "r3", ServerTime: 200},
	}

	// Envelope token wins outright.
	value, source := tracker.ResolveCursor(&remote.DeltaEnvelope{NextCursor: "tok-9"}, records)
	assert.Equal(t, "tok-9", value)
	assert.Equal(t, CursorServerIssued, source)

	// No token: maximum record timestamp.
	value, source = tracker.ResolveCursor(&remote.DeltaEnvelope{}, records)
	assert.Equal(t, "300", value)
	assert.Equal(t, CursorRecordMax, source)

	// Neither: degraded local-clock fallback.
	value, source = tracker.ResolveCursor(nil, nil)
	assert.Equal(t, "5555", value)
	assert.Equal(t, CursorClockFallback, source)
}

func TestCompareCursors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"numeric less", "900", "1000", -1},
		{"numeric greater", "1001", "1000", 1},
		{"numeric equal", "42", "42", 0},
		{"rfc3339", "2026-01-02T00:00:00Z", "2026-01-01T00:00:00Z", 1},
		{"lexicographic", "abc", "abd", -1},
		{"mixed falls back to lexicographic", "100", "2026-01-01T00:00:00Z", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := compareCursors(tt.a, tt.b)
			switch tt.want {
			case -1:
				assert.Negative(t, got)
			case 1:
				assert.Positive(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestResolveTimestamp_Ranking(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.UnixMilli(999) }

	ts, source := ResolveTimestamp(100, 200, now)
	assert.Equal(t, time.UnixMilli(100), ts)
	assert.Equal(t, TimestampServer, source)

	ts, source = ResolveTimestamp(0, 200, now)
	assert.Equal(t, time.UnixMilli(200), ts)
	assert.Equal(t, TimestampUpstream, source)

	ts, source = ResolveTimestamp(0, 0, now)
	assert.Equal(t, time.UnixMilli(999), ts)
	assert.Equal(t, TimestampLocal, source)
}
