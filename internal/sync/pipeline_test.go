package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/casesync/internal/realtime"
	"github.com/casevault/casesync/internal/vault"
)

func newTestPipeline(t *testing.T) (*Pipeline, *RecordStore) {
	t.Helper()

	st := openTestStore(t)

	rs, err := OpenRecordStore(context.Background(), st, testKey(t, "hunter2"), nil, testLogger(t))
	require.NoError(t, err)

	p := &Pipeline{
		dedup:            NewDedupLedger(0, 0, testLogger(t)),
		echo:             NewEchoSuppressor(0),
		records:          rs,
		notifier:         NewNotifier(testLogger(t)),
		logger:           testLogger(t),
		now:              time.Now,
		failureThreshold: 3,
	}

	return p, rs
}

func mutationEvent(id, recordID, tableID string, serverTS int64, ops map[string]any) realtime.Event {
	return realtime.Event{
		ID:       id,
		Kind:     realtime.KindRecordMutation,
		RecordID: recordID,
		TableID:  tableID,
		ServerTS: serverTS,
		Ops:      ops,
	}
}

func TestHandleEvent_AppliesMutation(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	ev := mutationEvent("e1", "r1", "t1", 1000, map[string]any{
		"ins": map[string]any{"title": "New case"},
	})

	require.NoError(t, p.HandleEvent(ctx, ev))

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "New case", got.Fields["title"])

	// The server timestamp is authoritative, not the local clock.
	assert.Equal(t, time.UnixMilli(1000), got.LastSynced)
}

func TestHandleEvent_DuplicateDropped(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	ev := mutationEvent("e1", "r1", "t1", 1000, map[string]any{
		"ins": map[string]any{"count": float64(1)},
	})

	require.NoError(t, p.HandleEvent(ctx, ev))

	// Same event id again, even with different content, is discarded.
	dup := mutationEvent("e1", "r1", "t1", 2000, map[string]any{
		"alt": map[string]any{"count": float64(2)},
	})
	require.NoError(t, p.HandleEvent(ctx, dup))

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Fields["count"])
}

func TestHandleEvent_NonMutationFiltered(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	ev := realtime.Event{
		ID:       "e1",
		Kind:     realtime.KindPresence,
		RecordID: "r1",
		TableID:  "t1",
		Ops:      map[string]any{"ins": map[string]any{"title": "ignored"}},
	}

	require.NoError(t, p.HandleEvent(ctx, ev))

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHandleEvent_EchoSuppressed(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, rs.PutBatch(ctx, []Record{
		{ID: "r1", TableID: "t1", Fields: map[string]any{"status": "open"}, LastSynced: time.UnixMilli(1)},
	}))

	p.echo.Track("r1", map[string]any{"status": "open"})

	mutations := p.notifier.Mutations()

	ev := mutationEvent("e1", "r1", "t1", 9999, map[string]any{
		"alt": map[string]any{"status": "open"},
	})
	require.NoError(t, p.HandleEvent(ctx, ev))

	// Suppression skips the write: LastSynced keeps its pre-echo value.
	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1), got.LastSynced)

	// The audit-only notification still fires.
	select {
	case m := <-mutations:
		assert.True(t, m.EchoSuppressed)
		assert.Equal(t, "e1", m.EventID)
	default:
		t.Fatal("expected an audit-only mutation notification")
	}
}

func TestHandleEvent_TableResolvedFromExistingRecord(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, rs.PutBatch(ctx, []Record{
		{ID: "r1", TableID: "t7", TableName: "cases", Fields: map[string]any{}},
	}))

	ev := mutationEvent("e1", "r1", "", 1000, map[string]any{
		"alt": map[string]any{"status": "closed"},
	})
	require.NoError(t, p.HandleEvent(ctx, ev))

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t7", got.TableID)
	assert.Equal(t, "closed", got.Fields["status"])
}

func TestHandleEvent_UnresolvableTableDropped(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	ev := mutationEvent("e1", "unknown-record", "", 1000, map[string]any{
		"ins": map[string]any{"title": "orphan"},
	})

	require.NoError(t, p.HandleEvent(ctx, ev))

	got, err := rs.Get(ctx, "unknown-record")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHandleEvent_EncryptedPayload(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	key := testKey(t, "hunter2")

	blob, err := key.Encrypt([]byte(`{"ins":{"title":"Sealed"}}`))
	require.NoError(t, err)

	ev := realtime.Event{
		ID:        "e1",
		Kind:      realtime.KindRecordMutation,
		RecordID:  "r1",
		TableID:   "t1",
		ServerTS:  1000,
		Encrypted: true,
		Payload:   blob,
	}

	require.NoError(t, p.HandleEvent(ctx, ev))

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Sealed", got.Fields["title"])
}

func TestHandleEvent_DecryptFailureEscalation(t *testing.T) {
	t.Parallel()

	p, rs := newTestPipeline(t)
	ctx := context.Background()

	var critical error

	p.onCritical = func(err error) { critical = err }

	// Payloads sealed under a different key drop without error.
	otherKey, err := vault.DeriveKey("someone-else", "user-1")
	require.NoError(t, err)

	for i := range p.failureThreshold {
		blob, err := otherKey.Encrypt([]byte(`{"ins":{"a":1}}`))
		require.NoError(t, err)

		ev := realtime.Event{
			ID:        string(rune('a' + i)),
			Kind:      realtime.KindRecordMutation,
			RecordID:  "r1",
			TableID:   "t1",
			Encrypted: true,
			Payload:   blob,
		}
		require.NoError(t, p.HandleEvent(ctx, ev))
	}

	// Sustained failures escalate past the threshold.
	require.Error(t, critical)
	assert.ErrorIs(t, critical, ErrDecryptEscalation)

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Escalation resets the counter so alerts do not repeat per event.
	assert.Zero(t, p.decryptFailures)
}
