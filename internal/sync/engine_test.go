package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/casesync/internal/realtime"
)

// fakeChannel is an in-memory EventChannel delivering scripted poll pages.
type fakeChannel struct {
	joined string
	sent   []map[string]any

	pages  []*realtime.SyncPage
	idx    int
	tokens []string
	// drained is called when the scripted pages run out.
	drained func()
}

func (f *fakeChannel) Join(_ context.Context, topic string) error {
	f.joined = topic
	return nil
}

func (f *fakeChannel) Send(_ context.Context, _, _ string, ops map[string]any) error {
	f.sent = append(f.sent, ops)
	return nil
}

func (f *fakeChannel) LongPollSync(ctx context.Context, since string, _ time.Duration) (*realtime.SyncPage, error) {
	f.tokens = append(f.tokens, since)

	if f.idx >= len(f.pages) {
		if f.drained != nil {
			f.drained()
		}

		<-ctx.Done()

		return nil, ctx.Err()
	}

	page := f.pages[f.idx]
	f.idx++

	return page, nil
}

func newTestEngine(t *testing.T, channel EventChannel) *Engine {
	t.Helper()

	st := openTestStore(t)

	rs, err := OpenRecordStore(context.Background(), st, testKey(t, "hunter2"), nil, testLogger(t))
	require.NoError(t, err)

	e := NewEngine(st, rs, nil, nil, channel, Options{Topic: "records"}, testLogger(t))
	t.Cleanup(e.Close)

	return e
}

func TestSendMutation_OptimisticApplyAndPublish(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	e := newTestEngine(t, ch)
	ctx := context.Background()

	ops := FieldOps{Alt: map[string]any{"status": "open"}}
	require.NoError(t, e.SendMutation(ctx, "t1", "r1", ops))

	// The write landed locally before any round trip.
	got, err := e.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "open", got.Fields["status"])

	// And went out on the channel in the structured wire shape.
	require.Len(t, ch.sent, 1)
	assert.Equal(t, map[string]any{"alt": map[string]any{"status": "open"}}, ch.sent[0])
}

func TestSendMutation_EchoOfOwnWriteSuppressed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	e := newTestEngine(t, ch)
	ctx := context.Background()

	require.NoError(t, e.SendMutation(ctx, "t1", "r1", FieldOps{Alt: map[string]any{"status": "open"}}))

	before, err := e.GetRecord(ctx, "r1")
	require.NoError(t, err)

	// The channel echoes the write back with a server timestamp.
	echo := realtime.Event{
		ID:       "echo-1",
		Kind:     realtime.KindRecordMutation,
		RecordID: "r1",
		TableID:  "t1",
		ServerTS: time.Now().Add(time.Hour).UnixMilli(),
		Ops:      map[string]any{"alt": map[string]any{"status": "open"}},
	}
	require.NoError(t, e.HandleEvent(ctx, echo))

	// Suppressed: the echo did not rewrite the record.
	after, err := e.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before.LastSynced, after.LastSynced)
}

func TestWatch_AppliesEventsAndAdvancesToken(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := &fakeChannel{
		pages: []*realtime.SyncPage{
			{
				NextToken: "tok-1",
				Events: []realtime.Event{
					{ID: "e1", Kind: realtime.KindRecordMutation, RecordID: "r1", TableID: "t1",
						ServerTS: 100, Ops: map[string]any{"ins": map[string]any{"title": "From watch"}}},
				},
			},
			{NextToken: "tok-2"},
		},
		drained: cancel,
	}

	e := newTestEngine(t, ch)

	require.NoError(t, e.Watch(ctx))

	assert.Equal(t, "records", ch.joined)

	// Token advances across polls: "", then tok-1, then tok-2.
	require.Len(t, ch.tokens, 3)
	assert.Equal(t, "", ch.tokens[0])
	assert.Equal(t, "tok-1", ch.tokens[1])
	assert.Equal(t, "tok-2", ch.tokens[2])

	got, err := e.GetRecord(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "From watch", got.Fields["title"])
}

func TestWatch_NoChannelConfigured(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)

	assert.Error(t, e.Watch(context.Background()))
}

func TestPollBackoff_CappedExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1*time.Second, pollBackoff(1))
	assert.Equal(t, 2*time.Second, pollBackoff(2))
	assert.Equal(t, 4*time.Second, pollBackoff(3))
	assert.Equal(t, 32*time.Second, pollBackoff(6))
	assert.Equal(t, 60*time.Second, pollBackoff(7))
	assert.Equal(t, 60*time.Second, pollBackoff(30))
}

func TestSleepCtx_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}
