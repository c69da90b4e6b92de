package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLongPollSync_DecodesPage(t *testing.T) {
	t.Parallel()

	var gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"nextToken": "tok-1",
			"events": [
				{"id": "e1", "kind": "record_mutation", "recordId": "r1", "serverTs": 100,
				 "ops": {"alt": {"status": "open"}}}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client(), testLogger(t))

	page, err := c.LongPollSync(context.Background(), "prev-tok", 25*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "timeout_ms=25000&since=prev-tok", gotQuery)
	assert.Equal(t, "tok-1", page.NextToken)
	require.Len(t, page.Events, 1)
	assert.Equal(t, KindRecordMutation, page.Events[0].Kind)
	assert.Equal(t, "r1", page.Events[0].RecordID)
}

func TestLongPollSync_RateLimitInstallsCooldown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client(), testLogger(t))

	_, err := c.LongPollSync(context.Background(), "", time.Second)
	require.ErrorIs(t, err, ErrThrottled)

	// The cooldown applies to every subsequent poll on this channel, so a
	// pre-canceled context aborts the wait instead of hitting the server.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.LongPollSync(ctx, "", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLongPollSync_HTTPErrorSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway unhappy", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client(), testLogger(t))

	_, err := c.LongPollSync(context.Background(), "", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLongPollSync_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client(), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.LongPollSync(ctx, "", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteFrame_NotConnected(t *testing.T) {
	t.Parallel()

	c := New("http://unused.example", "ws://unused.example", nil, testLogger(t))

	err := c.writeFrame(context.Background(), frame{Action: "send", Topic: "records"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
