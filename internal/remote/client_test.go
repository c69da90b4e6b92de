package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestClient builds a client against srv with instant retries.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(srv.URL, srv.Client(), nil, testLogger(t))
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return c
}

func TestDo_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.EqualValues(t, 3, calls.Load())
}

func TestDo_UnauthorizedNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("request-id", "req-123")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	require.Error(t, err)

	// Auth failures surface as the sentinel, and are never retried.
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "req-123", apiErr.RequestID)
}

func TestDo_NotFoundNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_ThrottleInstallsCooldown(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	var slept []time.Duration

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		// Clear the cooldown so the test does not depend on wall time.
		c.cooldownMu.Lock()
		c.cooldownUntil = time.Time{}
		c.cooldownMu.Unlock()

		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	require.NoError(t, err)
	resp.Body.Close()

	// Retry-After is honored for the retry wait.
	require.NotEmpty(t, slept)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestDo_CooldownAppliesToSubsequentRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.cooldownUntil = time.Now().Add(time.Minute)

	waited := false
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		waited = true
		assert.Greater(t, d, 50*time.Second)
		c.cooldownMu.Lock()
		c.cooldownUntil = time.Time{}
		c.cooldownMu.Unlock()

		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/records", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, waited, "request should wait out the channel-wide cooldown")
}

func TestDo_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, "/records", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoff_Capped(t *testing.T) {
	t.Parallel()

	c := NewClient("http://example.invalid", nil, nil, testLogger(t))

	for attempt := range 10 {
		b := c.calcBackoff(attempt)
		assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
		assert.Positive(t, b)
	}
}
