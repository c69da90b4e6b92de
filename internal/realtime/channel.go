// Package realtime implements the mutation-event channel: a websocket for
// joining topics and sending locally originated mutations, and a long-poll
// endpoint for receiving inbound events. Rate-limit responses install a
// channel-wide cooldown; long polls abort promptly on context cancellation.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// Event is one inbound mutation event. It carries either a structured op
// payload in Ops or an opaque encrypted blob in Payload (Encrypted true).
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Kind      string         `json:"kind"` // record_mutation, schema, presence
	RecordID  string         `json:"recordId,omitempty"`
	TableID   string         `json:"tableId,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	ServerTS  int64          `json:"serverTs"` // unix milliseconds
	Ops       map[string]any `json:"ops,omitempty"`
	Encrypted bool           `json:"encrypted,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
}

// Event kinds observed on the channel. Only record mutations reach the
// pipeline; everything else is filtered by design.
const (
	KindRecordMutation = "record_mutation"
	KindSchema         = "schema"
	KindPresence       = "presence"
)

// SyncPage is the result of one long poll.
type SyncPage struct {
	NextToken string  `json:"nextToken"`
	Events    []Event `json:"events"`
}

// ErrThrottled is returned when the channel rejects a request with a rate
// limit. The cooldown has already been installed when this is returned.
var ErrThrottled = errors.New("realtime: throttled")

// Reconnect backoff bounds for the websocket.
const (
	reconnectBase    = 500 * time.Millisecond
	reconnectCap     = 30 * time.Second
	reconnectRetries = 6
)

// Channel is a client for one realtime topic space. Safe for concurrent use.
type Channel struct {
	httpBase   string // base URL of the long-poll endpoint
	wsURL      string // websocket endpoint for join/send
	httpClient *http.Client
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	cooldownMu    sync.Mutex
	cooldownUntil time.Time
}

// New creates a Channel. httpBase serves GET /sync long polls; wsURL is the
// websocket endpoint for join/send frames.
func New(httpBase, wsURL string, httpClient *http.Client, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Channel{
		httpBase:   httpBase,
		wsURL:      wsURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// frame is the outbound websocket message shape.
type frame struct {
	Action   string         `json:"action"`
	Topic    string         `json:"topic"`
	RecordID string         `json:"recordId,omitempty"`
	Ops      map[string]any `json:"ops,omitempty"`
}

// Join subscribes to a topic, dialing the websocket if necessary.
// Reconnects with capped fibonacci backoff on dial failure.
func (c *Channel) Join(ctx context.Context, topic string) error {
	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	return c.writeFrame(ctx, frame{Action: "join", Topic: topic})
}

// Send publishes a locally originated mutation to a topic. Callers track the
// write with the echo suppressor before calling Send, so the echo arriving on
// the long-poll side is recognized.
func (c *Channel) Send(ctx context.Context, topic, recordID string, ops map[string]any) error {
	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	return c.writeFrame(ctx, frame{Action: "send", Topic: topic, RecordID: recordID, Ops: ops})
}

// LongPollSync performs one long poll for events after sinceToken, blocking
// up to timeout server-side. Canceling ctx aborts the in-flight request
// promptly. A rate-limit response installs a cooldown honored by all
// subsequently queued polls and returns ErrThrottled.
func (c *Channel) LongPollSync(ctx context.Context, sinceToken string, timeout time.Duration) (*SyncPage, error) {
	if err := c.waitCooldown(ctx); err != nil {
		return nil, fmt.Errorf("realtime: poll canceled: %w", err)
	}

	u := c.httpBase + "/sync?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	if sinceToken != "" {
		u += "&since=" + url.QueryEscape(sinceToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: creating poll request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("realtime: poll canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("realtime: poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining before close
		c.installCooldown(resp.Header.Get("Retry-After"))

		return nil, ErrThrottled
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("realtime: poll HTTP %d: %s", resp.StatusCode, body)
	}

	var page SyncPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("realtime: decoding poll response: %w", err)
	}

	return &page, nil
}

// Close tears down the websocket connection, if any.
func (c *Channel) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "session ended")
	c.conn = nil

	return err
}

// ensureConn dials the websocket if not already connected, retrying with
// capped fibonacci backoff.
func (c *Channel) ensureConn(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}

	backoff := retry.WithMaxRetries(reconnectRetries,
		retry.WithCappedDuration(reconnectCap, retry.NewFibonacci(reconnectBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, _, dialErr := websocket.Dial(ctx, c.wsURL, nil)
		if dialErr != nil {
			c.logger.Warn("websocket dial failed, retrying",
				slog.String("error", dialErr.Error()),
			)

			return retry.RetryableError(dialErr)
		}

		c.conn = conn

		return nil
	})
	if err != nil {
		return fmt.Errorf("realtime: dialing %s: %w", c.wsURL, err)
	}

	c.logger.Info("realtime channel connected", slog.String("url", c.wsURL))

	return nil
}

// writeFrame marshals and writes one frame on the websocket. A write failure
// drops the connection so the next call redials.
func (c *Channel) writeFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("realtime: encoding %s frame: %w", f.Action, err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return errors.New("realtime: not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, bytes.TrimSpace(data)); err != nil {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		return fmt.Errorf("realtime: writing %s frame: %w", f.Action, err)
	}

	return nil
}

// installCooldown records a channel-wide cooldown from a Retry-After hint.
func (c *Channel) installCooldown(retryAfter string) {
	d := reconnectCap
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}

	until := time.Now().Add(d)

	c.cooldownMu.Lock()
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.cooldownMu.Unlock()

	c.logger.Warn("realtime rate limit cooldown installed", slog.Duration("duration", d))
}

// waitCooldown blocks until any active cooldown has passed.
func (c *Channel) waitCooldown(ctx context.Context) error {
	c.cooldownMu.Lock()
	wait := time.Until(c.cooldownUntil)
	c.cooldownMu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
