package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// WireRecord is a record as delivered by the snapshot and delta APIs.
// Fields is always a full current projection, never a delta.
type WireRecord struct {
	ID         string         `json:"id"`
	TableID    string         `json:"tableId"`
	TableName  string         `json:"tableName,omitempty"`
	Fields     map[string]any `json:"fields"`
	ServerTime int64          `json:"serverTime,omitempty"` // unix milliseconds
}

// DeltaEnvelope is the response shape of a since-filtered table fetch.
type DeltaEnvelope struct {
	Records    []WireRecord `json:"records"`
	NextCursor string       `json:"nextCursor,omitempty"`
	ServerTime int64        `json:"serverTime,omitempty"`
}

// LogEvent is one entry of a table's reverse-chronological mutation log.
// Ops carries the raw, not-yet-normalized field-op payload.
type LogEvent struct {
	ID       string         `json:"id"`
	RecordID string         `json:"recordId"`
	TableID  string         `json:"tableId"`
	Sender   string         `json:"sender,omitempty"`
	ServerTS int64          `json:"serverTs"` // unix milliseconds
	Ops      map[string]any `json:"ops"`
}

// LogPage is one page of a table's mutation log, newest first.
type LogPage struct {
	Events     []LogEvent `json:"events"`
	NextBefore string     `json:"nextBefore,omitempty"`
}

// FetchAll returns every table's current records in one request.
func (c *Client) FetchAll(ctx context.Context) ([]WireRecord, error) {
	c.logger.Info("fetching full snapshot")

	var env DeltaEnvelope
	if err := c.getJSON(ctx, "/records", &env); err != nil {
		return nil, err
	}

	c.logger.Debug("snapshot fetched", slog.Int("records", len(env.Records)))

	return env.Records, nil
}

// FetchTable returns the current records of one table (full fetch).
func (c *Client) FetchTable(ctx context.Context, tableID string) ([]WireRecord, error) {
	var env DeltaEnvelope
	path := "/tables/" + url.PathEscape(tableID) + "/records"

	if err := c.getJSON(ctx, path, &env); err != nil {
		return nil, err
	}

	return env.Records, nil
}

// FetchTableSince returns records changed since the given cursor, plus the
// continuation token and server time when the API supplies them.
func (c *Client) FetchTableSince(ctx context.Context, tableID, cursor string) (*DeltaEnvelope, error) {
	var env DeltaEnvelope
	path := "/tables/" + url.PathEscape(tableID) + "/records?since=" + url.QueryEscape(cursor)

	if err := c.getJSON(ctx, path, &env); err != nil {
		return nil, err
	}

	c.logger.Debug("delta fetched",
		slog.String("table_id", tableID),
		slog.Int("records", len(env.Records)),
		slog.Bool("has_next_cursor", env.NextCursor != ""),
	)

	return &env, nil
}

// FetchMutationLog returns one page of a table's mutation log, newest first.
// Pass an empty before token for the newest page; NextBefore continues
// backward through older events and is empty on the last page.
func (c *Client) FetchMutationLog(ctx context.Context, tableID, before string, limit int) (*LogPage, error) {
	path := "/tables/" + url.PathEscape(tableID) + "/events?limit=" + strconv.Itoa(limit)
	if before != "" {
		path += "&before=" + url.QueryEscape(before)
	}

	var page LogPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// getJSON executes a GET and decodes the JSON response body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decoding %s response: %w", path, err)
	}

	return nil
}
