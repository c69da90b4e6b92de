// Package sync implements the acquisition-and-synchronization engine: tiered
// data acquisition with fallback, monotonic cursor tracking, canonical
// field-patch application, cross-channel deduplication, optimistic-write echo
// suppression, and encrypted record persistence.
package sync

import (
	"context"
	"time"

	"github.com/casevault/casesync/internal/realtime"
	"github.com/casevault/casesync/internal/remote"
)

// Record is the decrypted view of one record. Fields is always a full
// current projection, never a delta.
type Record struct {
	ID         string
	TableID    string
	TableName  string
	Fields     map[string]any
	LastSynced time.Time
}

// SnapshotAPI is the remote table source. Satisfied by *remote.Client.
type SnapshotAPI interface {
	FetchAll(ctx context.Context) ([]remote.WireRecord, error)
	FetchTable(ctx context.Context, tableID string) ([]remote.WireRecord, error)
	FetchTableSince(ctx context.Context, tableID, cursor string) (*remote.DeltaEnvelope, error)
}

// MutationLogAPI pages a table's mutation log backward (newest first).
// Satisfied by *remote.Client.
type MutationLogAPI interface {
	FetchMutationLog(ctx context.Context, tableID, before string, limit int) (*remote.LogPage, error)
}

// EventChannel is the realtime mutation channel. Satisfied by
// *realtime.Channel.
type EventChannel interface {
	Join(ctx context.Context, topic string) error
	Send(ctx context.Context, topic, recordID string, ops map[string]any) error
	LongPollSync(ctx context.Context, sinceToken string, timeout time.Duration) (*realtime.SyncPage, error)
}

// ChangeSource identifies which channel produced a local state change.
type ChangeSource string

// Change sources.
const (
	SourceSnapshot ChangeSource = "snapshot"
	SourceDelta    ChangeSource = "delta"
	SourceReplay   ChangeSource = "event-log-replay"
	SourceImport   ChangeSource = "import"
	SourceRealtime ChangeSource = "realtime"
	SourceLocal    ChangeSource = "local"
)

// wireToRecord converts an API record to the engine's Record, resolving its
// authoritative timestamp.
func wireToRecord(w remote.WireRecord, now func() time.Time) Record {
	ts, _ := ResolveTimestamp(w.ServerTime, 0, now)

	fields := w.Fields
	if fields == nil {
		fields = make(map[string]any)
	}

	return Record{
		ID:         w.ID,
		TableID:    w.TableID,
		TableName:  w.TableName,
		Fields:     fields,
		LastSynced: ts,
	}
}
