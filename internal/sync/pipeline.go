package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casevault/casesync/internal/realtime"
	"github.com/casevault/casesync/internal/vault"
)

// defaultDecryptFailureThreshold is how many consecutive event-decrypt
// failures are tolerated before escalating to a critical signal.
const defaultDecryptFailureThreshold = 10

// ErrDecryptEscalation is passed to the critical handler when sustained
// decrypt failures exceed the configured threshold.
var ErrDecryptEscalation = errors.New("sync: sustained event decrypt failures")

// Pipeline applies one inbound realtime mutation safely:
//
//	received → dedup-checked → filtered → decrypted → table-resolved →
//	echo-checked → state loaded → ops applied → re-encrypted and persisted →
//	notifications emitted.
//
// Events for one record are applied strictly in per-channel receipt order;
// cross-channel ordering is not guaranteed. Correctness rests on
// deduplication and idempotent field application, not global ordering.
type Pipeline struct {
	dedup    *DedupLedger
	echo     *EchoSuppressor
	records  *RecordStore
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time

	// Consecutive decrypt-failure tracking. Events are handled on one
	// goroutine per channel, so a plain counter suffices.
	decryptFailures  int
	failureThreshold int
	onCritical       func(error)
}

// HandleEvent runs one event through the pipeline. Returns an error only for
// storage failures; every classification outcome (duplicate, filtered,
// undecryptable, unresolvable table, echo) drops or short-circuits the event
// with logging instead.
func (p *Pipeline) HandleEvent(ctx context.Context, ev realtime.Event) error {
	if p.dedup.MarkProcessed(ev.ID) {
		p.logger.Debug("duplicate event discarded", slog.String("event_id", ev.ID))
		return nil
	}

	// Schema and presence traffic is filtered by design, not an error.
	if ev.Kind != realtime.KindRecordMutation {
		p.logger.Debug("non-data event filtered",
			slog.String("event_id", ev.ID),
			slog.String("kind", ev.Kind),
		)

		return nil
	}

	rawOps, ok := p.decryptOps(ev)
	if !ok {
		return nil
	}

	tableID, tableName, ok := p.resolveTable(ctx, ev)
	if !ok {
		return nil
	}

	// Malformed op shapes normalize to an empty op-set rather than throwing.
	ops := NormalizeOps(rawOps)

	ts, tsSource := ResolveTimestamp(ev.ServerTS, 0, p.now)

	if p.echo.IsEcho(ev.RecordID, ops) {
		// Audit-only: suppression affects storage I/O and change
		// notifications, not provenance.
		p.notifier.mutationApplied(Mutation{
			EventID:         ev.ID,
			RecordID:        ev.RecordID,
			TableID:         tableID,
			Source:          SourceRealtime,
			Ops:             ops,
			Timestamp:       ts,
			TimestampSource: tsSource,
			EchoSuppressed:  true,
		})

		p.logger.Debug("echo of local write suppressed",
			slog.String("event_id", ev.ID),
			slog.String("record_id", ev.RecordID),
		)

		return nil
	}

	rec, err := p.records.Get(ctx, ev.RecordID)
	if err != nil {
		return err
	}

	if rec == nil {
		rec = &Record{ID: ev.RecordID, TableID: tableID, TableName: tableName, Fields: make(map[string]any)}
	}

	ops.Apply(rec.Fields)

	// Persist with the event's authoritative timestamp, never the local
	// clock for server-stamped events.
	rec.LastSynced = ts

	if err := p.records.PutBatch(ctx, []Record{*rec}); err != nil {
		return err
	}

	p.notifier.recordChanged(RecordChange{RecordID: rec.ID, TableID: tableID, Source: SourceRealtime})
	p.notifier.mutationApplied(Mutation{
		EventID:         ev.ID,
		RecordID:        rec.ID,
		TableID:         tableID,
		Source:          SourceRealtime,
		Ops:             ops,
		Timestamp:       ts,
		TimestampSource: tsSource,
	})

	return nil
}

// decryptOps extracts the raw op payload, decrypting opaque blobs. A blob
// sealed for a different key is dropped with a logged failure; sustained
// consecutive failures escalate to the critical handler rather than being
// silently ignored indefinitely.
func (p *Pipeline) decryptOps(ev realtime.Event) (map[string]any, bool) {
	if !ev.Encrypted {
		p.decryptFailures = 0
		return ev.Ops, true
	}

	plaintext, err := p.records.OpenPayload(ev.Payload)
	if err != nil {
		p.recordDecryptFailure(ev.ID, err)
		return nil, false
	}

	var rawOps map[string]any
	if err := json.Unmarshal(plaintext, &rawOps); err != nil {
		p.recordDecryptFailure(ev.ID, err)
		return nil, false
	}

	p.decryptFailures = 0

	return rawOps, true
}

// recordDecryptFailure counts a dropped event and escalates past the
// threshold.
func (p *Pipeline) recordDecryptFailure(eventID string, err error) {
	p.decryptFailures++

	p.logger.Warn("event payload decrypt failed, dropping",
		slog.String("event_id", eventID),
		slog.Int("consecutive", p.decryptFailures),
		slog.String("error", err.Error()),
	)

	if p.decryptFailures < p.failureThreshold {
		return
	}

	escalation := fmt.Errorf("%w: %d consecutive (last: %v)", ErrDecryptEscalation, p.decryptFailures, err)

	p.logger.Error("decrypt failures exceeded threshold",
		slog.Int("threshold", p.failureThreshold),
	)

	if p.onCritical != nil {
		p.onCritical(escalation)
	}

	p.decryptFailures = 0
}

// resolveTable determines the owning table for an event: the event's own
// table id, otherwise the table of the existing record. Events with no
// determinable table are dropped with a warning, no retry.
func (p *Pipeline) resolveTable(ctx context.Context, ev realtime.Event) (tableID, tableName string, ok bool) {
	if ev.TableID != "" {
		return ev.TableID, "", true
	}

	rec, err := p.records.Get(ctx, ev.RecordID)
	if err == nil && rec != nil {
		return rec.TableID, rec.TableName, true
	}

	p.logger.Warn("no owning table determinable, dropping event",
		slog.String("event_id", ev.ID),
		slog.String("record_id", ev.RecordID),
	)

	return "", "", false
}

// OpenPayload decrypts an opaque event payload under the session key.
// Exposed on RecordStore so the key handle itself stays private.
func (r *RecordStore) OpenPayload(blob []byte) ([]byte, error) {
	plaintext, err := r.key.Decrypt(blob)
	if err != nil {
		return nil, vault.ErrDecrypt
	}

	return plaintext, nil
}
