package sync

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casevault/casesync/internal/ledgerfile"
	"github.com/casevault/casesync/internal/remote"
	"github.com/casevault/casesync/internal/store"
)

// TierName identifies one acquisition strategy.
type TierName string

// Acquisition tiers, in the default fallback order.
const (
	TierFullSnapshot TierName = "full-snapshot"
	TierTableDelta   TierName = "table-delta"
	TierEventReplay  TierName = "event-log-replay"
	TierLedgerImport TierName = "ledger-import"
)

// TierStats reports what one tier acquired.
type TierStats struct {
	Records int
	Tables  int
}

// Tier is one strategy for acquiring current table data, tried in a
// configured order until one yields records.
type Tier interface {
	Name() TierName
	Run(ctx context.Context) (TierStats, error)
}

// logPageSize is how many mutation-log events one backward page requests.
const logPageSize = 200

// tierDeps bundles the shared collaborators every tier writes through.
type tierDeps struct {
	records  *RecordStore
	cursors  *VersionTracker
	meta     *store.Store
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// commitTable persists one table's records (optionally clearing first),
// updates table metadata and the cursor, and emits the batch notification.
func (d *tierDeps) commitTable(ctx context.Context, tableID, tableName string, records []Record, clear bool, cursor string, source CursorSource) error {
	if clear {
		if _, err := d.records.ClearTable(ctx, tableID); err != nil {
			return err
		}
	}

	if err := d.records.PutBatch(ctx, records); err != nil {
		return err
	}

	if err := d.meta.UpsertTable(ctx, store.TableRow{
		TableID:     tableID,
		Name:        tableName,
		RecordCount: len(records),
	}); err != nil {
		return err
	}

	if _, err := d.cursors.WriteCursor(ctx, tableID, cursor, source); err != nil {
		return err
	}

	d.notifier.batchApplied(BatchChange{TableID: tableID, UpdatedCount: len(records)})

	return nil
}

// ---------------------------------------------------------------------------
// Full snapshot
// ---------------------------------------------------------------------------

// SnapshotTier fetches every table's current records in one request. Each
// table is cleared then fully rewritten — safe because a snapshot is a
// complete replacement, not a delta.
type SnapshotTier struct {
	api  SnapshotAPI
	deps tierDeps
}

// Name implements Tier.
func (t *SnapshotTier) Name() TierName { return TierFullSnapshot }

// Run implements Tier.
func (t *SnapshotTier) Run(ctx context.Context) (TierStats, error) {
	wires, err := t.api.FetchAll(ctx)
	if err != nil {
		return TierStats{}, err
	}

	// Group by table, preserving first-encounter order.
	grouped := make(map[string][]remote.WireRecord)

	var tableOrder []string

	for _, w := range wires {
		if _, seen := grouped[w.TableID]; !seen {
			tableOrder = append(tableOrder, w.TableID)
		}

		grouped[w.TableID] = append(grouped[w.TableID], w)
	}

	stats := TierStats{}

	for _, tableID := range tableOrder {
		group := grouped[tableID]

		records := make([]Record, 0, len(group))
		for _, w := range group {
			records = append(records, wireToRecord(w, t.deps.now))
		}

		cursor, source := t.deps.cursors.ResolveCursor(nil, group)

		if err := t.deps.commitTable(ctx, tableID, group[0].TableName, records, true, cursor, source); err != nil {
			return stats, err
		}

		stats.Records += len(records)
		stats.Tables++
	}

	t.deps.logger.Info("snapshot hydration complete",
		slog.Int("tables", stats.Tables),
		slog.Int("records", stats.Records),
	)

	return stats, nil
}

// ---------------------------------------------------------------------------
// Per-table delta
// ---------------------------------------------------------------------------

// DeltaTier is the default steady-state tier: tables with a cursor fetch
// only records since it; tables without one perform a full clear-then-write
// fetch. A non-auth per-table failure falls back to event-log replay for
// that table only, so a partial outage degrades one table at a time.
type DeltaTier struct {
	api        SnapshotAPI
	replay     replayer
	deps       tierDeps
	listTables func(ctx context.Context) ([]store.TableRow, error)
	strategy   OrderStrategy
	priority   []string
	// concurrency bounds parallel table hydration; 1 hydrates sequentially.
	concurrency int
}

// Name implements Tier.
func (t *DeltaTier) Name() TierName { return TierTableDelta }

// Run implements Tier.
func (t *DeltaTier) Run(ctx context.Context) (TierStats, error) {
	tables, err := t.listTables(ctx)
	if err != nil {
		return TierStats{}, err
	}

	if len(tables) == 0 {
		t.deps.logger.Info("delta tier: no known tables to hydrate")
		return TierStats{}, nil
	}

	ids := make([]string, 0, len(tables))
	meta := make(map[string]TableMeta, len(tables))
	names := make(map[string]string, len(tables))

	for _, tbl := range tables {
		ids = append(ids, tbl.TableID)
		meta[tbl.TableID] = TableMeta{Name: tbl.Name, RecordCount: tbl.RecordCount}
		names[tbl.TableID] = tbl.Name
	}

	ordered := PlanTableOrder(ids, meta, t.strategy, t.priority)

	concurrency := t.concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	// Workers pull tables from the ordered list; an auth error from any
	// worker cancels the whole group and propagates. Other errors degrade
	// only that worker's table.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]TierStats, len(ordered))

	for i, tableID := range ordered {
		g.Go(func() error {
			count, err := t.hydrateTable(gctx, tableID, names[tableID])
			if err != nil {
				if isAuthError(err) {
					return err
				}

				t.deps.logger.Warn("table delta failed, falling back to event-log replay",
					slog.String("table_id", tableID),
					slog.String("error", err.Error()),
				)

				count, err = t.replay.replayTable(gctx, tableID, names[tableID])
				if err != nil {
					if isAuthError(err) {
						return err
					}

					t.deps.logger.Warn("event-log fallback failed, skipping table",
						slog.String("table_id", tableID),
						slog.String("error", err.Error()),
					)

					return nil
				}
			}

			results[i] = TierStats{Records: count, Tables: 1}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return TierStats{}, err
	}

	stats := TierStats{}
	for _, r := range results {
		stats.Records += r.Records
		stats.Tables += r.Tables
	}

	return stats, nil
}

// hydrateTable syncs one table: incremental when a cursor exists, full
// clear-then-write fetch otherwise. Returns the number of records written.
func (t *DeltaTier) hydrateTable(ctx context.Context, tableID, tableName string) (int, error) {
	cursor, err := t.deps.cursors.ReadCursor(ctx, tableID)
	if err != nil {
		return 0, err
	}

	if cursor == nil {
		wires, err := t.api.FetchTable(ctx, tableID)
		if err != nil {
			return 0, err
		}

		records := make([]Record, 0, len(wires))
		for _, w := range wires {
			records = append(records, wireToRecord(w, t.deps.now))

			if tableName == "" {
				tableName = w.TableName
			}
		}

		next, source := t.deps.cursors.ResolveCursor(nil, wires)
		if err := t.deps.commitTable(ctx, tableID, tableName, records, true, next, source); err != nil {
			return 0, err
		}

		return len(records), nil
	}

	env, err := t.api.FetchTableSince(ctx, tableID, cursor.Value)
	if err != nil {
		return 0, err
	}

	records := make([]Record, 0, len(env.Records))
	for _, w := range env.Records {
		records = append(records, wireToRecord(w, t.deps.now))
	}

	next, source := t.deps.cursors.ResolveCursor(env, env.Records)
	if err := t.deps.commitTable(ctx, tableID, tableName, records, false, next, source); err != nil {
		return 0, err
	}

	for i := range records {
		t.deps.notifier.recordChanged(RecordChange{
			RecordID: records[i].ID,
			TableID:  tableID,
			Source:   SourceDelta,
		})
	}

	return len(records), nil
}

// ---------------------------------------------------------------------------
// Event-log replay
// ---------------------------------------------------------------------------

// replayer reconstructs a table's current state from its mutation log,
// paging backward (newest first). Reconciliation is first-writer-wins per
// field scanning backward: once a later event resolves a field — set or
// explicitly deleted — earlier events for that field are ignored.
type replayer struct {
	log      MutationLogAPI
	deps     tierDeps
	pageSize int
}

// replayTable rebuilds one table and commits it as a full replacement.
// Returns the number of records reconstructed.
func (r *replayer) replayTable(ctx context.Context, tableID, tableName string) (int, error) {
	pageSize := r.pageSize
	if pageSize <= 0 {
		pageSize = logPageSize
	}

	states := make(map[string]*Record)
	resolved := make(map[string]map[string]bool)

	var (
		order []string
		maxTS int64
	)

	before := ""

	for {
		page, err := r.log.FetchMutationLog(ctx, tableID, before, pageSize)
		if err != nil {
			return 0, err
		}

		for _, ev := range page.Events {
			rec, ok := states[ev.RecordID]
			if !ok {
				rec = &Record{ID: ev.RecordID, TableID: tableID, TableName: tableName, Fields: make(map[string]any)}
				states[ev.RecordID] = rec
				resolved[ev.RecordID] = make(map[string]bool)
				order = append(order, ev.RecordID)
			}

			for field, oc := range NormalizeOps(ev.Ops).outcomes() {
				if resolved[ev.RecordID][field] {
					continue
				}

				resolved[ev.RecordID][field] = true

				if !oc.deleted {
					rec.Fields[field] = oc.value
				}
			}

			ts, _ := ResolveTimestamp(ev.ServerTS, 0, r.deps.now)
			if ts.After(rec.LastSynced) {
				rec.LastSynced = ts
			}

			if ev.ServerTS > maxTS {
				maxTS = ev.ServerTS
			}
		}

		if page.NextBefore == "" {
			break
		}

		before = page.NextBefore
	}

	records := make([]Record, 0, len(states))
	for _, id := range order {
		records = append(records, *states[id])
	}

	cursor, source := r.resolveReplayCursor(maxTS)

	if err := r.deps.commitTable(ctx, tableID, tableName, records, true, cursor, source); err != nil {
		return 0, err
	}

	r.deps.logger.Info("event-log replay complete",
		slog.String("table_id", tableID),
		slog.Int("records", len(records)),
	)

	return len(records), nil
}

// resolveReplayCursor derives a cursor from the replayed events.
func (r *replayer) resolveReplayCursor(maxTS int64) (string, CursorSource) {
	if maxTS > 0 {
		return strconv.FormatInt(maxTS, 10), CursorRecordMax
	}

	r.deps.logger.Warn("cursor resolution degraded to local clock, vulnerable to skew")

	return strconv.FormatInt(r.deps.now().UnixMilli(), 10), CursorClockFallback
}

// ReplayTier rebuilds every known table from its mutation log. Last-resort
// remote tier: slower than delta, but survives snapshot and delta outages.
type ReplayTier struct {
	replay     replayer
	listTables func(ctx context.Context) ([]store.TableRow, error)
	logger     *slog.Logger
}

// Name implements Tier.
func (t *ReplayTier) Name() TierName { return TierEventReplay }

// Run implements Tier.
func (t *ReplayTier) Run(ctx context.Context) (TierStats, error) {
	tables, err := t.listTables(ctx)
	if err != nil {
		return TierStats{}, err
	}

	stats := TierStats{}

	for _, tbl := range tables {
		count, err := t.replay.replayTable(ctx, tbl.TableID, tbl.Name)
		if err != nil {
			if isAuthError(err) {
				return stats, err
			}

			t.logger.Warn("replay failed, skipping table",
				slog.String("table_id", tbl.TableID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if count > 0 {
			stats.Records += count
			stats.Tables++
		}
	}

	return stats, nil
}

// ---------------------------------------------------------------------------
// Ledger import
// ---------------------------------------------------------------------------

// ImportTier replays an externally supplied linear mutation ledger forward
// (oldest to newest), applying field ops in arrival order — the opposite
// traversal from event-log replay, appropriate because the source is a
// linear file rather than a paginated reverse-chronological API.
type ImportTier struct {
	deps   tierDeps
	fetch  func(ctx context.Context) ([]ledgerfile.Entry, error)
	source ChangeSource
}

// Name implements Tier.
func (t *ImportTier) Name() TierName { return TierLedgerImport }

// Run implements Tier.
func (t *ImportTier) Run(ctx context.Context) (TierStats, error) {
	entries, err := t.fetch(ctx)
	if err != nil {
		return TierStats{}, err
	}

	return replayForward(ctx, t.deps, entries, t.source)
}

// replayForward applies ledger entries oldest-to-newest on top of existing
// local state, then commits per table. Shared by the import tier and the
// import command's direct path.
func replayForward(ctx context.Context, deps tierDeps, entries []ledgerfile.Entry, source ChangeSource) (TierStats, error) {
	states := make(map[string]*Record)

	var (
		recordOrder []string
		tableOrder  []string
	)

	tableMaxTS := make(map[string]int64)
	tableNames := make(map[string]string)

	for _, e := range entries {
		rec, ok := states[e.RecordID]
		if !ok {
			existing, err := deps.records.Get(ctx, e.RecordID)
			if err != nil {
				return TierStats{}, err
			}

			if existing != nil {
				rec = existing
			} else {
				rec = &Record{ID: e.RecordID, Fields: make(map[string]any)}
			}

			states[e.RecordID] = rec
			recordOrder = append(recordOrder, e.RecordID)
		}

		if e.TableID != "" {
			if _, seen := tableMaxTS[e.TableID]; !seen {
				tableOrder = append(tableOrder, e.TableID)
			}

			rec.TableID = e.TableID
		}

		if e.TableName != "" {
			rec.TableName = e.TableName
			tableNames[e.TableID] = e.TableName
		}

		NormalizeOps(e.Ops).Apply(rec.Fields)

		ts, _ := ResolveTimestamp(0, e.TS, deps.now)
		if ts.After(rec.LastSynced) {
			rec.LastSynced = ts
		}

		if e.TS > tableMaxTS[rec.TableID] {
			tableMaxTS[rec.TableID] = e.TS
		}
	}

	// Group reconstructed records by table, preserving encounter order.
	byTable := make(map[string][]Record)
	for _, id := range recordOrder {
		rec := states[id]
		byTable[rec.TableID] = append(byTable[rec.TableID], *rec)
	}

	stats := TierStats{}

	for _, tableID := range tableOrder {
		records := byTable[tableID]
		if len(records) == 0 {
			continue
		}

		cursor, cursorSource := importCursor(tableMaxTS[tableID], deps.now)

		if err := deps.commitTable(ctx, tableID, tableNames[tableID], records, false, cursor, cursorSource); err != nil {
			return stats, err
		}

		for i := range records {
			deps.notifier.recordChanged(RecordChange{
				RecordID: records[i].ID,
				TableID:  tableID,
				Source:   source,
			})
		}

		stats.Records += len(records)
		stats.Tables++
	}

	deps.logger.Info("ledger replay complete",
		slog.Int("entries", len(entries)),
		slog.Int("records", stats.Records),
		slog.Int("tables", stats.Tables),
	)

	return stats, nil
}

// importCursor derives a cursor from the ledger's upstream timestamps.
func importCursor(maxTS int64, now func() time.Time) (string, CursorSource) {
	if maxTS > 0 {
		return strconv.FormatInt(maxTS, 10), CursorRecordMax
	}

	return strconv.FormatInt(now().UnixMilli(), 10), CursorClockFallback
}
