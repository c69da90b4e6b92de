package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casevault/casesync/internal/ledgerfile"
	"github.com/casevault/casesync/internal/realtime"
	"github.com/casevault/casesync/internal/store"
)

// Watch-loop defaults.
const (
	defaultPollTimeout  = 25 * time.Second
	maxPollFailures     = 5
	pollBackoffBase     = 1 * time.Second
	pollBackoffCap      = 60 * time.Second
	defaultEngineTopics = "records"
)

// Options configures one Engine session.
type Options struct {
	// TierOrder is the acquisition fallback order. Empty selects
	// snapshot → delta → event-log replay.
	TierOrder []TierName
	// Strategy orders tables within a hydration run.
	Strategy OrderStrategy
	// PriorityTables feeds the priority-list strategy.
	PriorityTables []string
	// HydrateConcurrency bounds parallel table hydration (0 or 1 is
	// sequential).
	HydrateConcurrency int
	// ImportSource supplies ledger entries for the import tier; nil disables
	// the tier.
	ImportSource func(ctx context.Context) ([]ledgerfile.Entry, error)
	// Topic is the realtime topic joined by Watch.
	Topic string
	// PollTimeout is the server-side long-poll window.
	PollTimeout time.Duration
	// DecryptFailureThreshold escalates sustained event-decrypt failures.
	DecryptFailureThreshold int
	// OnCritical receives escalated failures that need user visibility.
	OnCritical func(error)

	DedupTTL   time.Duration
	DedupCap   int
	EchoWindow time.Duration
}

// Engine is one synchronization session. It owns the dedup ledger, echo
// suppressor, and notifier — session-scoped, torn down on Close, never
// process-wide — and coordinates with concurrent runs only through the
// store's transaction isolation.
type Engine struct {
	st       *store.Store
	records  *RecordStore
	cursors  *VersionTracker
	dedup    *DedupLedger
	echo     *EchoSuppressor
	notifier *Notifier
	pipeline *Pipeline

	api     SnapshotAPI
	log     MutationLogAPI
	channel EventChannel

	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine assembles a session over an opened store and record store.
// channel may be nil when the session never watches realtime events.
func NewEngine(
	st *store.Store,
	records *RecordStore,
	api SnapshotAPI,
	mutlog MutationLogAPI,
	channel EventChannel,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Topic == "" {
		opts.Topic = defaultEngineTopics
	}

	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}

	if opts.DecryptFailureThreshold <= 0 {
		opts.DecryptFailureThreshold = defaultDecryptFailureThreshold
	}

	e := &Engine{
		st:       st,
		records:  records,
		cursors:  NewVersionTracker(st, logger),
		dedup:    NewDedupLedger(opts.DedupTTL, opts.DedupCap, logger),
		echo:     NewEchoSuppressor(opts.EchoWindow),
		notifier: NewNotifier(logger),
		api:      api,
		log:      mutlog,
		channel:  channel,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}

	e.pipeline = &Pipeline{
		dedup:            e.dedup,
		echo:             e.echo,
		records:          records,
		notifier:         e.notifier,
		logger:           logger,
		now:              e.now,
		failureThreshold: opts.DecryptFailureThreshold,
		onCritical:       opts.OnCritical,
	}

	return e
}

// Close tears down session state. The store is owned by the caller.
func (e *Engine) Close() {
	e.notifier.Close()
}

// Notifier exposes the change-notification stream.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// deps builds the shared tier dependency bundle.
func (e *Engine) deps() tierDeps {
	return tierDeps{
		records:  e.records,
		cursors:  e.cursors,
		meta:     e.st,
		notifier: e.notifier,
		logger:   e.logger,
		now:      e.now,
	}
}

// RunAcquisition executes one acquisition run over the configured tier
// order, stopping at the first tier that yields records.
func (e *Engine) RunAcquisition(ctx context.Context) (*RunReport, error) {
	order := e.opts.TierOrder
	if len(order) == 0 {
		order = []TierName{TierFullSnapshot, TierTableDelta, TierEventReplay}
	}

	tiers := make([]Tier, 0, len(order))

	for _, name := range order {
		tier, err := e.buildTier(name)
		if err != nil {
			return nil, err
		}

		if tier != nil {
			tiers = append(tiers, tier)
		}
	}

	return NewRunner(tiers, e.logger).Run(ctx)
}

// buildTier constructs one tier by name. The import tier is silently skipped
// when no source is configured.
func (e *Engine) buildTier(name TierName) (Tier, error) {
	deps := e.deps()
	rep := replayer{log: e.log, deps: deps, pageSize: logPageSize}

	switch name {
	case TierFullSnapshot:
		return &SnapshotTier{api: e.api, deps: deps}, nil

	case TierTableDelta:
		return &DeltaTier{
			api:         e.api,
			replay:      rep,
			deps:        deps,
			listTables:  e.st.ListTables,
			strategy:    e.opts.Strategy,
			priority:    e.opts.PriorityTables,
			concurrency: e.opts.HydrateConcurrency,
		}, nil

	case TierEventReplay:
		return &ReplayTier{replay: rep, listTables: e.st.ListTables, logger: e.logger}, nil

	case TierLedgerImport:
		if e.opts.ImportSource == nil {
			return nil, nil
		}

		return &ImportTier{deps: deps, fetch: e.opts.ImportSource, source: SourceImport}, nil

	default:
		return nil, fmt.Errorf("sync: unknown acquisition tier %q", name)
	}
}

// ImportEntries replays parsed ledger entries forward on top of local state.
// Used by the import command and the import-directory watcher.
func (e *Engine) ImportEntries(ctx context.Context, entries []ledgerfile.Entry) (TierStats, error) {
	return replayForward(ctx, e.deps(), entries, SourceImport)
}

// Watch joins the configured topic and long-polls for inbound mutation
// events, feeding each through the pipeline. Blocks until ctx is canceled
// (clean shutdown, returns nil) or the channel is abandoned after bounded
// retries. Rate-limit responses are honored by the channel's cooldown.
func (e *Engine) Watch(ctx context.Context) error {
	if e.channel == nil {
		return errors.New("sync: no realtime channel configured")
	}

	if err := e.channel.Join(ctx, e.opts.Topic); err != nil {
		return fmt.Errorf("sync: joining topic %s: %w", e.opts.Topic, err)
	}

	e.logger.Info("watch loop starting", slog.String("topic", e.opts.Topic))

	var (
		since    string
		failures int
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		page, err := e.channel.LongPollSync(ctx, since, e.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, realtime.ErrThrottled) {
				// The channel installed a cooldown; the next poll waits it out.
				continue
			}

			failures++
			if failures > maxPollFailures {
				return fmt.Errorf("sync: abandoning channel after %d consecutive poll failures: %w", failures, err)
			}

			backoff := pollBackoff(failures)
			e.logger.Warn("poll failed, backing off",
				slog.Int("failures", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if !sleepCtx(ctx, backoff) {
				return nil
			}

			continue
		}

		failures = 0

		for _, ev := range page.Events {
			if err := e.pipeline.HandleEvent(ctx, ev); err != nil {
				e.logger.Error("event application failed",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		if page.NextToken != "" {
			since = page.NextToken
		}
	}
}

// HandleEvent feeds one externally received mutation event through the
// pipeline. Watch calls this internally; it is exposed for callers that run
// their own receive loop.
func (e *Engine) HandleEvent(ctx context.Context, ev realtime.Event) error {
	return e.pipeline.HandleEvent(ctx, ev)
}

// SendMutation applies a local write optimistically, tracks it for echo
// suppression, and publishes it on the channel.
func (e *Engine) SendMutation(ctx context.Context, tableID, recordID string, ops FieldOps) error {
	rec, err := e.records.Get(ctx, recordID)
	if err != nil {
		return err
	}

	if rec == nil {
		rec = &Record{ID: recordID, TableID: tableID, Fields: make(map[string]any)}
	}

	ops.Apply(rec.Fields)
	rec.LastSynced = e.now()

	if err := e.records.PutBatch(ctx, []Record{*rec}); err != nil {
		return err
	}

	// Track before sending so a fast echo is already recognizable.
	e.echo.Track(recordID, sentFields(ops))

	if e.channel != nil {
		if err := e.channel.Send(ctx, e.opts.Topic, recordID, ops.wire()); err != nil {
			return fmt.Errorf("sync: publishing mutation for %s: %w", recordID, err)
		}
	}

	e.notifier.recordChanged(RecordChange{RecordID: recordID, TableID: tableID, Source: SourceLocal})
	e.notifier.mutationApplied(Mutation{
		RecordID:        recordID,
		TableID:         tableID,
		Source:          SourceLocal,
		Ops:             ops,
		Timestamp:       rec.LastSynced,
		TimestampSource: TimestampLocal,
	})

	return nil
}

// GetTableRecords returns the decrypted records of one table.
func (e *Engine) GetTableRecords(ctx context.Context, tableID string) ([]Record, error) {
	return e.records.TableRecords(ctx, tableID)
}

// GetRecord returns one decrypted record, or nil when absent.
func (e *Engine) GetRecord(ctx context.Context, id string) (*Record, error) {
	return e.records.Get(ctx, id)
}

// sentFields flattens the set-style buckets of a local write for echo
// matching.
func sentFields(ops FieldOps) map[string]any {
	out := make(map[string]any, len(ops.Ins)+len(ops.Alt)+len(ops.Syn))

	for k, v := range ops.Ins {
		out[k] = v
	}

	for k, v := range ops.Alt {
		out[k] = v
	}

	for k, v := range ops.Syn {
		out[k] = v
	}

	return out
}

// wire renders the op-set in the structured wire shape.
func (o FieldOps) wire() map[string]any {
	out := make(map[string]any, 4)

	if len(o.Ins) > 0 {
		out[opBucketIns] = o.Ins
	}

	if len(o.Alt) > 0 {
		out[opBucketAlt] = o.Alt
	}

	if len(o.Syn) > 0 {
		out[opBucketSyn] = o.Syn
	}

	if len(o.Nul) > 0 {
		out[opBucketNul] = o.Nul
	}

	return out
}

// pollBackoff computes capped exponential backoff for poll failures.
func pollBackoff(failures int) time.Duration {
	backoff := pollBackoffBase << (failures - 1)
	if backoff > pollBackoffCap || backoff <= 0 {
		return pollBackoffCap
	}

	return backoff
}

// sleepCtx waits d or until ctx is canceled, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
