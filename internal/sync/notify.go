package sync

import (
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// notifyBuf is the per-subscriber channel depth. Slow subscribers drop
// notifications rather than blocking the pipeline; drops are counted.
const notifyBuf = 256

// RecordChange is the coarse per-mutation notification.
type RecordChange struct {
	RecordID string
	TableID  string
	Source   ChangeSource
}

// BatchChange is the per-batch notification emitted after a table hydration.
type BatchChange struct {
	TableID      string
	UpdatedCount int
}

// Mutation is the detailed per-mutation notification with operation
// metadata. EchoSuppressed marks audit-only events for suppressed echoes of
// local writes: suppression skips storage I/O, not provenance.
type Mutation struct {
	EventID         string
	RecordID        string
	TableID         string
	Source          ChangeSource
	Ops             FieldOps
	Timestamp       time.Time
	TimestampSource TimestampSource
	EchoSuppressed  bool
}

// Notifier fans change notifications out to subscribers. Owned by one Engine
// instance and torn down with it.
type Notifier struct {
	mu           stdsync.Mutex
	recordSubs   []chan RecordChange
	batchSubs    []chan BatchChange
	mutationSubs []chan Mutation
	dropped      atomic.Int64
	logger       *slog.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{logger: logger}
}

// RecordChanges returns a new subscription for coarse per-mutation events.
func (n *Notifier) RecordChanges() <-chan RecordChange {
	ch := make(chan RecordChange, notifyBuf)

	n.mu.Lock()
	n.recordSubs = append(n.recordSubs, ch)
	n.mu.Unlock()

	return ch
}

// BatchChanges returns a new subscription for per-batch events.
func (n *Notifier) BatchChanges() <-chan BatchChange {
	ch := make(chan BatchChange, notifyBuf)

	n.mu.Lock()
	n.batchSubs = append(n.batchSubs, ch)
	n.mu.Unlock()

	return ch
}

// Mutations returns a new subscription for detailed mutation events,
// including audit-only suppressed echoes.
func (n *Notifier) Mutations() <-chan Mutation {
	ch := make(chan Mutation, notifyBuf)

	n.mu.Lock()
	n.mutationSubs = append(n.mutationSubs, ch)
	n.mu.Unlock()

	return ch
}

// Close closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.recordSubs {
		close(ch)
	}

	for _, ch := range n.batchSubs {
		close(ch)
	}

	for _, ch := range n.mutationSubs {
		close(ch)
	}

	n.recordSubs, n.batchSubs, n.mutationSubs = nil, nil, nil
}

// Dropped returns the number of notifications dropped due to subscriber
// backpressure.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// recordChanged emits a coarse change notification.
func (n *Notifier) recordChanged(c RecordChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.recordSubs {
		select {
		case ch <- c:
		default:
			n.dropped.Add(1)
		}
	}
}

// batchApplied emits a per-batch notification.
func (n *Notifier) batchApplied(b BatchChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.batchSubs {
		select {
		case ch <- b:
		default:
			n.dropped.Add(1)
		}
	}
}

// mutationApplied emits a detailed mutation notification.
func (n *Notifier) mutationApplied(m Mutation) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.mutationSubs {
		select {
		case ch <- m:
		default:
			n.dropped.Add(1)
		}
	}
}
