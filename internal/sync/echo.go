package sync

import (
	"reflect"
	"strconv"
	stdsync "sync"
	"time"
)

// defaultEchoWindow is how long a locally originated write is tracked while
// waiting for its channel echo.
const defaultEchoWindow = 30 * time.Second

// echoEntry tracks one optimistic local write.
type echoEntry struct {
	sentFields map[string]any
	at         time.Time
}

// EchoSuppressor recognizes channel echoes of locally originated writes so
// they are not applied twice. Session-scoped state owned by one Engine
// instance. Suppression affects storage I/O and change notifications, not
// provenance: callers still emit an audit-only mutation event.
type EchoSuppressor struct {
	mu      stdsync.Mutex
	entries map[string]echoEntry // recordID → last sent write
	window  time.Duration
	now     func() time.Time
}

// NewEchoSuppressor creates a suppressor with the given tracking window.
// Zero selects the default.
func NewEchoSuppressor(window time.Duration) *EchoSuppressor {
	if window <= 0 {
		window = defaultEchoWindow
	}

	return &EchoSuppressor{
		entries: make(map[string]echoEntry),
		window:  window,
		now:     time.Now,
	}
}

// Track records a locally originated write before it is sent on the channel.
// Entries whose echo never arrived are swept here, so a long session of
// local writes does not grow the map without bound.
func (e *EchoSuppressor) Track(recordID string, sentFields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	for id, entry := range e.entries {
		if now.Sub(entry.at) > e.window {
			delete(e.entries, id)
		}
	}

	e.entries[recordID] = echoEntry{sentFields: sentFields, at: now}
}

// IsEcho reports whether an incoming op-set is the echo of a tracked local
// write: an unexpired entry exists and every key in the incoming ALT bucket
// matches the tracked value under loose comparison. A match consumes the
// entry, so the same echo reports false on a second call.
func (e *EchoSuppressor) IsEcho(recordID string, ops FieldOps) bool {
	if len(ops.Alt) == 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[recordID]
	if !ok {
		return false
	}

	if e.now().Sub(entry.at) > e.window {
		delete(e.entries, recordID)
		return false
	}

	for k, incoming := range ops.Alt {
		sent, tracked := entry.sentFields[k]
		if !tracked || !looseEqual(incoming, sent) {
			return false
		}
	}

	delete(e.entries, recordID)

	return true
}

// looseEqual compares two values with type-coercing equality for numeric,
// string, and boolean scalars (a JSON round-trip turns ints into float64),
// and deep structural equality for everything else.
func looseEqual(a, b any) bool {
	if sa, okA := scalarString(a); okA {
		if sb, okB := scalarString(b); okB {
			return sa == sb
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

// scalarString canonicalizes a scalar to a comparable string. Numbers are
// normalized through float64 so 1, 1.0, and "1" coerce equal.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64), true
		}

		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	case int:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	case int32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	case int64:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	case uint64:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	default:
		return "", false
	}
}
