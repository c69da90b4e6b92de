package sync

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FieldOps is the canonical, structured form of one mutation to a record's
// field map. Application precedence is INS → ALT → SYN → NUL: SYN
// deliberately overrides ALT (a server-reconciled value beats a local
// optimistic edit), and NUL always applies last so a field set within the
// same op-set can still be deleted by it.
type FieldOps struct {
	Ins map[string]any // insert/overwrite
	Alt map[string]any // alter
	Syn map[string]any // server-reconciled, wins over Alt
	Nul []string       // field names to delete
}

// Wire bucket names for the structured op shape.
const (
	opBucketIns = "ins"
	opBucketAlt = "alt"
	opBucketSyn = "syn"
	opBucketNul = "nul"
)

// Empty reports whether the op-set carries no operations.
func (o FieldOps) Empty() bool {
	return len(o.Ins) == 0 && len(o.Alt) == 0 && len(o.Syn) == 0 && len(o.Nul) == 0
}

// Apply mutates fields in place with the canonical precedence. Applying the
// same op-set twice yields the same result.
func (o FieldOps) Apply(fields map[string]any) map[string]any {
	if fields == nil {
		fields = make(map[string]any)
	}

	for k, v := range o.Ins {
		fields[k] = v
	}

	for k, v := range o.Alt {
		fields[k] = v
	}

	for k, v := range o.Syn {
		fields[k] = v
	}

	for _, k := range o.Nul {
		delete(fields, k)
	}

	return fields
}

// outcome is a field's final disposition within a single op-set, used by
// backward event-log replay. deleted wins over value per the NUL-last rule.
type fieldOutcome struct {
	value   any
	deleted bool
}

// outcomes returns the per-field net effect of applying this op-set to an
// empty map: the value the field would end with, or a deletion marker.
func (o FieldOps) outcomes() map[string]fieldOutcome {
	out := make(map[string]fieldOutcome, len(o.Ins)+len(o.Alt)+len(o.Syn)+len(o.Nul))

	for k, v := range o.Ins {
		out[k] = fieldOutcome{value: v}
	}

	for k, v := range o.Alt {
		out[k] = fieldOutcome{value: v}
	}

	for k, v := range o.Syn {
		out[k] = fieldOutcome{value: v}
	}

	for _, k := range o.Nul {
		out[k] = fieldOutcome{deleted: true}
	}

	return out
}

// NormalizeOps canonicalizes a heterogeneous mutation payload into FieldOps.
// Two wire shapes are accepted: structured (ops nested under ins/alt/syn/nul
// buckets) and flat (a single "op" name plus a "fields" map). Field keys are
// NFC-normalized at this boundary. Unparseable shapes degrade to the empty
// op-set rather than erroring — core logic never sees a malformed payload.
func NormalizeOps(payload map[string]any) FieldOps {
	if payload == nil {
		return FieldOps{}
	}

	// Flat shape: {"op": "alt", "fields": {...}}.
	if opName, ok := payload["op"].(string); ok {
		return normalizeFlat(opName, payload["fields"])
	}

	var ops FieldOps

	for key, raw := range payload {
		switch strings.ToLower(key) {
		case opBucketIns:
			ops.Ins = normalizeBucket(raw)
		case opBucketAlt:
			ops.Alt = normalizeBucket(raw)
		case opBucketSyn:
			ops.Syn = normalizeBucket(raw)
		case opBucketNul:
			ops.Nul = normalizeNames(raw)
		}
	}

	return ops
}

// normalizeFlat converts the flat single-operator shape.
func normalizeFlat(opName string, fields any) FieldOps {
	switch strings.ToLower(opName) {
	case opBucketIns:
		return FieldOps{Ins: normalizeBucket(fields)}
	case opBucketAlt:
		return FieldOps{Alt: normalizeBucket(fields)}
	case opBucketSyn:
		return FieldOps{Syn: normalizeBucket(fields)}
	case opBucketNul:
		return FieldOps{Nul: normalizeNames(fields)}
	default:
		return FieldOps{}
	}
}

// normalizeBucket coerces a raw bucket into a field map with NFC keys.
// Non-map shapes yield nil.
func normalizeBucket(raw any) map[string]any {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[norm.NFC.String(k)] = v
	}

	return out
}

// normalizeNames coerces a NUL payload into a sorted name list. Accepts a
// list of names or a map (only keys are used).
func normalizeNames(raw any) []string {
	var names []string

	switch v := raw.(type) {
	case []string:
		for _, name := range v {
			names = append(names, norm.NFC.String(name))
		}
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, norm.NFC.String(name))
			}
		}
	case map[string]any:
		for name := range v {
			names = append(names, norm.NFC.String(name))
		}
	}

	// Deterministic order regardless of source shape.
	sort.Strings(names)

	return names
}
