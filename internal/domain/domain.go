// Package domain holds the wire-level data model shared by every layer of
// the features client: the evaluated flag shape returned by the server, the
// evaluation context sent to it, and the reserved variant names the
// protocol carves out for itself.
package domain

import (
	"reflect"
	"time"
)

// ValueType is the declared shape of a variant's payload.
type ValueType string

const (
	ValueTypeNone    ValueType = "none"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeJSON    ValueType = "json"
)

// Reserved variant names. Names beginning with "$" are reserved for the
// protocol. The client does not check server-supplied flag or variant names
// against them: a server flag using one of these names is cached and read
// back as sent.
const (
	VariantMissing      = "$missing"
	VariantTypeMismatch = "$type-mismatch"
	VariantDisabled      = "$disabled"

	// Server-side evaluation reasons forwarded verbatim when present; the
	// client never produces these itself, it only relays EvaluatedFlag.Reason.
	ReasonEnvDefaultEnabled   = "$env-default-enabled"
	ReasonFlagDefaultEnabled  = "$flag-default-enabled"
	ReasonEnvDefaultDisabled  = "$env-default-disabled"
	ReasonFlagDefaultDisabled = "$flag-default-disabled"
)

// Variant is the chosen output of a server-side evaluation.
type Variant struct {
	Name    string
	Enabled bool
	Value   any
}

// DisabledVariant is returned wherever a flag has no live variant.
var DisabledVariant = Variant{Name: VariantDisabled, Enabled: false}

// EvaluatedFlag is one flag as returned by the server: targeting has already
// been resolved, the client never re-evaluates rules.
type EvaluatedFlag struct {
	Name            string
	Enabled         bool
	Variant         Variant
	ValueType       ValueType
	Version         int64
	Reason          string
	ImpressionData  bool
	HasImpressionData bool
}

// Equal implements the diff predicate from the data model: enabled, version,
// variant name, variant enabled, and variant value must all agree.
func (f EvaluatedFlag) Equal(other EvaluatedFlag) bool {
	if f.Enabled != other.Enabled {
		return false
	}
	if f.Version != other.Version {
		return false
	}
	if f.Variant.Name != other.Variant.Name {
		return false
	}
	if f.Variant.Enabled != other.Variant.Enabled {
		return false
	}
	return valuesEqual(f.Variant.Value, other.Variant.Value)
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Context is the evaluation context sent to the server. It is never
// mutated after being handed to the fetch engine; updates replace it
// wholesale.
type Context struct {
	UserID      string
	SessionID   string
	CurrentTime string
	Properties  map[string]any
}

// ImpressionEvent records that the application read a specific flag's value
// under a specific context.
type ImpressionEvent struct {
	EventType   string // "isEnabled" | "getVariant"
	EventID     string
	Context     Context
	Enabled     bool
	FlagName    string
	VariantName string // only set when the variant is enabled and not "$disabled"
	Reason      string
}

// FlagMap is the shape of one cache generation: at most one EvaluatedFlag per
// flag name.
type FlagMap map[string]EvaluatedFlag

// Clone returns a shallow copy safe to hand to a new owner.
func (m FlagMap) Clone() FlagMap {
	out := make(FlagMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BucketCounts is the per-flag counter shape of a metrics bucket.
type BucketCounts struct {
	Yes      uint64            `json:"yes"`
	No       uint64            `json:"no"`
	Variants map[string]uint64 `json:"variants"`
}

// MetricsBucket accumulates per-flag counters between uploads.
type MetricsBucket struct {
	Start   time.Time
	Flags   map[string]*BucketCounts
	Missing map[string]uint64
}

// NewMetricsBucket creates an empty bucket stamped with the current time.
func NewMetricsBucket(now time.Time) *MetricsBucket {
	return &MetricsBucket{
		Start:   now,
		Flags:   make(map[string]*BucketCounts),
		Missing: make(map[string]uint64),
	}
}
