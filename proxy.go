package featuresclient

import (
	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/variation"
)

// flagProvider is implemented by Client. FlagProxy delegates every read to
// it so the proxy itself never caches flag state.
type flagProvider interface {
	lookup(name string, forceRealtime bool) (domain.EvaluatedFlag, bool)
	recordAccess(name string, forceRealtime bool, eventType string)
}

// FlagProxy is a thin, cheap-to-construct handle on one flag name. It holds
// no copy of flag data: every read consults the provider live, so two reads
// through the same proxy can observe different cache generations if a fetch
// or sync lands in between.
type FlagProxy struct {
	name          string
	forceRealtime bool
	provider      flagProvider
}

func newFlagProxy(provider flagProvider, name string, forceRealtime bool) FlagProxy {
	return FlagProxy{name: name, forceRealtime: forceRealtime, provider: provider}
}

func (p FlagProxy) flag() *domain.EvaluatedFlag {
	f, ok := p.provider.lookup(p.name, p.forceRealtime)
	if !ok {
		return nil
	}
	return &f
}

// Name returns the flag name this proxy was constructed for.
func (p FlagProxy) Name() string { return p.name }

// Enabled reports whether the flag is on, false for a flag the cache does
// not know about.
func (p FlagProxy) Enabled() bool {
	p.provider.recordAccess(p.name, p.forceRealtime, "isEnabled")
	f := p.flag()
	return f != nil && f.Enabled
}

// Variant returns the chosen variant, or the reserved disabled variant if
// the flag is absent or off.
func (p FlagProxy) Variant() Variant {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	f := p.flag()
	if f == nil || !f.Enabled {
		return domain.DisabledVariant
	}
	return f.Variant
}

// ValueType returns the flag's declared value type, or ValueTypeNone if
// the flag is absent.
func (p FlagProxy) ValueType() ValueType {
	f := p.flag()
	if f == nil {
		return ValueTypeNone
	}
	return f.ValueType
}

// Version returns the flag's server-side version, or 0 if absent.
func (p FlagProxy) Version() int64 {
	f := p.flag()
	if f == nil {
		return 0
	}
	return f.Version
}

// Reason returns the flag's evaluation reason, or "" if absent.
func (p FlagProxy) Reason() string {
	f := p.flag()
	if f == nil {
		return ""
	}
	return f.Reason
}

// ImpressionData reports whether this flag is configured to emit impression
// events on every access.
func (p FlagProxy) ImpressionData() bool {
	f := p.flag()
	return f != nil && f.HasImpressionData && f.ImpressionData
}

// BoolVariation returns the flag's boolean value, or fallback if the flag
// is absent, not declared boolean, or has no value. A flag that is off still
// yields its variant's value.
func (p FlagProxy) BoolVariation(fallback bool) bool {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.Bool(p.flag(), fallback)
}

// BoolVariationDetails is BoolVariation plus the reason the value was (or
// was not) resolved.
func (p FlagProxy) BoolVariationDetails(fallback bool) variation.BoolDetails {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.BoolVariationDetails(p.flag(), fallback)
}

// BoolVariationOrThrow is BoolVariation, raising a FeatureError instead of
// falling back.
func (p FlagProxy) BoolVariationOrThrow() (bool, error) {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.BoolOrThrow(p.name, p.flag())
}

// StringVariation returns the flag's string value, or fallback.
func (p FlagProxy) StringVariation(fallback string) string {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.String(p.flag(), fallback)
}

func (p FlagProxy) StringVariationDetails(fallback string) variation.StringDetails {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.StringVariationDetails(p.flag(), fallback)
}

func (p FlagProxy) StringVariationOrThrow() (string, error) {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.StringOrThrow(p.name, p.flag())
}

// IntVariation returns the flag's integer value, or fallback.
func (p FlagProxy) IntVariation(fallback int) int {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.Int(p.flag(), fallback)
}

func (p FlagProxy) IntVariationDetails(fallback int) variation.IntDetails {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.IntVariationDetails(p.flag(), fallback)
}

func (p FlagProxy) IntVariationOrThrow() (int, error) {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.IntOrThrow(p.name, p.flag())
}

// FloatVariation returns the flag's numeric value, or fallback.
func (p FlagProxy) FloatVariation(fallback float64) float64 {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.Float(p.flag(), fallback)
}

func (p FlagProxy) FloatVariationDetails(fallback float64) variation.FloatDetails {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.FloatVariationDetails(p.flag(), fallback)
}

func (p FlagProxy) FloatVariationOrThrow() (float64, error) {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.FloatOrThrow(p.name, p.flag())
}

// JSONVariation returns the flag's decoded JSON value, or fallback.
func (p FlagProxy) JSONVariation(fallback any) any {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.JSON(p.flag(), fallback)
}

func (p FlagProxy) JSONVariationDetails(fallback any) variation.JSONDetails {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.JSONVariationDetails(p.flag(), fallback)
}

func (p FlagProxy) JSONVariationOrThrow() (any, error) {
	p.provider.recordAccess(p.name, p.forceRealtime, "getVariant")
	return variation.JSONOrThrow(p.name, p.flag())
}
