package variation

import (
	"testing"

	"github.com/matt-riley/featuresclient/internal/domain"
)

func numberFlag(value any) *domain.EvaluatedFlag {
	return &domain.EvaluatedFlag{
		Name:      "rate",
		Enabled:   true,
		ValueType: domain.ValueTypeNumber,
		Variant:   domain.Variant{Name: "high", Enabled: true, Value: value},
	}
}

func TestE2TypedVariationMismatch(t *testing.T) {
	flag := numberFlag(42.0)

	if got := Int(flag, 0); got != 42 {
		t.Fatalf("Int() = %v, want 42", got)
	}
	if got := String(flag, ""); got != "" {
		t.Fatalf("String() = %q, want empty fallback on type mismatch", got)
	}

	details := StringVariationDetails(flag, "")
	if details.Reason != "type_mismatch:expected_string_got_number" {
		t.Fatalf("Reason = %q, want type_mismatch:expected_string_got_number", details.Reason)
	}
}

func TestBoolVariationMissingFlag(t *testing.T) {
	if got := Bool(nil, false); got != false {
		t.Fatalf("Bool(nil) = %v, want fallback false", got)
	}
	details := BoolVariationDetails(nil, true)
	if details.Reason != "flag_not_found" || details.FlagExists {
		t.Fatalf("details = %+v, want flag_not_found/!exists", details)
	}
}

func TestBoolExtractionCoercion(t *testing.T) {
	flag := &domain.EvaluatedFlag{Enabled: true, ValueType: domain.ValueTypeBoolean,
		Variant: domain.Variant{Enabled: true, Value: "TRUE"}}
	if got := Bool(flag, false); got != true {
		t.Fatalf("Bool() = %v, want true from case-insensitive string", got)
	}

	flag.Variant.Value = true
	if got := Bool(flag, false); got != true {
		t.Fatalf("Bool() = %v, want true from native bool", got)
	}
}

func TestStringExtractionReturnsStringValue(t *testing.T) {
	flag := &domain.EvaluatedFlag{Enabled: true, ValueType: domain.ValueTypeString,
		Variant: domain.Variant{Enabled: true, Value: "hello"}}
	if got := String(flag, "x"); got != "hello" {
		t.Fatalf("String() = %q, want hello", got)
	}
}

func TestJSONExtraction(t *testing.T) {
	flag := &domain.EvaluatedFlag{Enabled: true, ValueType: domain.ValueTypeJSON,
		Variant: domain.Variant{Enabled: true, Value: `{"a":1}`}}
	got, ok := JSON(flag, nil).(map[string]any)
	if !ok {
		t.Fatalf("JSON() = %v, want parsed map", got)
	}
	if got["a"].(float64) != 1 {
		t.Fatalf("JSON()[a] = %v, want 1", got["a"])
	}

	flag.Variant.Value = map[string]any{"b": 2}
	got2, ok := JSON(flag, nil).(map[string]any)
	if !ok || got2["b"].(int) != 2 {
		t.Fatalf("JSON() with native map = %v", got2)
	}
}

func TestOrThrowVariants(t *testing.T) {
	if _, err := BoolOrThrow("missing", nil); err == nil {
		t.Fatal("BoolOrThrow(nil) error = nil, want error")
	}

	flag := numberFlag(42.0)
	if _, err := StringOrThrow("rate", flag); err == nil {
		t.Fatal("StringOrThrow() error = nil, want type mismatch error")
	}
	v, err := IntOrThrow("rate", flag)
	if err != nil || v != 42 {
		t.Fatalf("IntOrThrow() = (%v, %v), want (42, nil)", v, err)
	}
}

func TestFallbackReasonIsEvaluatedWhenTypesMatchAndNoServerReason(t *testing.T) {
	flag := numberFlag(42.0)
	details := IntVariationDetails(flag, 0)
	if details.Reason != "evaluated" {
		t.Fatalf("Reason = %q, want evaluated", details.Reason)
	}
}

func TestServerReasonIsPreservedWhenTypesMatch(t *testing.T) {
	flag := numberFlag(42.0)
	flag.Reason = domain.ReasonFlagDefaultEnabled
	details := IntVariationDetails(flag, 0)
	if details.Reason != domain.ReasonFlagDefaultEnabled {
		t.Fatalf("Reason = %q, want %q", details.Reason, domain.ReasonFlagDefaultEnabled)
	}
}
