// Package variation implements the strict typed-extraction rules shared by
// every read path in the client: the public facade, FlagProxy, and watch
// callbacks all fall through the same lookup-and-coerce helper so a single
// code path performs lookup and a single code path performs accounting.
package variation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matt-riley/featuresclient/internal/domain"
)

// Facet names one of the five typed extraction families.
type Facet string

const (
	FacetBool   Facet = "bool"
	FacetString Facet = "string"
	FacetInt    Facet = "int"
	FacetFloat  Facet = "float"
	FacetJSON   Facet = "json"
)

func (f Facet) declaredType() domain.ValueType {
	switch f {
	case FacetBool:
		return domain.ValueTypeBoolean
	case FacetString:
		return domain.ValueTypeString
	case FacetInt, FacetFloat:
		return domain.ValueTypeNumber
	case FacetJSON:
		return domain.ValueTypeJSON
	}
	return domain.ValueTypeNone
}

// Error is raised by the or-throw facets for a missing flag, a type
// mismatch, or an absent value.
type Error struct {
	FlagName string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("featuresclient: flag %q: %s", e.FlagName, e.Reason)
}

// lookup resolves flag against facet once; every fallback/details/or-throw
// variant builds on its result so the type-match decision is made in
// exactly one place.
type lookup struct {
	flagExists bool
	enabled    bool
	reason     string
	matched    bool
	raw        any
}

func resolve(flag *domain.EvaluatedFlag, facet Facet) lookup {
	if flag == nil {
		return lookup{reason: "flag_not_found"}
	}
	l := lookup{flagExists: true, enabled: flag.Enabled}

	declared := flag.ValueType
	if declared == "" {
		declared = domain.ValueTypeNone
	}
	if declared != facet.declaredType() {
		l.reason = fmt.Sprintf("type_mismatch:expected_%s_got_%s", facet, declared)
		return l
	}

	if flag.Reason != "" {
		l.reason = flag.Reason
	} else {
		l.reason = "evaluated"
	}
	l.matched = true
	l.raw = flag.Variant.Value
	return l
}

// --------------------------------------------------------------- booleans

type BoolDetails struct {
	Value      bool
	Reason     string
	FlagExists bool
	Enabled    bool
}

func Bool(flag *domain.EvaluatedFlag, fallback bool) bool {
	l := resolve(flag, FacetBool)
	if !l.matched {
		return fallback
	}
	return boolValue(l.raw, fallback)
}

func BoolVariationDetails(flag *domain.EvaluatedFlag, fallback bool) BoolDetails {
	l := resolve(flag, FacetBool)
	val := fallback
	if l.matched {
		val = boolValue(l.raw, fallback)
	}
	return BoolDetails{Value: val, Reason: l.reason, FlagExists: l.flagExists, Enabled: l.enabled}
}

func BoolOrThrow(flagName string, flag *domain.EvaluatedFlag) (bool, error) {
	l := resolve(flag, FacetBool)
	if !l.flagExists {
		return false, &Error{FlagName: flagName, Reason: "flag not found"}
	}
	if !l.matched {
		return false, &Error{FlagName: flagName, Reason: l.reason}
	}
	if l.raw == nil {
		return false, &Error{FlagName: flagName, Reason: "no value"}
	}
	return boolValue(l.raw, false), nil
}

func boolValue(raw any, fallback bool) bool {
	if raw == nil {
		return fallback
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		if strings.EqualFold(v, "true") {
			return true
		}
		if strings.EqualFold(v, "false") {
			return false
		}
		return truthy(v)
	default:
		return truthy(v)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}

// ----------------------------------------------------------------- strings

type StringDetails struct {
	Value      string
	Reason     string
	FlagExists bool
	Enabled    bool
}

func String(flag *domain.EvaluatedFlag, fallback string) string {
	l := resolve(flag, FacetString)
	if !l.matched {
		return fallback
	}
	return stringValue(l.raw, fallback)
}

func StringVariationDetails(flag *domain.EvaluatedFlag, fallback string) StringDetails {
	l := resolve(flag, FacetString)
	val := fallback
	if l.matched {
		val = stringValue(l.raw, fallback)
	}
	return StringDetails{Value: val, Reason: l.reason, FlagExists: l.flagExists, Enabled: l.enabled}
}

func StringOrThrow(flagName string, flag *domain.EvaluatedFlag) (string, error) {
	l := resolve(flag, FacetString)
	if !l.flagExists {
		return "", &Error{FlagName: flagName, Reason: "flag not found"}
	}
	if !l.matched {
		return "", &Error{FlagName: flagName, Reason: l.reason}
	}
	if l.raw == nil {
		return "", &Error{FlagName: flagName, Reason: "no value"}
	}
	return stringValue(l.raw, ""), nil
}

func stringValue(raw any, fallback string) string {
	if raw == nil {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ----------------------------------------------------------------- numbers

type IntDetails struct {
	Value      int
	Reason     string
	FlagExists bool
	Enabled    bool
}

type FloatDetails struct {
	Value      float64
	Reason     string
	FlagExists bool
	Enabled    bool
}

func Int(flag *domain.EvaluatedFlag, fallback int) int {
	l := resolve(flag, FacetInt)
	if !l.matched {
		return fallback
	}
	if f, ok := numberValue(l.raw); ok {
		return int(f)
	}
	return fallback
}

func IntVariationDetails(flag *domain.EvaluatedFlag, fallback int) IntDetails {
	l := resolve(flag, FacetInt)
	val := fallback
	if l.matched {
		if f, ok := numberValue(l.raw); ok {
			val = int(f)
		}
	}
	return IntDetails{Value: val, Reason: l.reason, FlagExists: l.flagExists, Enabled: l.enabled}
}

func IntOrThrow(flagName string, flag *domain.EvaluatedFlag) (int, error) {
	l := resolve(flag, FacetInt)
	if !l.flagExists {
		return 0, &Error{FlagName: flagName, Reason: "flag not found"}
	}
	if !l.matched {
		return 0, &Error{FlagName: flagName, Reason: l.reason}
	}
	f, ok := numberValue(l.raw)
	if !ok {
		return 0, &Error{FlagName: flagName, Reason: "no value"}
	}
	return int(f), nil
}

func Float(flag *domain.EvaluatedFlag, fallback float64) float64 {
	l := resolve(flag, FacetFloat)
	if !l.matched {
		return fallback
	}
	if f, ok := numberValue(l.raw); ok {
		return f
	}
	return fallback
}

func FloatVariationDetails(flag *domain.EvaluatedFlag, fallback float64) FloatDetails {
	l := resolve(flag, FacetFloat)
	val := fallback
	if l.matched {
		if f, ok := numberValue(l.raw); ok {
			val = f
		}
	}
	return FloatDetails{Value: val, Reason: l.reason, FlagExists: l.flagExists, Enabled: l.enabled}
}

func FloatOrThrow(flagName string, flag *domain.EvaluatedFlag) (float64, error) {
	l := resolve(flag, FacetFloat)
	if !l.flagExists {
		return 0, &Error{FlagName: flagName, Reason: "flag not found"}
	}
	if !l.matched {
		return 0, &Error{FlagName: flagName, Reason: l.reason}
	}
	f, ok := numberValue(l.raw)
	if !ok {
		return 0, &Error{FlagName: flagName, Reason: "no value"}
	}
	return f, nil
}

func numberValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// -------------------------------------------------------------------- json

type JSONDetails struct {
	Value      any
	Reason     string
	FlagExists bool
	Enabled    bool
}

func JSON(flag *domain.EvaluatedFlag, fallback any) any {
	l := resolve(flag, FacetJSON)
	if !l.matched {
		return fallback
	}
	return jsonValue(l.raw, fallback)
}

func JSONVariationDetails(flag *domain.EvaluatedFlag, fallback any) JSONDetails {
	l := resolve(flag, FacetJSON)
	val := fallback
	if l.matched {
		val = jsonValue(l.raw, fallback)
	}
	return JSONDetails{Value: val, Reason: l.reason, FlagExists: l.flagExists, Enabled: l.enabled}
}

func JSONOrThrow(flagName string, flag *domain.EvaluatedFlag) (any, error) {
	l := resolve(flag, FacetJSON)
	if !l.flagExists {
		return nil, &Error{FlagName: flagName, Reason: "flag not found"}
	}
	if !l.matched {
		return nil, &Error{FlagName: flagName, Reason: l.reason}
	}
	if l.raw == nil {
		return nil, &Error{FlagName: flagName, Reason: "no value"}
	}
	v := jsonValue(l.raw, nil)
	if v == nil {
		return nil, &Error{FlagName: flagName, Reason: "payload is not valid JSON"}
	}
	return v, nil
}

func jsonValue(raw any, fallback any) any {
	if raw == nil {
		return fallback
	}
	switch v := raw.(type) {
	case map[string]any, []any:
		return v
	case string:
		var out any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
		return fallback
	default:
		return v
	}
}
