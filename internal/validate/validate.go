// Package validate checks a features-client configuration for the firm
// requirements the rest of the system depends on before any network
// activity starts: required fields, URL shape, numeric ranges, and header
// well-formedness.
package validate

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Input is the subset of client configuration the validator inspects. It is
// a plain struct (not the public Config type) so this package has no
// dependency on the root package.
type Input struct {
	APIURL      string
	APIToken    string
	AppName     string
	Environment string

	CacheKeyPrefix string
	CustomHeaders  map[string]string

	RefreshInterval        time.Duration
	MetricsInterval        time.Duration
	MetricsIntervalInitial time.Duration

	InitialBackoff          time.Duration
	MaxBackoff              time.Duration
	NonRetryableStatusCodes []int
}

// Error reports a single configuration violation. Field names the option by
// its camelCase configuration name (e.g. "apiUrl",
// "fetchRetryOptions.initialBackoffMs"), not by its Go field name.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("featuresclient: config: %s: %s", e.Field, e.Msg)
}

// Validate returns the first configuration violation found, or nil.
func Validate(in Input) error {
	if err := requireNonBlank(in.APIURL, "apiUrl"); err != nil {
		return err
	}
	if err := requireNonBlank(in.APIToken, "apiToken"); err != nil {
		return err
	}
	if err := requireNonBlank(in.AppName, "appName"); err != nil {
		return err
	}
	if err := requireNonBlank(in.Environment, "environment"); err != nil {
		return err
	}

	if err := validateURL(in.APIURL); err != nil {
		return err
	}
	if err := noSurroundingWhitespace(in.APIURL, "apiUrl"); err != nil {
		return err
	}
	if err := noSurroundingWhitespace(in.APIToken, "apiToken"); err != nil {
		return err
	}

	if len(in.CacheKeyPrefix) > 100 {
		return &Error{Field: "cacheKeyPrefix", Msg: "must be <= 100 characters"}
	}

	for k, v := range in.CustomHeaders {
		if strings.TrimSpace(v) != v && v != "" {
			return &Error{Field: "customHeaders", Msg: fmt.Sprintf("%q must not have surrounding whitespace", k)}
		}
	}

	if err := validateRangeSeconds(in.RefreshInterval, "refreshInterval", 1, 86400); err != nil {
		return err
	}
	if err := validateRangeSeconds(in.MetricsInterval, "metricsInterval", 1, 86400); err != nil {
		return err
	}
	if err := validateRangeSeconds(in.MetricsIntervalInitial, "metricsIntervalInitial", 0, 3600); err != nil {
		return err
	}

	if err := validateRangeMillis(in.InitialBackoff, "fetchRetryOptions.initialBackoffMs", 100, 60000); err != nil {
		return err
	}
	if err := validateRangeMillis(in.MaxBackoff, "fetchRetryOptions.maxBackoffMs", 1000, 600000); err != nil {
		return err
	}
	if in.InitialBackoff > in.MaxBackoff {
		return &Error{
			Field: "fetchRetryOptions.initialBackoffMs",
			Msg:   fmt.Sprintf("(%s) must be <= maxBackoffMs (%s)", in.InitialBackoff, in.MaxBackoff),
		}
	}

	for _, code := range in.NonRetryableStatusCodes {
		if code < 400 || code > 599 {
			return &Error{
				Field: "fetchRetryOptions.nonRetryableStatusCodes",
				Msg:   fmt.Sprintf("invalid status code %d (must be 400-599)", code),
			}
		}
	}

	return nil
}

func requireNonBlank(v, field string) error {
	if strings.TrimSpace(v) == "" {
		return &Error{Field: field, Msg: "is required"}
	}
	return nil
}

func noSurroundingWhitespace(v, field string) error {
	if strings.TrimSpace(v) != v {
		return &Error{Field: field, Msg: "must not have surrounding whitespace"}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &Error{Field: "apiUrl", Msg: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Field: "apiUrl", Msg: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	return nil
}

func validateRangeSeconds(d time.Duration, field string, minSec, maxSec int) error {
	sec := d.Seconds()
	if sec < float64(minSec) || sec > float64(maxSec) {
		return &Error{Field: field, Msg: fmt.Sprintf("must be between %ds and %ds, got %s", minSec, maxSec, d)}
	}
	return nil
}

func validateRangeMillis(d time.Duration, field string, minMs, maxMs int) error {
	ms := d.Milliseconds()
	if ms < int64(minMs) || ms > int64(maxMs) {
		return &Error{Field: field, Msg: fmt.Sprintf("must be between %dms and %dms, got %s", minMs, maxMs, d)}
	}
	return nil
}
