// Package metricsengine accumulates per-flag access counters and impression
// events between uploads, and posts the accumulated bucket to the metrics
// endpoint on a schedule driven by the caller, retrying transient failures
// with a short backoff.
package metricsengine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/emitter"
	"github.com/matt-riley/featuresclient/internal/tracing"
)

// Identity is the static per-connection metadata every upload carries.
type Identity struct {
	AppName      string
	Environment  string
	SDKName      string
	SDKVersion   string
	ConnectionID string
}

// Payload is the JSON body posted to the metrics endpoint.
type Payload struct {
	AppName      string               `json:"appName"`
	Environment  string               `json:"environment"`
	SDKName      string               `json:"sdkName"`
	SDKVersion   string               `json:"sdkVersion"`
	ConnectionID string               `json:"connectionId"`
	Bucket       BucketPayload        `json:"bucket"`
}

// BucketPayload is the wire shape of one drained bucket.
type BucketPayload struct {
	Start   time.Time                      `json:"start"`
	Stop    time.Time                      `json:"stop"`
	Flags   map[string]domain.BucketCounts `json:"flags"`
	Missing map[string]uint64              `json:"missing"`
}

// Uploader posts payload to the metrics endpoint and returns the HTTP status
// code observed, or an error if the request could not be completed at all
// (transport failure, not an HTTP response).
type Uploader func(ctx context.Context, payload Payload) (status int, err error)

// Engine accumulates access counters and drains them into periodic uploads.
type Engine struct {
	identity           Identity
	emit               *emitter.Emitter
	disableStats       bool
	impressionDataAll  bool

	mu      sync.Mutex
	bucket  *domain.MetricsBucket
	sent    uint64
	errored uint64

	now func() time.Time
}

// New returns an Engine for identity. now defaults to time.Now when nil,
// overridable in tests.
func New(identity Identity, emit *emitter.Emitter, disableStats, impressionDataAll bool, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		identity:          identity,
		emit:              emit,
		disableStats:      disableStats,
		impressionDataAll: impressionDataAll,
		bucket:            domain.NewMetricsBucket(now()),
		now:               now,
	}
}

// RecordAccess accounts for one variation/enabled lookup and, if the flag
// opts in, emits an impression event. flag is nil when the lookup found no
// flag by that name. eventType is "isEnabled" or "getVariant".
func (e *Engine) RecordAccess(flagName string, flag *domain.EvaluatedFlag, ctx domain.Context, eventType string) {
	if e.disableStats {
		return
	}

	e.mu.Lock()
	if flag == nil {
		e.bucket.Missing[flagName]++
	} else {
		counts, ok := e.bucket.Flags[flagName]
		if !ok {
			counts = &domain.BucketCounts{Variants: make(map[string]uint64)}
			e.bucket.Flags[flagName] = counts
		}
		if flag.Enabled {
			counts.Yes++
		} else {
			counts.No++
		}
		if flag.Variant.Name != "" {
			counts.Variants[flag.Variant.Name]++
		}
	}
	e.mu.Unlock()

	if flag == nil {
		return
	}
	if !(flag.HasImpressionData && flag.ImpressionData) && !e.impressionDataAll {
		return
	}

	variantName := ""
	if flag.Variant.Enabled && flag.Variant.Name != domain.VariantDisabled {
		variantName = flag.Variant.Name
	}
	e.emit.Emit("impression", domain.ImpressionEvent{
		EventType:   eventType,
		EventID:     uuid.NewString(),
		Context:     ctx,
		Enabled:     flag.Enabled,
		FlagName:    flagName,
		VariantName: variantName,
		Reason:      flag.Reason,
	})
}

// drain rotates the current bucket out under lock and returns its payload,
// plus whether it held anything worth uploading.
func (e *Engine) drain() (Payload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := e.bucket
	hasData := len(bucket.Flags) > 0 || len(bucket.Missing) > 0
	stop := e.now()
	e.bucket = domain.NewMetricsBucket(stop)

	flags := make(map[string]domain.BucketCounts, len(bucket.Flags))
	for name, counts := range bucket.Flags {
		flags[name] = *counts
	}

	return Payload{
		AppName:      e.identity.AppName,
		Environment:  e.identity.Environment,
		SDKName:      e.identity.SDKName,
		SDKVersion:   e.identity.SDKVersion,
		ConnectionID: e.identity.ConnectionID,
		Bucket: BucketPayload{
			Start:   bucket.Start,
			Stop:    stop,
			Flags:   flags,
			Missing: bucket.Missing,
		},
	}, hasData
}

// Upload drains the current bucket and posts it via upload, retrying
// transient failures up to two more times with 2s/4s sleeps. A 4xx response
// other than 408/429 is treated as terminal. Returns nil whenever the
// bucket held nothing to send.
func (e *Engine) Upload(ctx context.Context, upload Uploader) error {
	if e.disableStats {
		return nil
	}
	payload, hasData := e.drain()
	if !hasData {
		return nil
	}

	ctx, span := tracing.StartMetricsUploadSpan(ctx)
	defer span.End()
	started := time.Now()

	var lastErr error
	backoffs := []time.Duration{2 * time.Second, 4 * time.Second}

	for attempt := 0; ; attempt++ {
		status, err := upload(ctx, payload)
		if err == nil && status >= 200 && status < 300 {
			e.mu.Lock()
			e.sent++
			e.mu.Unlock()
			e.emit.Emit("metrics.sent", len(payload.Bucket.Flags), time.Since(started))
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = &statusError{status: status}
		}

		nonRetryable := err == nil && status >= 400 && status < 500 && status != 408 && status != 429
		if nonRetryable || attempt >= len(backoffs) {
			break
		}

		timer := time.NewTimer(backoffs[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
			continue
		}
		break
	}

	span.RecordError(lastErr)
	e.mu.Lock()
	e.errored++
	e.mu.Unlock()
	e.emit.Emit("metrics.error", lastErr, time.Since(started))
	return lastErr
}

// Stats reports cumulative upload counters for diagnostics.
func (e *Engine) Stats() (sent, errored uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent, e.errored
}

type statusError struct{ status int }

func (s *statusError) Error() string {
	return "featuresclient: metrics upload returned status " + strconv.Itoa(s.status)
}
