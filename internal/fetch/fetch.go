// Package fetch implements the conditional-GET (or POST) polling loop that
// retrieves pre-evaluated flags from the server: request construction,
// response classification, ETag persistence, and failure-driven backoff
// scheduling.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/emitter"
	"github.com/matt-riley/featuresclient/internal/storage"
	"github.com/matt-riley/featuresclient/internal/tracing"
)

// Mode selects how the evaluation context is carried on the wire.
type Mode string

const (
	ModeGET  Mode = "GET"
	ModePOST Mode = "POST"
)

// Config is the static configuration of one Engine.
type Config struct {
	APIURL       string
	AppName      string
	Environment  string
	APIToken     string
	ConnectionID string
	SDKVersion   string

	CustomHeaders  map[string]string
	Mode           Mode
	CacheKeyPrefix string

	RefreshInterval time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	// NonRetryableStatusCodes defaults to {401, 403} when nil.
	NonRetryableStatusCodes map[int]struct{}

	RequestTimeout time.Duration
}

func (c Config) nonRetryable(status int) bool {
	set := c.NonRetryableStatusCodes
	if set == nil {
		return status == http.StatusUnauthorized || status == http.StatusForbidden
	}
	_, ok := set[status]
	return ok
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return c.RequestTimeout
}

// ApplyFunc hands a freshly fetched generation to the caller, which owns
// the decision of how to install it (straight into the active cache,
// through the diff engine, or staged into the pending slot under
// explicit-sync). The engine never touches the cache directly.
type ApplyFunc func(flags domain.FlagMap)

// ContextProvider returns the current evaluation context at request time.
type ContextProvider func() domain.Context

// storageKeys returns the two persisted-cache keys for prefix, per §6.5.
func storageKeys(prefix string) (etagKey, flagsKey string) {
	return prefix + "_etag", prefix + "_flags"
}

// Engine drives the fetch/poll loop.
type Engine struct {
	cfg     Config
	client  *http.Client
	store   storage.Provider
	emit    *emitter.Emitter
	apply   ApplyFunc
	getCtx  ContextProvider
	limiter *rate.Limiter

	mu                  sync.Mutex
	etag                string
	consecutiveFailures int
	pollingStopped      bool
	hadError            bool
	notModifiedCount    uint64
	updateCount         uint64
	recoveryCount       uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an Engine. client defaults to http.DefaultClient.
func New(cfg Config, client *http.Client, store storage.Provider, emit *emitter.Emitter, apply ApplyFunc, getCtx ContextProvider) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		cfg: cfg, client: client, store: store, emit: emit, apply: apply, getCtx: getCtx,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		stopCh:  make(chan struct{}),
	}
}

// Start loads any persisted ETag and starts the poll loop on a background
// goroutine, which performs the initial fetch and then arms the recurring
// poll timer. Start returns without waiting for that fetch. Start must
// only be called once per Engine.
func (e *Engine) Start(ctx context.Context) {
	etagKey, _ := storageKeys(e.cfg.CacheKeyPrefix)
	if v, ok := e.store.Get(etagKey); ok {
		if s, ok := v.(string); ok {
			e.mu.Lock()
			e.etag = s
			e.mu.Unlock()
		}
	}

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop cancels the poll loop. It is idempotent and does not wait beyond the
// engine's own request timeout for an in-flight fetch to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)

	for {
		e.mu.Lock()
		stopped := e.pollingStopped
		delay := e.nextDelayLocked()
		e.mu.Unlock()
		if stopped {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) nextDelayLocked() time.Duration {
	if e.consecutiveFailures == 0 {
		return e.cfg.RefreshInterval
	}
	exp := e.cfg.InitialBackoff
	for i := 1; i < e.consecutiveFailures; i++ {
		exp *= 2
		if exp >= e.cfg.MaxBackoff {
			exp = e.cfg.MaxBackoff
			break
		}
	}
	if exp > e.cfg.MaxBackoff {
		exp = e.cfg.MaxBackoff
	}
	return exp
}

func (e *Engine) tick(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout())
	defer cancel()
	e.doFetch(reqCtx)
}

// Refresh triggers an immediate out-of-band fetch, rate-limited to avoid
// abuse from repeated manual calls. It blocks until the fetch (and its
// response classification) completes.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.limiter.Allow() {
		return fmt.Errorf("featuresclient: refresh rate limit exceeded")
	}
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout())
	defer cancel()
	return e.doFetch(reqCtx)
}

func (e *Engine) doFetch(ctx context.Context) error {
	ctx, span := tracing.StartFetchSpan(ctx, string(e.cfg.Mode))
	defer span.End()
	started := time.Now()

	req, err := e.buildRequest(ctx)
	if err != nil {
		span.RecordError(err)
		e.onOtherFailure(err, time.Since(started))
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		e.onOtherFailure(err, time.Since(started))
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		e.onNotModified(time.Since(started))
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			span.RecordError(err)
			e.onOtherFailure(err, time.Since(started))
			return err
		}
		if err := e.onSuccess(resp, body, time.Since(started)); err != nil {
			span.RecordError(err)
			e.onOtherFailure(err, time.Since(started))
			return err
		}
		return nil
	case e.cfg.nonRetryable(resp.StatusCode):
		err := fmt.Errorf("featuresclient: non-retryable fetch status %d", resp.StatusCode)
		span.RecordError(err)
		e.onNonRetryable(resp.StatusCode, time.Since(started))
		return err
	default:
		err := fmt.Errorf("featuresclient: fetch status %d", resp.StatusCode)
		span.RecordError(err)
		e.onOtherFailure(err, time.Since(started))
		return err
	}
}

func (e *Engine) buildRequest(ctx context.Context) (*http.Request, error) {
	evalCtx := domain.Context{}
	if e.getCtx != nil {
		evalCtx = e.getCtx()
	}

	var req *http.Request
	var err error

	if e.cfg.Mode == ModePOST {
		body, marshalErr := json.Marshal(contextToWire(evalCtx, e.cfg.AppName, e.cfg.Environment))
		if marshalErr != nil {
			return nil, marshalErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL+"/client/features", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := contextToQuery(evalCtx, e.cfg.AppName, e.cfg.Environment)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.APIURL+"/client/features?"+q, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-API-Token", e.cfg.APIToken)
	req.Header.Set("X-Application-Name", e.cfg.AppName)
	req.Header.Set("X-Connection-Id", e.cfg.ConnectionID)
	req.Header.Set("X-SDK-Version", e.cfg.SDKVersion)
	for k, v := range e.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}

	e.mu.Lock()
	etag := e.etag
	e.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	return req, nil
}

func contextToQuery(ctx domain.Context, appName, environment string) string {
	v := url.Values{}
	v.Set("appName", appName)
	v.Set("environment", environment)
	if ctx.UserID != "" {
		v.Set("userId", ctx.UserID)
	}
	if ctx.SessionID != "" {
		v.Set("sessionId", ctx.SessionID)
	}
	if ctx.CurrentTime != "" {
		v.Set("currentTime", ctx.CurrentTime)
	}
	for k, val := range ctx.Properties {
		v.Set(fmt.Sprintf("properties[%s]", k), fmt.Sprintf("%v", val))
	}
	return v.Encode()
}

type wireContext struct {
	AppName     string         `json:"appName"`
	Environment string         `json:"environment"`
	UserID      string         `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	CurrentTime string         `json:"currentTime,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func contextToWire(ctx domain.Context, appName, environment string) wireContext {
	return wireContext{
		AppName: appName, Environment: environment,
		UserID: ctx.UserID, SessionID: ctx.SessionID, CurrentTime: ctx.CurrentTime,
		Properties: ctx.Properties,
	}
}

type wireVariant struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Value   any    `json:"value"`
}

type wireFlag struct {
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	Variant        wireVariant `json:"variant"`
	ValueType      string      `json:"valueType"`
	Version        int64       `json:"version"`
	Reason         string      `json:"reason"`
	ImpressionData *bool       `json:"impressionData"`
}

type wireResponse struct {
	Data wireResponseData `json:"data"`
}

type wireResponseData struct {
	Flags []wireFlag `json:"flags"`
}

func wireFlagsToDomain(wireFlags []wireFlag) domain.FlagMap {
	flags := make(domain.FlagMap, len(wireFlags))
	for _, wf := range wireFlags {
		flags[wf.Name] = domain.EvaluatedFlag{
			Name:    wf.Name,
			Enabled: wf.Enabled,
			Variant: domain.Variant{
				Name:    wf.Variant.Name,
				Enabled: wf.Variant.Enabled,
				Value:   wf.Variant.Value,
			},
			ValueType:         domain.ValueType(wf.ValueType),
			Version:           wf.Version,
			Reason:            wf.Reason,
			HasImpressionData: wf.ImpressionData != nil,
			ImpressionData:    wf.ImpressionData != nil && *wf.ImpressionData,
		}
	}
	return flags
}

// LoadPersisted reads the persisted flag map and ETag from store under
// prefix, the first tier of the bootstrap precedence order: a readable
// flags entry counts as a populated cache even if the ETag entry is
// missing or unreadable. ok is false on a cold cache.
func LoadPersisted(store storage.Provider, prefix string) (flags domain.FlagMap, etag string, ok bool) {
	etagKey, flagsKey := storageKeys(prefix)

	raw, found := store.Get(flagsKey)
	if !found {
		return nil, "", false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, "", false
	}
	var wireFlags []wireFlag
	if err := json.Unmarshal(b, &wireFlags); err != nil {
		return nil, "", false
	}

	if v, ok := store.Get(etagKey); ok {
		if s, ok := v.(string); ok {
			etag = s
		}
	}
	return wireFlagsToDomain(wireFlags), etag, true
}

func (e *Engine) onSuccess(resp *http.Response, body []byte, d time.Duration) error {
	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("featuresclient: decode fetch response: %w", err)
	}

	flags := wireFlagsToDomain(parsed.Data.Flags)

	newETag := resp.Header.Get("ETag")

	e.mu.Lock()
	wasError := e.hadError
	e.consecutiveFailures = 0
	e.hadError = false
	e.updateCount++
	if newETag != "" {
		e.etag = newETag
	}
	e.mu.Unlock()

	etagKey, flagsKey := storageKeys(e.cfg.CacheKeyPrefix)
	if err := e.store.Save(flagsKey, parsed.Data.Flags); err != nil {
		return err
	}
	if newETag != "" {
		if err := e.store.Save(etagKey, newETag); err != nil {
			return err
		}
	}

	e.apply(flags)

	e.emit.Emit("fetch_success", d)
	e.emit.Emit("fetch_end")
	if wasError {
		e.mu.Lock()
		e.recoveryCount++
		e.mu.Unlock()
		e.emit.Emit("recovered")
	}
	return nil
}

func (e *Engine) onNotModified(d time.Duration) {
	e.mu.Lock()
	e.notModifiedCount++
	e.consecutiveFailures = 0
	e.mu.Unlock()
	e.emit.Emit("fetch_success", d)
	e.emit.Emit("fetch_end")
}

func (e *Engine) onNonRetryable(status int, d time.Duration) {
	e.mu.Lock()
	e.pollingStopped = true
	e.hadError = true
	e.mu.Unlock()
	e.emit.Emit("fetch_error", status, fmt.Errorf("non-retryable status %d", status), d)
	e.emit.Emit("error", "fetch_error")
}

func (e *Engine) onOtherFailure(err error, d time.Duration) {
	e.mu.Lock()
	e.consecutiveFailures++
	e.hadError = true
	e.mu.Unlock()
	e.emit.Emit("fetch_error", nil, err, d)
	e.emit.Emit("error", "fetch_error")
}

// Stats is a diagnostic snapshot of the fetch engine's counters.
type Stats struct {
	ConsecutiveFailures int
	PollingStopped      bool
	NotModifiedCount    uint64
	UpdateCount         uint64
	RecoveryCount       uint64
	ETag                string
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ConsecutiveFailures: e.consecutiveFailures,
		PollingStopped:      e.pollingStopped,
		NotModifiedCount:    e.notModifiedCount,
		UpdateCount:         e.updateCount,
		RecoveryCount:       e.recoveryCount,
		ETag:                e.etag,
	}
}

// Resume clears polling_stopped. It does not restart a poll loop that has
// already returned after a non-retryable halt, and Start does not call it.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.pollingStopped = false
	e.mu.Unlock()
}
