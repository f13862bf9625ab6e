package featuresclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/featuresclient/internal/cache"
	"github.com/matt-riley/featuresclient/internal/diffnotify"
	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/emitter"
	"github.com/matt-riley/featuresclient/internal/fetch"
	"github.com/matt-riley/featuresclient/internal/logging"
	"github.com/matt-riley/featuresclient/internal/metrics"
	"github.com/matt-riley/featuresclient/internal/metricsengine"
	"github.com/matt-riley/featuresclient/internal/storage"
	"github.com/matt-riley/featuresclient/internal/streaming"
	"github.com/matt-riley/featuresclient/internal/tracing"
	"github.com/matt-riley/featuresclient/internal/validate"
)

// Event names the client's embedded emitter dispatches. "<flagName>.change"
// is not listed since its name is dynamic.
const (
	EventInit           = "init"
	EventChange         = "change"
	EventRemoved        = "removed"
	EventRecovered      = "recovered"
	EventError          = "error"
	EventFetchSuccess   = "fetch_success"
	EventFetchEnd       = "fetch_end"
	EventFetchError     = "fetch_error"
	EventMetricsSent    = "metrics.sent"
	EventMetricsError   = "metrics.error"
	EventSync           = "sync"
	EventPendingSync    = "pending_sync"
	EventImpression     = "impression"
	EventStreamConnected    = "streaming.connected"
	EventStreamDisconnected = "streaming.disconnected"
	EventStreamReconnecting = "streaming.reconnecting"
	EventStreamError        = "streaming.error"
	EventStreamInvalidated  = "streaming.invalidated"
)

// Client is a features-client instance: a local cache kept fresh by a
// polling fetch loop and an optional streaming channel, with a strict
// typed variation API layered on top. A Client owns all of its own state;
// constructing several with distinct Config values is safe and normal.
type Client struct {
	cfg          Config
	connectionID string

	cache *cache.Cache
	emit  *emitter.Emitter
	diff  *diffnotify.Engine

	store storage.Provider
	http  *http.Client

	fetchEngine   *fetch.Engine
	metricsEngine *metricsengine.Engine
	sse           *streaming.SSEConnection
	ws            *streaming.WSConnection

	metrics *metrics.Metrics
	logger  *slog.Logger

	tracingShutdown func(context.Context) error

	ctxMu       sync.RWMutex
	evalContext domain.Context

	ready atomic.Bool

	syncMu    sync.Mutex
	syncCount uint64

	impressionCount atomic.Uint64

	group  *errgroup.Group
	cancel context.CancelFunc
	stopOnce sync.Once
}

func toValidateInput(cfg Config) validate.Input {
	codes := cfg.FetchRetryOptions.NonRetryableStatusCodes
	return validate.Input{
		APIURL:                 cfg.APIURL,
		APIToken:               cfg.APIToken,
		AppName:                cfg.AppName,
		Environment:            cfg.Environment,
		CacheKeyPrefix:         cfg.CacheKeyPrefix,
		CustomHeaders:          cfg.CustomHeaders,
		RefreshInterval:        cfg.refreshInterval(),
		MetricsInterval:        cfg.metricsInterval(),
		MetricsIntervalInitial: cfg.MetricsIntervalInitial,
		InitialBackoff:         cfg.FetchRetryOptions.initialBackoff(),
		MaxBackoff:             cfg.FetchRetryOptions.maxBackoff(),
		NonRetryableStatusCodes: codes,
	}
}

func nonRetryableSet(codes []int) map[int]struct{} {
	if codes == nil {
		return nil
	}
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func bootstrapToFlagMap(entries []BootstrapFlag) domain.FlagMap {
	out := make(domain.FlagMap, len(entries))
	for _, e := range entries {
		variant := e.Variant
		if variant.Name == "" {
			variant = domain.DisabledVariant
		}
		out[e.Name] = domain.EvaluatedFlag{
			Name:      e.Name,
			Enabled:   e.Enabled,
			Variant:   variant,
			ValueType: domain.ValueTypeBoolean,
			Reason:    "bootstrap",
		}
	}
	return out
}

// New validates cfg and constructs a Client. It performs no network
// activity; call Start to begin fetching.
func New(cfg Config) (*Client, error) {
	if err := validate.Validate(toValidateInput(cfg)); err != nil {
		return nil, err
	}

	store := cfg.Storage
	if store == nil {
		store = storage.NewMemory()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(levelFor(cfg.EnableDevMode))
	}

	c := &Client{
		cfg:          cfg,
		connectionID: uuid.NewString(),
		cache:        cache.New(),
		emit:         emitter.New(),
		store:        store,
		http:         httpClient,
		logger:       logger,
	}
	c.diff = diffnotify.New(c.emit, c.newChangeProxy)

	if !cfg.DisableMetrics {
		c.metrics = metrics.New()
	}

	c.bootstrap()

	c.metricsEngine = metricsengine.New(metricsengine.Identity{
		AppName: cfg.AppName, Environment: cfg.Environment,
		SDKName: cfg.sdkName(), SDKVersion: cfg.sdkVersion(),
		ConnectionID: c.connectionID,
	}, c.emit, cfg.DisableStats, cfg.ImpressionDataAll, nil)

	c.fetchEngine = fetch.New(fetch.Config{
		APIURL: cfg.APIURL, AppName: cfg.AppName, Environment: cfg.Environment,
		APIToken: cfg.APIToken, ConnectionID: c.connectionID, SDKVersion: cfg.sdkName() + "/" + cfg.sdkVersion(),
		CustomHeaders:  cfg.CustomHeaders,
		Mode:           fetchMode(cfg.UsePostRequests),
		CacheKeyPrefix: cfg.cacheKeyPrefix(),
		RefreshInterval: cfg.refreshInterval(),
		InitialBackoff:  cfg.FetchRetryOptions.initialBackoff(),
		MaxBackoff:      cfg.FetchRetryOptions.maxBackoff(),
		NonRetryableStatusCodes: nonRetryableSet(cfg.FetchRetryOptions.NonRetryableStatusCodes),
	}, httpClient, store, c.emit, c.applyFetched, c.GetContext)

	if cfg.Streaming.Enabled {
		identity := streaming.Identity{
			APIURL: cfg.APIURL, APIToken: cfg.APIToken, AppName: cfg.AppName,
			Environment: cfg.Environment, ConnectionID: c.connectionID,
			SDKVersion: cfg.sdkName() + "/" + cfg.sdkVersion(), CustomHeaders: cfg.CustomHeaders,
		}
		handlers := streaming.Handlers{
			OnFetchRequest: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = c.fetchEngine.Refresh(ctx)
			},
		}
		switch cfg.Streaming.Transport {
		case TransportWebSocket:
			c.ws = streaming.NewWSConnection(identity, streaming.WSConfig{
				URL: cfg.Streaming.WS.URL, PingInterval: cfg.Streaming.WS.PingInterval,
				ReconnectBase: cfg.Streaming.WS.ReconnectBase, ReconnectMax: cfg.Streaming.WS.ReconnectMax,
			}, c.emit, handlers)
		default:
			c.sse = streaming.NewSSEConnection(identity, streaming.SSEConfig{
				URL: cfg.Streaming.SSE.URL, ReconnectBase: cfg.Streaming.SSE.ReconnectBase, ReconnectMax: cfg.Streaming.SSE.ReconnectMax,
			}, httpClient, c.emit, handlers)
		}
	}

	c.wireMetricsBridge()
	c.wireLoggingBridge()

	return c, nil
}

// wireLoggingBridge logs structured diagnostics for every background
// loop's notable transitions, so operators get one consistent log shape
// regardless of which engine produced the event.
func (c *Client) wireLoggingBridge() {
	c.emit.On(EventFetchError, func(args ...any) {
		var status any
		if len(args) > 0 {
			status = args[0]
		}
		var err any
		if len(args) > 1 {
			err = args[1]
		}
		c.logger.Warn("fetch failed", "status", status, "error", err, "etag", c.fetchEngine.Stats().ETag)
	}, "logging-bridge")
	c.emit.On(EventRecovered, func(args ...any) {
		c.logger.Info("fetch recovered", "etag", c.fetchEngine.Stats().ETag)
	}, "logging-bridge")
	c.emit.On(EventMetricsError, func(args ...any) {
		var err any
		if len(args) > 0 {
			err = args[0]
		}
		c.logger.Warn("metrics upload failed", "error", err)
	}, "logging-bridge")
	c.emit.On(EventStreamError, func(args ...any) {
		var msg any
		if len(args) > 0 {
			msg = args[0]
		}
		c.logger.Warn("streaming transport error", "transport", c.streamTransport(), "error", msg)
	}, "logging-bridge")
	c.emit.On(EventStreamReconnecting, func(args ...any) {
		c.logger.Info("streaming reconnecting", "transport", c.streamTransport())
	}, "logging-bridge")
}

func levelFor(devMode bool) string {
	if devMode {
		return "debug"
	}
	return "info"
}

func fetchMode(usePost bool) fetch.Mode {
	if usePost {
		return fetch.ModePOST
	}
	return fetch.ModeGET
}

// bootstrap applies the precedence order from §4.12/Testable Property 1
// and fires init exactly once, before any network activity.
func (c *Client) bootstrap() {
	persisted, _, hasPersisted := fetch.LoadPersisted(c.store, c.cfg.cacheKeyPrefix())
	bootstrapFlags := bootstrapToFlagMap(c.cfg.Bootstrap)

	var active domain.FlagMap
	switch {
	case c.cfg.BootstrapOverride:
		active = bootstrapFlags
	case hasPersisted && len(persisted) > 0:
		active = persisted
	default:
		active = bootstrapFlags
	}

	c.cache.ReplaceActive(active)
	c.ready.Store(true)
	c.emit.Emit(EventInit)
}

// wireMetricsBridge connects internal emitter events to the optional
// Prometheus collectors, keeping metrics.go free of any knowledge of the
// emitter or the engines that produce these events.
func (c *Client) wireMetricsBridge() {
	if c.metrics == nil {
		return
	}
	c.emit.On(EventFetchSuccess, func(args ...any) { c.metrics.ObserveFetch("success", fetchDurationArg(args, 0)) }, "metrics-bridge")
	c.emit.On(EventFetchError, func(args ...any) { c.metrics.ObserveFetch("error", fetchDurationArg(args, 2)) }, "metrics-bridge")
	c.emit.On(EventMetricsSent, func(args ...any) { c.metrics.ObserveMetricsUpload("success", fetchDurationArg(args, 1)) }, "metrics-bridge")
	c.emit.On(EventMetricsError, func(args ...any) { c.metrics.ObserveMetricsUpload("error", fetchDurationArg(args, 1)) }, "metrics-bridge")
	c.emit.On(EventStreamConnected, func(args ...any) { c.metrics.SetStreamingState(c.streamTransport(), "connected") }, "metrics-bridge")
	c.emit.On(EventStreamDisconnected, func(args ...any) { c.metrics.SetStreamingState(c.streamTransport(), "disconnected") }, "metrics-bridge")
	c.emit.On(EventStreamReconnecting, func(args ...any) {
		c.metrics.SetStreamingState(c.streamTransport(), "reconnecting")
		c.metrics.IncStreamingReconnect()
	}, "metrics-bridge")
	c.emit.On(EventStreamInvalidated, func(args ...any) { c.metrics.IncStreamingEvent() }, "metrics-bridge")
}

// fetchDurationArg returns the time.Duration carried at args[idx], or zero
// if the event was emitted without one (e.g. by a test harness).
func fetchDurationArg(args []any, idx int) time.Duration {
	if idx >= len(args) {
		return 0
	}
	d, _ := args[idx].(time.Duration)
	return d
}

func (c *Client) streamTransport() string {
	if c.cfg.Streaming.Transport == TransportWebSocket {
		return "websocket"
	}
	return "sse"
}

// applyFetched is the fetch engine's ApplyFunc: it stages into pending
// under explicit-sync, otherwise runs the diff engine against the current
// active generation and installs the result.
func (c *Client) applyFetched(flags domain.FlagMap) {
	if c.cfg.ExplicitSyncMode {
		c.cache.SetPending(flags)
		c.emit.Emit(EventPendingSync)
		return
	}
	old := c.cache.Active()
	c.diff.Apply(old, flags)
	c.cache.ReplaceActive(flags)
	if c.metrics != nil {
		c.metrics.SetCacheSize(len(flags))
	}
}

// newChangeProxy builds the FlagProxy payload diffnotify.Engine attaches to
// "<name>.change" events. flag is ignored: the result is a live proxy for
// name, so the "new" and "old" payloads of one event read the same cache
// state.
func (c *Client) newChangeProxy(name string, flag *domain.EvaluatedFlag) any {
	return newFlagProxy(c, name, false)
}

// lookup implements flagProvider for FlagProxy.
func (c *Client) lookup(name string, forceRealtime bool) (domain.EvaluatedFlag, bool) {
	if forceRealtime && c.cfg.ExplicitSyncMode {
		return c.cache.GetPendingOrActive(name)
	}
	return c.cache.Get(name)
}

// recordAccess implements flagProvider for FlagProxy.
func (c *Client) recordAccess(name string, forceRealtime bool, eventType string) {
	f, ok := c.lookup(name, forceRealtime)
	var flagPtr *domain.EvaluatedFlag
	if ok {
		flagPtr = &f
	}
	c.metricsEngine.RecordAccess(name, flagPtr, c.GetContext(), eventType)
	if flagPtr != nil && flagPtr.HasImpressionData && flagPtr.ImpressionData {
		c.impressionCount.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordEvaluation(ok && flagPtr != nil && flagPtr.Enabled)
	}
}

// Flag returns a FlagProxy for name, reading the active generation unless
// forceRealtime is true and explicit-sync mode is enabled, in which case
// pending is consulted first.
func (c *Client) Flag(name string, forceRealtime bool) FlagProxy {
	return newFlagProxy(c, name, forceRealtime)
}

// IsEnabled is shorthand for Flag(name, false).Enabled().
func (c *Client) IsEnabled(name string) bool {
	return c.Flag(name, false).Enabled()
}

// GetVariant is shorthand for Flag(name, false).Variant().
func (c *Client) GetVariant(name string) Variant {
	return c.Flag(name, false).Variant()
}

// GetAllFlags returns a snapshot of every flag in the active generation.
func (c *Client) GetAllFlags() []EvaluatedFlag {
	active := c.cache.Active()
	out := make([]EvaluatedFlag, 0, len(active))
	for _, f := range active {
		out = append(out, f)
	}
	return out
}

// GetContext returns the current evaluation context.
func (c *Client) GetContext() Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.evalContext
}

// UpdateContext replaces the evaluation context wholesale and, unless
// OfflineMode is set, triggers an immediate rate-limited fetch whether or
// not Start has been called. The cached ETag is not cleared, so that fetch
// still sends If-None-Match.
func (c *Client) UpdateContext(ctx Context) error {
	c.ctxMu.Lock()
	c.evalContext = ctx
	c.ctxMu.Unlock()

	if c.cfg.OfflineMode {
		return nil
	}
	refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.fetchEngine.Refresh(refreshCtx)
}

// Refresh triggers an immediate, rate-limited fetch outside the normal
// poll schedule.
func (c *Client) Refresh(ctx context.Context) error {
	if c.cfg.OfflineMode {
		return ErrOffline
	}
	return c.fetchEngine.Refresh(ctx)
}

// IsExplicitSync reports whether explicit-sync mode is enabled.
func (c *Client) IsExplicitSync() bool {
	return c.cfg.ExplicitSyncMode
}

// CanSyncFlags reports whether a pending generation is staged and waiting
// for SyncFlags.
func (c *Client) CanSyncFlags() bool {
	_, ok := c.cache.Pending()
	return ok
}

// SyncFlags commits the pending generation into active, running the
// diff/notify engine against the transition and firing sync exactly once
// after every affected "<name>.change" event has fired. If fetchNow is
// true, a fetch is performed first so the commit reflects the latest
// server state. A no-op (returns nil) if nothing is pending.
func (c *Client) SyncFlags(ctx context.Context, fetchNow bool) error {
	if fetchNow && !c.cfg.OfflineMode {
		if err := c.fetchEngine.Refresh(ctx); err != nil {
			return err
		}
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	old, applied, ok := c.cache.CommitPending()
	if !ok {
		return nil
	}
	c.diff.Apply(old, applied)
	c.syncCount++
	if c.metrics != nil {
		c.metrics.SetCacheSize(len(applied))
	}
	c.emit.Emit(EventSync)
	return nil
}

// On subscribes callback to event on the client's emitter.
func (c *Client) On(event string, callback func(args ...any), label string) {
	c.emit.On(event, callback, label)
}

// Once subscribes callback to event; it fires at most once.
func (c *Client) Once(event string, callback func(args ...any), label string) {
	c.emit.Once(event, callback, label)
}

// Off removes callback from event. callback=nil removes every handler.
func (c *Client) Off(event string, callback func(args ...any)) {
	c.emit.Off(event, callback)
}

// WatchFlag subscribes onChange to name's "<name>.change" event, receiving
// a live FlagProxy on every transition. The returned function unsubscribes.
func (c *Client) WatchFlag(name string, onChange func(FlagProxy)) func() {
	handler := func(args ...any) {
		onChange(newFlagProxy(c, name, false))
	}
	c.emit.On(name+".change", handler, "watch:"+name)
	return func() { c.emit.Off(name+".change", handler) }
}

// WatchFlagWithInitialState is WatchFlag, but invokes onChange once
// immediately with the current proxy before subscribing.
func (c *Client) WatchFlagWithInitialState(name string, onChange func(FlagProxy)) func() {
	onChange(newFlagProxy(c, name, false))
	return c.WatchFlag(name, onChange)
}

// WatchGroup is a named batch of WatchFlag subscriptions that can all be
// torn down together.
type WatchGroup struct {
	client    *Client
	unwatches []func()
	mu        sync.Mutex
}

// NewWatchGroup returns an empty WatchGroup bound to this client.
func (c *Client) NewWatchGroup() *WatchGroup {
	return &WatchGroup{client: c}
}

// Watch adds a watch to the group, equivalent to Client.WatchFlag.
func (g *WatchGroup) Watch(name string, onChange func(FlagProxy)) {
	unwatch := g.client.WatchFlag(name, onChange)
	g.mu.Lock()
	g.unwatches = append(g.unwatches, unwatch)
	g.mu.Unlock()
}

// UnwatchAll tears down every watch currently in the group without
// discarding the group itself.
func (g *WatchGroup) UnwatchAll() {
	g.mu.Lock()
	unwatches := g.unwatches
	g.unwatches = nil
	g.mu.Unlock()
	for _, u := range unwatches {
		u()
	}
}

// Destroy is an alias for UnwatchAll; the group remains usable afterward.
func (g *WatchGroup) Destroy() { g.UnwatchAll() }

// Stats returns a structured diagnostic snapshot of this client instance.
func (c *Client) Stats() Stats {
	fetchStats := c.fetchEngine.Stats()
	sent, errored := c.metricsEngine.Stats()
	active := c.cache.Active()
	_, pendingStaged := c.cache.Pending()

	streamState := ""
	streamEvents := uint64(0)
	streamReconnects := 0
	switch {
	case c.sse != nil:
		s := c.sse.Stats()
		streamState, streamEvents, streamReconnects = string(s.State), s.EventCount, s.ReconnectCount
	case c.ws != nil:
		s := c.ws.Stats()
		streamState, streamEvents, streamReconnects = string(s.State), s.EventCount, s.ReconnectCount
	}

	pendingCount := 0
	if p, ok := c.cache.Pending(); ok {
		pendingCount = len(p)
	}

	return Stats{
		Ready:              c.ready.Load(),
		Online:             !c.cfg.OfflineMode,
		FetchUpdateCount:   fetchStats.UpdateCount,
		FetchNotModified:   fetchStats.NotModifiedCount,
		FetchFailures:      fetchStats.ConsecutiveFailures,
		FetchRecoveries:    fetchStats.RecoveryCount,
		PollingStopped:     fetchStats.PollingStopped,
		MetricsSent:        sent,
		MetricsErrored:     errored,
		SyncCount:          c.syncCount,
		ImpressionCount:    c.impressionCount.Load(),
		ActiveFlagCount:    len(active),
		PendingFlagCount:   pendingCount,
		PendingStaged:      pendingStaged,
		StreamingState:     streamState,
		StreamingEvents:    streamEvents,
		StreamingReconnect: streamReconnects,
	}
}

// MetricsHandler exposes the client's internal Prometheus registry, or nil
// if DisableMetrics was set.
func (c *Client) MetricsHandler() http.Handler {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.Handler()
}

// Start begins the fetch poll loop, the metrics upload loop, and (if
// configured) the streaming connection. All three share one cancelable
// context rooted in an errgroup, so a single Stop tears every loop down
// within its own request timeout. Start must only be called once per
// Client and is a no-op for the fetch/streaming loops when OfflineMode is
// set.
func (c *Client) Start(ctx context.Context) error {
	shutdown, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("featuresclient: init tracing: %w", err)
	}
	c.tracingShutdown = shutdown

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gCtx := errgroup.WithContext(runCtx)
	c.group = g

	if !c.cfg.OfflineMode && !c.cfg.DisableRefresh {
		c.fetchEngine.Start(gCtx)
	}

	if !c.cfg.OfflineMode && !c.cfg.DisableMetrics {
		g.Go(func() error {
			c.runMetricsLoop(gCtx)
			return nil
		})
	}

	if !c.cfg.OfflineMode && c.sse != nil {
		c.sse.Connect(gCtx)
	}
	if !c.cfg.OfflineMode && c.ws != nil {
		c.ws.Connect(gCtx)
	}

	return nil
}

func (c *Client) runMetricsLoop(ctx context.Context) {
	initial := c.cfg.MetricsIntervalInitial
	if initial <= 0 {
		initial = c.cfg.metricsInterval()
	}

	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_ = c.metricsEngine.Upload(uploadCtx, c.uploadMetrics)
			cancel()
			timer.Reset(c.cfg.metricsInterval())
		}
	}
}

func (c *Client) uploadMetrics(ctx context.Context, payload metricsengine.Payload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("featuresclient: encode metrics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/client/metrics", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", c.cfg.APIToken)
	req.Header.Set("X-Application-Name", c.cfg.AppName)
	req.Header.Set("X-Connection-Id", c.connectionID)
	req.Header.Set("X-SDK-Version", c.cfg.sdkName()+"/"+c.cfg.sdkVersion())
	for k, v := range c.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Stop idempotently cancels every background loop, forces one best-effort
// final metrics drain, and disconnects any streaming connection. It does
// not wait beyond the engines' own request timeouts.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		if c.sse != nil {
			c.sse.Disconnect()
		}
		if c.ws != nil {
			c.ws.Disconnect()
		}
		c.fetchEngine.Stop()

		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.metricsEngine.Upload(drainCtx, c.uploadMetrics)
		cancel()

		if c.cancel != nil {
			c.cancel()
		}
		if c.group != nil {
			_ = c.group.Wait()
		}
		if c.tracingShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.tracingShutdown(shutdownCtx)
			cancel()
		}
	})
	return nil
}
