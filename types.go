// Package featuresclient is a client-side feature-flag evaluation cache: it
// fetches pre-evaluated flags from a server, caches them locally, keeps the
// cache fresh via polling and/or a real-time streaming channel, and exposes
// a strict typed variation API over the cached results.
package featuresclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/storage"
)

// Provider is the persisted-cache storage contract. See [storage.Provider].
type Provider = storage.Provider

// Variant is the chosen output of a server-side evaluation.
type Variant = domain.Variant

// EvaluatedFlag is one flag as returned by the server.
type EvaluatedFlag = domain.EvaluatedFlag

// Context is the evaluation context sent to the server on every fetch.
type Context = domain.Context

// ValueType is the declared shape of a variant's payload.
type ValueType = domain.ValueType

const (
	ValueTypeNone    = domain.ValueTypeNone
	ValueTypeBoolean = domain.ValueTypeBoolean
	ValueTypeString  = domain.ValueTypeString
	ValueTypeNumber  = domain.ValueTypeNumber
	ValueTypeJSON    = domain.ValueTypeJSON
)

// ImpressionEvent records that the application read a specific flag's
// value under a specific context; see WatchFlag and the "impression"
// event.
type ImpressionEvent = domain.ImpressionEvent

// Transport selects the streaming channel implementation.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// FetchRetryOptions tunes the fetch engine's exponential backoff and the
// set of HTTP status codes that halt polling entirely.
type FetchRetryOptions struct {
	InitialBackoffMs int
	MaxBackoffMs     int
	// NonRetryableStatusCodes defaults to {401, 403} when nil.
	NonRetryableStatusCodes []int
}

func (o FetchRetryOptions) initialBackoff() time.Duration {
	if o.InitialBackoffMs <= 0 {
		return time.Second
	}
	return time.Duration(o.InitialBackoffMs) * time.Millisecond
}

func (o FetchRetryOptions) maxBackoff() time.Duration {
	if o.MaxBackoffMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(o.MaxBackoffMs) * time.Millisecond
}

// SSEConfig configures the SSE streaming transport.
type SSEConfig struct {
	URL           string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// WSConfig configures the WebSocket streaming transport.
type WSConfig struct {
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// StreamingConfig is the real-time invalidation channel's configuration.
type StreamingConfig struct {
	Enabled   bool
	Transport Transport
	SSE       SSEConfig
	WS        WSConfig
}

// BootstrapFlag is one entry in a caller-supplied bootstrap list, used to
// seed the cache before the first network fetch completes.
type BootstrapFlag struct {
	Name    string
	Enabled bool
	Variant Variant
}

// Config is the features client's configuration. It is a plain struct
// literal, not loaded from the environment: this is an embeddable library,
// and the embedding application owns its own configuration story.
type Config struct {
	// Required.
	APIURL      string
	APIToken    string
	AppName     string
	Environment string

	// Behavior toggles.
	OfflineMode       bool
	EnableDevMode     bool
	CacheKeyPrefix    string
	CustomHeaders     map[string]string
	UsePostRequests   bool
	ExplicitSyncMode  bool
	DisableRefresh    bool
	DisableMetrics    bool
	DisableStats      bool
	ImpressionDataAll bool
	Bootstrap         []BootstrapFlag
	BootstrapOverride bool

	// Timings.
	RefreshInterval        time.Duration
	MetricsInterval        time.Duration
	MetricsIntervalInitial time.Duration
	FetchRetryOptions      FetchRetryOptions

	Streaming StreamingConfig

	// SDKName/SDKVersion populate X-SDK-Version as "<name>/<version>";
	// SDKName defaults to "featuresclient-go", SDKVersion to "0.1.0".
	SDKName    string
	SDKVersion string

	// Storage is the persisted cache provider. Defaults to an in-memory
	// store (no persistence across process restarts) when nil.
	Storage Provider

	// Logger receives structured diagnostics from every background loop.
	// Defaults to a JSON logger on os.Stderr when nil.
	Logger *slog.Logger

	// HTTPClient is used for fetch and metrics-upload requests. Defaults
	// to http.DefaultClient when nil.
	HTTPClient *http.Client
}

func (c Config) cacheKeyPrefix() string {
	if c.CacheKeyPrefix == "" {
		return "featuresclient"
	}
	return c.CacheKeyPrefix
}

func (c Config) sdkName() string {
	if c.SDKName == "" {
		return "featuresclient-go"
	}
	return c.SDKName
}

func (c Config) sdkVersion() string {
	if c.SDKVersion == "" {
		return "0.1.0"
	}
	return c.SDKVersion
}

func (c Config) refreshInterval() time.Duration {
	if c.RefreshInterval <= 0 {
		return 15 * time.Second
	}
	return c.RefreshInterval
}

func (c Config) metricsInterval() time.Duration {
	if c.MetricsInterval <= 0 {
		return 60 * time.Second
	}
	return c.MetricsInterval
}

// Stats is a structured diagnostic snapshot of one client instance.
type Stats struct {
	Ready              bool
	Online             bool
	FetchUpdateCount   uint64
	FetchNotModified   uint64
	FetchFailures      int
	FetchRecoveries    uint64
	PollingStopped     bool
	MetricsSent        uint64
	MetricsErrored     uint64
	SyncCount          uint64
	ImpressionCount    uint64
	ActiveFlagCount    int
	PendingFlagCount   int
	PendingStaged      bool
	StreamingState     string
	StreamingEvents    uint64
	StreamingReconnect int
}
