// Package streaming implements the optional real-time invalidation channel:
// an SSE or WebSocket connection that tracks a server-pushed revision
// counter and asks the fetch engine to refetch when it advances, with a
// shared five-state reconnection state machine and full-jitter backoff.
package streaming

import (
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/matt-riley/featuresclient/internal/emitter"
)

// State is one of the five states a streaming connection can be in.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
)

// degradedAfter is the reconnect-attempt threshold past which the
// connection is considered degraded rather than merely reconnecting.
const degradedAfter = 5

// Handlers are the callbacks a streaming connection drives. Both are
// optional.
type Handlers struct {
	OnInvalidation func(changedKeys []string)
	OnFetchRequest func()
}

// Identity is the connection metadata carried as both headers and query
// parameters on every streaming connection attempt, per §4.6.
type Identity struct {
	APIURL        string
	APIToken      string
	AppName       string
	Environment   string
	ConnectionID  string
	SDKVersion    string
	CustomHeaders map[string]string
}

func (id Identity) headers() map[string]string {
	h := map[string]string{
		"X-API-Token":        id.APIToken,
		"X-Application-Name": id.AppName,
		"X-Environment":      id.Environment,
		"X-Connection-Id":    id.ConnectionID,
		"X-SDK-Version":      id.SDKVersion,
	}
	for k, v := range id.CustomHeaders {
		h[k] = v
	}
	return h
}

func (id Identity) queryParams() string {
	v := url.Values{}
	v.Set("x-api-token", id.APIToken)
	v.Set("appName", id.AppName)
	v.Set("environment", id.Environment)
	v.Set("connectionId", id.ConnectionID)
	v.Set("sdkVersion", id.SDKVersion)
	return v.Encode()
}

// Stats is a diagnostic snapshot of one connection's lifetime counters.
type Stats struct {
	State            State
	ReconnectCount   int
	EventCount       uint64
	ErrorCount       uint64
	RecoveryCount    uint64
	LocalRevision    int64
	LastError        string
	LastEventTime    time.Time
	LastErrorTime    time.Time
	LastRecoveryTime time.Time
}

// stateMachine holds the bookkeeping shared by the SSE and WebSocket
// transports: connection state, revision tracking, and reconnect counters.
// It is safe for concurrent use; the transport's read loop runs on its own
// goroutine while Stats() may be called from any other.
type stateMachine struct {
	mu sync.Mutex

	state             State
	reconnectAttempt  int
	reconnectCount    int
	eventCount        uint64
	errorCount        uint64
	recoveryCount     uint64
	localRevision     int64
	lastError         string
	lastEventTime     time.Time
	lastErrorTime     time.Time
	lastRecoveryTime  time.Time
	stopRequested     bool

	emit       *emitter.Emitter
	handlers   Handlers
	now        func() time.Time
}

func newStateMachine(emit *emitter.Emitter, handlers Handlers, now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{state: StateDisconnected, emit: emit, handlers: handlers, now: now}
}

func (m *stateMachine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State: m.state, ReconnectCount: m.reconnectCount, EventCount: m.eventCount,
		ErrorCount: m.errorCount, RecoveryCount: m.recoveryCount, LocalRevision: m.localRevision,
		LastError: m.lastError, LastEventTime: m.lastEventTime, LastErrorTime: m.lastErrorTime,
		LastRecoveryTime: m.lastRecoveryTime,
	}
}

func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// markConnecting returns false if the connection is already connected or
// connecting, in which case the caller must not start a new attempt.
func (m *stateMachine) markConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected || m.state == StateConnecting {
		return false
	}
	m.state = StateConnecting
	m.stopRequested = false
	return true
}

func (m *stateMachine) markDisconnectRequested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRequested = true
	m.state = StateDisconnected
}

func (m *stateMachine) isStopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRequested
}

// markConnected transitions into "connected" and fires
// "streaming.connected". If any reconnect attempt has been made during the
// connection's lifetime, it also counts a recovery in Stats; no separate
// recovery event is emitted.
func (m *stateMachine) markConnected() {
	m.mu.Lock()
	recovering := m.reconnectCount > 0
	if recovering {
		m.recoveryCount++
		m.lastRecoveryTime = m.now()
	}
	m.state = StateConnected
	m.reconnectAttempt = 0
	m.mu.Unlock()

	m.emit.Emit("streaming.connected")
}

// trackError records a transport error. It does not change state; callers
// transition state separately since the required event ordering differs
// slightly between first failure and later failures.
func (m *stateMachine) trackError(msg string) {
	m.mu.Lock()
	m.errorCount++
	m.lastError = msg
	m.lastErrorTime = m.now()
	m.mu.Unlock()
	m.emit.Emit("streaming.error", msg)
}

// recordEvent bumps the event counter and timestamp for any frame
// successfully parsed off the wire, dispatch-worthy or not.
func (m *stateMachine) recordEvent() {
	m.mu.Lock()
	m.eventCount++
	m.lastEventTime = m.now()
	m.mu.Unlock()
}

// scheduleReconnect transitions to "reconnecting" (or "degraded" past the
// threshold), fires the corresponding events, and returns the delay to wait
// before the next connect attempt, or ok=false if a disconnect intervened.
func (m *stateMachine) scheduleReconnect(base, max time.Duration) (delay time.Duration, ok bool) {
	m.mu.Lock()
	if m.stopRequested || m.state == StateDisconnected {
		m.mu.Unlock()
		return 0, false
	}

	wasConnected := m.state != StateReconnecting && m.state != StateDegraded
	m.reconnectAttempt++
	m.reconnectCount++

	if m.reconnectAttempt >= degradedAfter {
		m.state = StateDegraded
	} else {
		m.state = StateReconnecting
	}
	attempt := m.reconnectAttempt
	m.mu.Unlock()

	if wasConnected {
		m.emit.Emit("streaming.disconnected")
	}
	m.emit.Emit("streaming.reconnecting")

	return fullJitterBackoff(base, max, attempt), true
}

// onConnectedRevision applies the "connected" event's server revision per
// §4.6: adopt it if this is the first value seen, otherwise request a
// refetch if the server has moved ahead.
func (m *stateMachine) onConnectedRevision(serverRevision int64) {
	m.mu.Lock()
	local := m.localRevision
	var shouldFetch bool
	if local > 0 && serverRevision > local {
		m.localRevision = serverRevision
		shouldFetch = true
	} else if local == 0 {
		m.localRevision = serverRevision
	}
	m.mu.Unlock()

	if shouldFetch && m.handlers.OnFetchRequest != nil {
		m.handlers.OnFetchRequest()
	}
}

// onFlagsChanged applies a "flags_changed" push per §4.6.
func (m *stateMachine) onFlagsChanged(serverRevision int64, changedKeys []string) {
	m.mu.Lock()
	advance := serverRevision > m.localRevision
	if advance {
		m.localRevision = serverRevision
	}
	m.mu.Unlock()

	if !advance {
		return
	}
	m.emit.Emit("streaming.invalidated")
	if m.handlers.OnInvalidation != nil {
		m.handlers.OnInvalidation(changedKeys)
	}
	if m.handlers.OnFetchRequest != nil {
		m.handlers.OnFetchRequest()
	}
}

// fullJitterBackoff implements min(base*2^(attempt-1), max) + uniform(0,1)s.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		exp = float64(max)
	}
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return time.Duration(exp) + jitter
}
