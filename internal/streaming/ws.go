package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/matt-riley/featuresclient/internal/emitter"
	"github.com/matt-riley/featuresclient/internal/tracing"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// URL overrides the default "<wss apiUrl>/client/features/<env>/stream/ws".
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// WSConnection is a self-reconnecting WebSocket client that sends its own
// pings on a fixed interval and treats a missed ping reply as a transport
// failure, per §4.6.
type WSConnection struct {
	identity Identity
	config   WSConfig
	sm       *stateMachine

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWSConnection returns a disconnected WebSocket connection.
func NewWSConnection(identity Identity, config WSConfig, emit *emitter.Emitter, handlers Handlers) *WSConnection {
	return &WSConnection{identity: identity, config: config, sm: newStateMachine(emit, handlers, nil)}
}

func (c *WSConnection) State() State { return c.sm.State() }
func (c *WSConnection) Stats() Stats { return c.sm.Stats() }

// Connect starts the connection loop on its own goroutine.
func (c *WSConnection) Connect(ctx context.Context) {
	if !c.sm.markConnecting() {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.runLoop(runCtx)
}

// Disconnect requests a clean shutdown; any pending reconnect is canceled.
func (c *WSConnection) Disconnect() {
	c.sm.markDisconnectRequested()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *WSConnection) url() string {
	base := c.config.URL
	if base == "" {
		base = strings.NewReplacer("https://", "wss://", "http://", "ws://").Replace(c.identity.APIURL)
		base += fmt.Sprintf("/client/features/%s/stream/ws", c.identity.Environment)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + c.identity.queryParams()
}

func (c *WSConnection) runLoop(ctx context.Context) {
	for {
		if c.sm.isStopRequested() {
			return
		}
		err := c.connectOnce(ctx)
		if c.sm.isStopRequested() {
			return
		}
		if err != nil {
			c.sm.trackError(err.Error())
		}

		delay, ok := c.sm.scheduleReconnect(c.config.ReconnectBase, c.config.ReconnectMax)
		if !ok {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *WSConnection) connectOnce(parent context.Context) error {
	ctx, span := tracing.StartStreamConnectSpan(parent, "websocket")
	defer span.End()

	header := make(http.Header)
	for k, v := range c.identity.headers() {
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, c.url(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer conn.CloseNow()

	c.sm.markConnected()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())

	pingErr := make(chan error, 1)
	go c.pingLoop(readCtx, conn, &lastPong, pingErr)

	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			select {
			case perr := <-pingErr:
				if perr != nil {
					span.RecordError(perr)
					return perr
				}
			default:
			}
			if c.sm.isStopRequested() {
				return nil
			}
			span.RecordError(err)
			return err
		}
		c.handleMessage(data, &lastPong)
	}
}

// pingLoop sends a ping on every tick of the configured interval and, per
// §4.6, treats a missed pong reply by the following tick as a transport
// failure: it closes conn to unblock the read loop and reports the error
// on errs.
func (c *WSConnection) pingLoop(ctx context.Context, conn *websocket.Conn, lastPong *atomic.Int64, errs chan<- error) {
	interval := c.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPingSentAt int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lastPingSentAt != 0 && lastPong.Load() < lastPingSentAt {
				err := fmt.Errorf("ws: no pong received within ping interval")
				select {
				case errs <- err:
				default:
				}
				conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
			lastPingSentAt = time.Now().UnixNano()
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *WSConnection) handleMessage(raw []byte, lastPong *atomic.Int64) {
	c.sm.recordEvent()

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		return
	}

	switch frame.Type {
	case "pong":
		lastPong.Store(time.Now().UnixNano())
	case "connected":
		var payload struct {
			GlobalRevision int64 `json:"globalRevision"`
		}
		if json.Unmarshal(frame.Data, &payload) == nil {
			c.sm.onConnectedRevision(payload.GlobalRevision)
		}
	case "flags_changed":
		var payload struct {
			GlobalRevision int64    `json:"globalRevision"`
			ChangedKeys    []string `json:"changedKeys"`
		}
		if json.Unmarshal(frame.Data, &payload) == nil {
			c.sm.onFlagsChanged(payload.GlobalRevision, payload.ChangedKeys)
		}
	}
}
