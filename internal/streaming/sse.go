package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matt-riley/featuresclient/internal/emitter"
	"github.com/matt-riley/featuresclient/internal/tracing"
)

// SSEConfig configures the server-sent-events transport.
type SSEConfig struct {
	// URL overrides the default "<apiUrl>/client/features/<env>/stream/sse".
	URL string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// SSEConnection is a self-reconnecting Server-Sent Events client.
type SSEConnection struct {
	identity Identity
	config   SSEConfig
	client   *http.Client
	sm       *stateMachine

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSSEConnection returns a disconnected SSE connection. client is used
// for the underlying HTTP request; pass http.DefaultClient unless the
// caller wants a custom transport (e.g. one instrumented with OTEL).
func NewSSEConnection(identity Identity, config SSEConfig, client *http.Client, emit *emitter.Emitter, handlers Handlers) *SSEConnection {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSEConnection{identity: identity, config: config, client: client, sm: newStateMachine(emit, handlers, nil)}
}

// State returns the current connection state.
func (c *SSEConnection) State() State { return c.sm.State() }

// Stats returns a diagnostic snapshot of the connection's lifetime.
func (c *SSEConnection) Stats() Stats { return c.sm.Stats() }

// Connect starts the connection loop on its own goroutine. It is a no-op
// if already connected or connecting.
func (c *SSEConnection) Connect(ctx context.Context) {
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
func (c *SSEConnection) Disconnect() {
	c.sm.markDisconnectRequested()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *SSEConnection) url() string {
	base := c.config.URL
	if base == "" {
		base = fmt.Sprintf("%s/client/features/%s/stream/sse", c.identity.APIURL, c.identity.Environment)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + c.identity.queryParams()
}

func (c *SSEConnection) runLoop(ctx context.Context) {
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

		base := c.config.ReconnectBase
		max := c.config.ReconnectMax
		delay, ok := c.sm.scheduleReconnect(base, max)
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

func (c *SSEConnection) connectOnce(ctx context.Context) error {
	ctx, span := tracing.StartStreamConnectSpan(ctx, "sse")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.identity.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("sse: unexpected status %d", resp.StatusCode)
		span.RecordError(err)
		return err
	}

	c.sm.markConnected()

	var eventType, dataBuf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if c.sm.isStopRequested() {
			return nil
		}
		line := scanner.Text()

		switch {
		case line == "":
			if eventType.Len() > 0 || dataBuf.Len() > 0 {
				name := eventType.String()
				if name == "" {
					name = "message"
				}
				c.dispatch(name, dataBuf.String())
				eventType.Reset()
				dataBuf.Reset()
			}
		case strings.HasPrefix(line, "event:"):
			eventType.Reset()
			eventType.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " "))
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"), strings.HasPrefix(line, ":"):
			// ignored for this protocol
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *SSEConnection) dispatch(eventType, data string) {
	c.sm.recordEvent()

	switch eventType {
	case "connected":
		var payload struct {
			GlobalRevision int64 `json:"globalRevision"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			c.sm.onConnectedRevision(payload.GlobalRevision)
		}
	case "flags_changed":
		var payload struct {
			GlobalRevision int64    `json:"globalRevision"`
			ChangedKeys    []string `json:"changedKeys"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			c.sm.onFlagsChanged(payload.GlobalRevision, payload.ChangedKeys)
		}
	case "heartbeat":
		// discard
	}
}
