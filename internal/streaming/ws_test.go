package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matt-riley/featuresclient/internal/emitter"
)

func TestWSConnectionHandlesPingAndFlagsChanged(t *testing.T) {
	var mu sync.Mutex
	var pingsReceived int
	fetchCh := make(chan struct{}, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"connected","data":{"globalRevision":1}}`)); err != nil {
			return
		}

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"ping"`) {
				mu.Lock()
				pingsReceived++
				n := pingsReceived
				mu.Unlock()
				c.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
				if n == 1 {
					c.Write(ctx, websocket.MessageText, []byte(`{"type":"flags_changed","data":{"globalRevision":2,"changedKeys":["a"]}}`))
				}
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	em := emitter.New()
	conn := NewWSConnection(
		Identity{APIURL: srv.URL, Environment: "prod"},
		WSConfig{URL: wsURL, PingInterval: 50 * time.Millisecond, ReconnectBase: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond},
		em,
		Handlers{OnFetchRequest: func() { fetchCh <- struct{}{} }},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Connect(ctx)

	select {
	case <-fetchCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fetch request triggered by flags_changed")
	}

	if conn.Stats().LocalRevision != 2 {
		t.Fatalf("LocalRevision = %d, want 2", conn.Stats().LocalRevision)
	}

	mu.Lock()
	n := pingsReceived
	mu.Unlock()
	if n < 1 {
		t.Fatal("server never received a ping")
	}

	conn.Disconnect()
}
