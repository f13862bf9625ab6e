package featuresclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matt-riley/featuresclient/internal/storage"
)

func baseConfig(url string) Config {
	return Config{
		APIURL: url, APIToken: "tok", AppName: "app", Environment: "prod",
		DisableMetrics:  true,
		RefreshInterval: time.Second,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected a ConfigError for an empty Config")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("err = %v (%T), want a *ConfigError", err, err)
	}
}

func TestBootstrapOverridePrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	store := storage.NewMemory()
	store.Save("featuresclient_flags", []map[string]any{
		{"name": "persisted-flag", "enabled": true, "variant": map[string]any{"name": "on", "enabled": true}},
	})

	cfg := baseConfig(srv.URL)
	cfg.Storage = store
	cfg.BootstrapOverride = true
	cfg.Bootstrap = []BootstrapFlag{{Name: "bootstrap-flag", Enabled: true}}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.IsEnabled("bootstrap-flag") {
		t.Error("bootstrap-flag should be enabled: BootstrapOverride must win over a non-empty persisted cache")
	}
	if c.IsEnabled("persisted-flag") {
		t.Error("persisted-flag should not be active: BootstrapOverride must discard the persisted cache entirely")
	}
}

func TestBootstrapPersistedWinsOverBootstrapList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	store := storage.NewMemory()
	store.Save("featuresclient_flags", []map[string]any{
		{"name": "persisted-flag", "enabled": true, "variant": map[string]any{"name": "on", "enabled": true}},
	})

	cfg := baseConfig(srv.URL)
	cfg.Storage = store
	cfg.Bootstrap = []BootstrapFlag{{Name: "bootstrap-flag", Enabled: true}}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.IsEnabled("persisted-flag") {
		t.Error("a non-empty persisted cache must win over the bootstrap list when BootstrapOverride is unset")
	}
	if c.IsEnabled("bootstrap-flag") {
		t.Error("bootstrap-flag should not be active: persisted cache takes precedence")
	}
}

func TestBootstrapListAppliesOnColdCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.Bootstrap = []BootstrapFlag{{Name: "bootstrap-flag", Enabled: true}}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.IsEnabled("bootstrap-flag") {
		t.Error("the bootstrap list must apply on a cold cache")
	}
}

func TestClientIsReadyImmediatelyAfterNew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c, err := New(baseConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// bootstrap() fires init synchronously inside New, before any network
	// activity, so Ready must already be true here with no Start call made.
	if !c.Stats().Ready {
		t.Fatal("client should be Ready immediately after New, regardless of network state")
	}
}

func TestExplicitSyncStagesThenCommitsOnSyncFlags(t *testing.T) {
	var serveUpdated bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !serveUpdated {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"flags":[{"name":"f1","enabled":true,"variant":{"name":"on","enabled":true},"valueType":"boolean","version":1,"reason":"evaluated"}]}}`))
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.ExplicitSyncMode = true
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var pendingSyncFired bool
	c.On(EventPendingSync, func(args ...any) { pendingSyncFired = true }, "")
	var syncFired bool
	c.On(EventSync, func(args ...any) { syncFired = true }, "")

	serveUpdated = true
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !pendingSyncFired {
		t.Fatal("expected pending_sync to fire once a fetch staged a new generation under explicit-sync mode")
	}
	if c.IsEnabled("f1") {
		t.Error("explicit-sync mode must not promote a fetched flag into the active generation before SyncFlags")
	}
	if !c.CanSyncFlags() {
		t.Fatal("CanSyncFlags should report true once a generation is staged")
	}

	if err := c.SyncFlags(context.Background(), false); err != nil {
		t.Fatalf("SyncFlags: %v", err)
	}
	if !syncFired {
		t.Fatal("expected sync to fire exactly once after SyncFlags commits the staged generation")
	}
	if !c.IsEnabled("f1") {
		t.Error("f1 should be enabled once SyncFlags commits the staged generation into active")
	}
	if c.CanSyncFlags() {
		t.Error("CanSyncFlags should report false once nothing is staged")
	}
}

func TestRefreshReturnsErrOfflineInOfflineMode(t *testing.T) {
	cfg := baseConfig("http://example.invalid")
	cfg.OfflineMode = true
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Refresh(context.Background()); err != ErrOffline {
		t.Fatalf("Refresh err = %v, want ErrOffline", err)
	}
}

func TestWatchFlagFiresOnChange(t *testing.T) {
	var serveUpdated bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !serveUpdated {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"flags":[{"name":"f1","enabled":true,"variant":{"name":"on","enabled":true},"valueType":"boolean","version":1,"reason":"evaluated"}]}}`))
	}))
	defer srv.Close()

	c, err := New(baseConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var seen []FlagProxy
	unwatch := c.WatchFlag("f1", func(p FlagProxy) { seen = append(seen, p) })
	defer unwatch()

	serveUpdated = true
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("watch callback invoked %d times, want 1", len(seen))
	}
	if !seen[0].Enabled() {
		t.Error("watch callback's proxy should read f1 as enabled")
	}
}

func TestWatchGroupUnwatchAll(t *testing.T) {
	c, err := New(baseConfig("http://example.invalid"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	group := c.NewWatchGroup()
	var calls int
	group.Watch("f1", func(p FlagProxy) { calls++ })
	group.UnwatchAll()

	// Directly emit the flag-level change event the group subscribed to;
	// after UnwatchAll the group's own handler must no longer be attached.
	c.emit.Emit("f1.change")
	if calls != 0 {
		t.Fatalf("watch callback invoked %d times after UnwatchAll, want 0", calls)
	}
}

func TestStatsReflectsFetchOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"flags":[{"name":"f1","enabled":true,"variant":{"name":"on","enabled":true},"valueType":"boolean","version":1,"reason":"evaluated"}]}}`))
	}))
	defer srv.Close()

	c, err := New(baseConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	stats := c.Stats()
	if stats.FetchUpdateCount != 1 {
		t.Errorf("FetchUpdateCount = %d, want 1", stats.FetchUpdateCount)
	}
	if stats.ActiveFlagCount != 1 {
		t.Errorf("ActiveFlagCount = %d, want 1", stats.ActiveFlagCount)
	}
}

func TestGetAllFlagsSnapshotsActiveGeneration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"flags":[{"name":"f1","enabled":true,"variant":{"name":"on","enabled":true},"valueType":"boolean","version":1,"reason":"evaluated"},{"name":"f2","enabled":false,"variant":{"name":"off","enabled":false},"valueType":"boolean","version":1,"reason":"evaluated"}]}}`))
	}))
	defer srv.Close()

	c, err := New(baseConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	all := c.GetAllFlags()
	if len(all) != 2 {
		t.Fatalf("GetAllFlags returned %d flags, want 2", len(all))
	}
}

func TestUpdateContextTriggersImmediateFetch(t *testing.T) {
	var gotUserID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.URL.Query().Get("userId")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"flags":[]}}`))
	}))
	defer srv.Close()

	c, err := New(baseConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.UpdateContext(Context{UserID: "alice"}); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	if gotUserID != "alice" {
		t.Fatalf("server saw userId=%q, want %q", gotUserID, "alice")
	}
	if c.GetContext().UserID != "alice" {
		t.Fatalf("GetContext().UserID = %q, want %q", c.GetContext().UserID, "alice")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New(baseConfig("http://example.invalid"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
