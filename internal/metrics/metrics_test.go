package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	m.IncStreamingEvent()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true)
	m.RecordEvaluation(true)
	m.RecordEvaluation(false)

	trueCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true"))
	falseCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false"))

	if trueCount != 2 {
		t.Fatalf("expected true count 2, got %v", trueCount)
	}
	if falseCount != 1 {
		t.Fatalf("expected false count 1, got %v", falseCount)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize(5)
	if val := testutil.ToFloat64(m.CacheSize); val != 5 {
		t.Fatalf("expected cache size 5, got %v", val)
	}

	m.SetCacheSize(3)
	if val := testutil.ToFloat64(m.CacheSize); val != 3 {
		t.Fatalf("expected cache size 3 after second set, got %v", val)
	}
}

func TestObserveFetch(t *testing.T) {
	m := New()

	m.ObserveFetch("success", 50*time.Millisecond)
	m.ObserveFetch("error", 10*time.Millisecond)

	if v := testutil.ToFloat64(m.FetchTotal.WithLabelValues("success")); v != 1 {
		t.Fatalf("expected success fetch count 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.FetchTotal.WithLabelValues("error")); v != 1 {
		t.Fatalf("expected error fetch count 1, got %v", v)
	}
}

func TestSetStreamingStateOnlyCurrentStateIsOne(t *testing.T) {
	m := New()

	m.SetStreamingState("sse", "connecting")
	if v := testutil.ToFloat64(m.StreamingState.WithLabelValues("connecting", "sse")); v != 1 {
		t.Fatalf("expected connecting=1, got %v", v)
	}

	m.SetStreamingState("sse", "connected")
	if v := testutil.ToFloat64(m.StreamingState.WithLabelValues("connecting", "sse")); v != 0 {
		t.Fatalf("expected connecting=0 after transition, got %v", v)
	}
	if v := testutil.ToFloat64(m.StreamingState.WithLabelValues("connected", "sse")); v != 1 {
		t.Fatalf("expected connected=1, got %v", v)
	}
}

func TestIncStreamingReconnectAndEvent(t *testing.T) {
	m := New()

	m.IncStreamingReconnect()
	m.IncStreamingReconnect()
	m.IncStreamingEvent()

	if v := testutil.ToFloat64(m.StreamingReconnects); v != 2 {
		t.Fatalf("expected reconnects 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.StreamingEvents); v != 1 {
		t.Fatalf("expected events 1, got %v", v)
	}
}

func TestObserveMetricsUpload(t *testing.T) {
	m := New()

	m.ObserveMetricsUpload("success", 5*time.Millisecond)

	if v := testutil.ToFloat64(m.MetricsUploadTotal.WithLabelValues("success")); v != 1 {
		t.Fatalf("expected metrics upload count 1, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetCacheSize(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "featuresclient_cache_size") {
		t.Fatal("expected response to contain featuresclient_cache_size")
	}
}
