package streaming

import (
	"testing"
	"time"

	"github.com/matt-riley/featuresclient/internal/emitter"
)

func TestFullJitterBackoffNonNegativeAndCapped(t *testing.T) {
	base := 1 * time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := fullJitterBackoff(base, max, attempt)
		if d < 0 {
			t.Fatalf("attempt %d: backoff = %v, want >= 0", attempt, d)
		}
		if d > max+time.Second {
			t.Fatalf("attempt %d: backoff = %v, want <= max+1s (%v)", attempt, d, max+time.Second)
		}
	}
}

func TestScheduleReconnectEntersDegradedAfterFiveAttempts(t *testing.T) {
	sm := newStateMachine(emitter.New(), Handlers{}, nil)
	sm.markConnecting()
	sm.markConnected()

	for i := 0; i < 4; i++ {
		if _, ok := sm.scheduleReconnect(time.Millisecond, time.Millisecond); !ok {
			t.Fatalf("scheduleReconnect(%d) ok = false", i)
		}
		if sm.State() != StateReconnecting {
			t.Fatalf("attempt %d: state = %v, want reconnecting", i+1, sm.State())
		}
	}

	if _, ok := sm.scheduleReconnect(time.Millisecond, time.Millisecond); !ok {
		t.Fatal("5th scheduleReconnect ok = false")
	}
	if sm.State() != StateDegraded {
		t.Fatalf("state after 5th attempt = %v, want degraded", sm.State())
	}
}

func TestScheduleReconnectStopsWhenDisconnected(t *testing.T) {
	sm := newStateMachine(emitter.New(), Handlers{}, nil)
	sm.markConnecting()
	sm.markDisconnectRequested()

	if _, ok := sm.scheduleReconnect(time.Second, time.Second); ok {
		t.Fatal("scheduleReconnect ok = true after disconnect requested")
	}
}

func TestOnConnectedRevisionAdoptsFirstThenRequestsFetchOnAdvance(t *testing.T) {
	var fetches int
	sm := newStateMachine(emitter.New(), Handlers{OnFetchRequest: func() { fetches++ }}, nil)

	sm.onConnectedRevision(5)
	if sm.Stats().LocalRevision != 5 {
		t.Fatalf("LocalRevision = %d, want 5 after adopting first value", sm.Stats().LocalRevision)
	}
	if fetches != 0 {
		t.Fatalf("fetches = %d, want 0 on first adoption", fetches)
	}

	sm.onConnectedRevision(9)
	if sm.Stats().LocalRevision != 9 {
		t.Fatalf("LocalRevision = %d, want 9 after advance", sm.Stats().LocalRevision)
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1 after server advanced past local", fetches)
	}
}

func TestOnFlagsChangedInvalidatesAndFetchesOnAdvance(t *testing.T) {
	var invalidated []string
	var fetches int
	sm := newStateMachine(emitter.New(), Handlers{
		OnInvalidation: func(keys []string) { invalidated = keys },
		OnFetchRequest: func() { fetches++ },
	}, nil)

	sm.onFlagsChanged(3, []string{"a", "b"})
	if len(invalidated) != 2 {
		t.Fatalf("invalidated = %v, want [a b]", invalidated)
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}

	invalidated = nil
	fetches = 0
	sm.onFlagsChanged(2, []string{"c"})
	if invalidated != nil || fetches != 0 {
		t.Fatal("stale (non-advancing) revision must not invalidate or fetch")
	}
}

func TestMarkConnectedCountsRecoveryOnlyAfterPriorReconnect(t *testing.T) {
	sm := newStateMachine(emitter.New(), Handlers{}, nil)
	sm.markConnecting()
	sm.markConnected()
	if sm.Stats().RecoveryCount != 0 {
		t.Fatalf("RecoveryCount = %d, want 0 on first connect", sm.Stats().RecoveryCount)
	}

	sm.scheduleReconnect(time.Millisecond, time.Millisecond)
	sm.markConnected()
	if sm.Stats().RecoveryCount != 1 {
		t.Fatalf("RecoveryCount = %d, want 1 after reconnecting then succeeding", sm.Stats().RecoveryCount)
	}
}
