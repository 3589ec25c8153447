package main

import (
	"sync"
	"testing"
	"time"
)

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 30)
	if got := cb.State(); got != CircuitBreakerClosed {
		t.Fatalf("Expected closed at start, got %v", got)
	}
	if !cb.Allow() {
		t.Error("Expected Allow while closed")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		failures  int
		wantOpen  bool
	}{
		{"one short of threshold", 3, 2, false},
		{"exactly threshold", 3, 3, true},
		{"threshold of one", 1, 1, true},
		{"well past threshold", 2, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.threshold, 30)
			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure()
			}
			open := cb.State() == CircuitBreakerOpen
			if open != tt.wantOpen {
				t.Errorf("Expected open=%v after %d failures, got %v", tt.wantOpen, tt.failures, cb.State())
			}
		})
	}
}

func TestBreakerBlocksWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 30)
	cb.RecordFailure()
	if cb.Allow() {
		t.Error("Expected Allow to refuse while open and inside cooldown")
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()

	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("Expected Allow after cooldown elapsed")
	}
	if got := cb.State(); got != CircuitBreakerHalfOpen {
		t.Errorf("Expected half-open while probing, got %v", got)
	}
}

func TestBreakerClosesOnProbeSuccess(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()

	if got := cb.State(); got != CircuitBreakerClosed {
		t.Errorf("Expected closed after probe success, got %v", got)
	}
	if got := cb.failures.Load(); got != 0 {
		t.Errorf("Expected failure count reset, got %d", got)
	}
	if !cb.Allow() {
		t.Error("Expected Allow after reclosing")
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()

	if got := cb.State(); got != CircuitBreakerOpen {
		t.Fatalf("Expected open after probe failure, got %v", got)
	}
	// The failed probe restarts the cooldown.
	if cb.Allow() {
		t.Error("Expected Allow to refuse right after a failed probe")
	}
}

func TestBreakerSuccessClearsPartialFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 30)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if got := cb.failures.Load(); got != 0 {
		t.Errorf("Expected failures cleared by success, got %d", got)
	}

	// The count starts over: two more failures must not trip it.
	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != CircuitBreakerClosed {
		t.Errorf("Expected closed after restart of the count, got %v", got)
	}
}

func TestBreakerConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker(100, 30)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.Allow()
				cb.RecordFailure()
				cb.RecordSuccess()
			}
		}()
	}
	wg.Wait()

	if got := cb.failures.Load(); got < 0 {
		t.Errorf("Failure count went negative: %d", got)
	}
}

func TestBreakerStateString(t *testing.T) {
	if CircuitBreakerClosed.String() != "closed" ||
		CircuitBreakerOpen.String() != "open" ||
		CircuitBreakerHalfOpen.String() != "half-open" {
		t.Error("Unexpected state names")
	}
}

func TestBreakerMapReusesPerTarget(t *testing.T) {
	bm := newBreakerMap(1, 30)

	a := bm.get("ana")
	if a == nil {
		t.Fatal("Expected a breaker for ana")
	}
	if bm.get("ana") != a {
		t.Error("Expected the same breaker on second lookup")
	}
	if bm.get("ben") == a {
		t.Error("Expected a distinct breaker per target")
	}
}

func TestBreakerMapOpenCount(t *testing.T) {
	bm := newBreakerMap(1, 30)
	bm.get("ana")
	bm.get("ben")

	if got := bm.openCount(); got != 0 {
		t.Errorf("Expected no open breakers, got %d", got)
	}

	bm.get("ana").RecordFailure()
	if got := bm.openCount(); got != 1 {
		t.Errorf("Expected one open breaker, got %d", got)
	}

	bm.get("ana").RecordSuccess()
	if got := bm.openCount(); got != 0 {
		t.Errorf("Expected open count back to zero, got %d", got)
	}
}

func TestRoomMirrorJoinLeave(t *testing.T) {
	m := newRoomMirror()
	m.join("mindfulness", "ana")
	m.join("mindfulness", "ben")
	m.leave("mindfulness", "ana")

	got := m.members("mindfulness")
	if len(got) != 1 || got[0] != "ben" {
		t.Errorf("Expected [ben], got %v", got)
	}

	m.leave("mindfulness", "ben")
	if got := m.members("mindfulness"); got != nil {
		t.Errorf("Expected empty room, got %v", got)
	}
	rooms, members := m.counts()
	if rooms != 0 || members != 0 {
		t.Errorf("Expected empty mirror, got %d rooms / %d members", rooms, members)
	}
}

func TestRoomMirrorReplaceWith(t *testing.T) {
	m := newRoomMirror()
	m.join("stale", "ana")

	fresh := newRoomMirror()
	fresh.join("mindfulness", "ben")
	m.replaceWith(fresh)

	if got := m.members("stale"); got != nil {
		t.Errorf("Expected stale room gone, got %v", got)
	}
	if got := m.members("mindfulness"); len(got) != 1 || got[0] != "ben" {
		t.Errorf("Expected [ben], got %v", got)
	}
}

func TestRoomTokenExtraction(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"chat.room.mindfulness", "mindfulness"},
		{"typing.physical", "physical"},
		{"presence.event.social", "social"},
		{"room.changed.sleep", "sleep"},
		{"reaction.event.nutrition", "nutrition"},
		{"nodots", ""},
		{"trailing.", ""},
	}
	for _, tt := range tests {
		if got := roomToken(tt.subject); got != tt.want {
			t.Errorf("roomToken(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}
