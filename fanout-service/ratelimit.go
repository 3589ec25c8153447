package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the delivery gate for one target.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker suspends deliveries to a target that keeps failing. Once the
// failure count reaches the threshold the breaker opens; after the cooldown
// one probe delivery is let through, and its outcome decides whether the
// breaker closes again or reopens for another cooldown.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration

	state       atomic.Int32
	failures    atomic.Int32
	lastFailure atomic.Int64 // unix nanos
}

func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether a delivery may be attempted now. The first call after
// an open breaker's cooldown moves it to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	if CircuitBreakerState(cb.state.Load()) != CircuitBreakerOpen {
		return true
	}
	if time.Since(time.Unix(0, cb.lastFailure.Load())) < cb.cooldown {
		return false
	}
	cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
	return true
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailure.Store(time.Now().UnixNano())
	if CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen {
		// Failed probe; back to open for another cooldown.
		cb.state.Store(int32(CircuitBreakerOpen))
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// breakerMap holds one breaker per delivery target, created on first use.
type breakerMap struct {
	threshold int
	cooldown  int

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func newBreakerMap(threshold, cooldownSeconds int) *breakerMap {
	return &breakerMap{
		threshold: threshold,
		cooldown:  cooldownSeconds,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

func (bm *breakerMap) get(target string) *CircuitBreaker {
	bm.mu.RLock()
	cb := bm.breakers[target]
	bm.mu.RUnlock()
	if cb != nil {
		return cb
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if cb = bm.breakers[target]; cb == nil {
		cb = NewCircuitBreaker(bm.threshold, bm.cooldown)
		bm.breakers[target] = cb
	}
	return cb
}

// openCount reports how many targets are currently suspended.
func (bm *breakerMap) openCount() int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	open := 0
	for _, cb := range bm.breakers {
		if cb.State() == CircuitBreakerOpen {
			open++
		}
	}
	return open
}
