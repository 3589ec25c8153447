package realtime

import (
	"context"
	"sync"
	"time"
)

// FailureScope selects how connection failures are counted.
type FailureScope int

const (
	// ScopeGlobal shares one failure counter and one polling flag across all
	// rooms: any room's channel failures can push the whole subsystem into
	// polling fallback. Simple and deliberately coarse; the default.
	ScopeGlobal FailureScope = iota
	// ScopePerRoom keeps an independent counter, polling flag, and reset
	// timer per room.
	ScopePerRoom
)

// PolicyConfig tunes a ConnectionPolicy. Zero values take the defaults noted
// on each field.
type PolicyConfig struct {
	FailureThreshold int           // failures before polling fallback; default 3
	FallbackCooldown time.Duration // polling fallback auto-reset delay; default 30s
	AuthPollInterval time.Duration // WaitForAuth probe interval; default 500ms
	AuthWaitTimeout  time.Duration // WaitForAuth default timeout; default 10s
	Scope            FailureScope
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.FallbackCooldown <= 0 {
		c.FallbackCooldown = 30 * time.Second
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = 500 * time.Millisecond
	}
	if c.AuthWaitTimeout <= 0 {
		c.AuthWaitTimeout = 10 * time.Second
	}
	return c
}

// ConnectionState is a snapshot of global realtime health.
type ConnectionState struct {
	Connected           bool
	LastConnected       time.Time
	ConsecutiveFailures int
	UsePolling          bool
}

// health is one failure-counting unit: the single global one under
// ScopeGlobal, or one per room under ScopePerRoom.
type health struct {
	failures   int
	usePolling bool
	resetTimer *time.Timer
}

// ConnectionPolicy tracks realtime health, decides realtime versus polling,
// and gates channel creation on authentication readiness. Safe for concurrent
// use. Close stops pending auto-reset timers.
type ConnectionPolicy struct {
	cfg  PolicyConfig
	auth AuthProvider

	mu     sync.Mutex
	state  ConnectionState
	global health
	rooms  map[string]*health
	closed bool
}

// NewConnectionPolicy builds a policy over the given auth collaborator.
func NewConnectionPolicy(cfg PolicyConfig, auth AuthProvider) *ConnectionPolicy {
	return &ConnectionPolicy{
		cfg:   cfg.withDefaults(),
		auth:  auth,
		rooms: make(map[string]*health),
	}
}

func (p *ConnectionPolicy) healthFor(roomID string) *health {
	if p.cfg.Scope == ScopeGlobal {
		return &p.global
	}
	h, ok := p.rooms[roomID]
	if !ok {
		h = &health{}
		p.rooms[roomID] = h
	}
	return h
}

// ShouldUseRealtime reports whether a realtime attempt for the room is worth
// making: false while polling fallback is active or the failure counter has
// reached the threshold. Under ScopeGlobal the room argument is ignored.
func (p *ConnectionPolicy) ShouldUseRealtime(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.healthFor(roomID)
	return !h.usePolling && h.failures < p.cfg.FailureThreshold
}

// OnConnectionSuccess records a successful subscribe: the subsystem is
// connected, the room's failure count resets, and polling fallback ends.
func (p *ConnectionPolicy) OnConnectionSuccess(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Connected = true
	p.state.LastConnected = time.Now()
	h := p.healthFor(roomID)
	h.failures = 0
	h.usePolling = false
	if h.resetTimer != nil {
		h.resetTimer.Stop()
		h.resetTimer = nil
	}
	p.syncStateLocked()
}

// OnConnectionFailure records a failed or dropped subscribe. Reaching the
// threshold switches the room (or everything, under ScopeGlobal) to polling
// fallback and arms a one-shot timer that later re-allows realtime
// optimistically. The timer does not itself attempt a connection.
func (p *ConnectionPolicy) OnConnectionFailure(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Connected = false
	h := p.healthFor(roomID)
	h.failures++
	if h.failures >= p.cfg.FailureThreshold && !h.usePolling {
		h.usePolling = true
		if h.resetTimer != nil {
			h.resetTimer.Stop()
		}
		h.resetTimer = time.AfterFunc(p.cfg.FallbackCooldown, func() {
			p.resetFallback(roomID)
		})
	}
	p.syncStateLocked()
}

// resetFallback is the auto-reset: it provisionally returns the unit to
// healthy so the next caller retries realtime.
func (p *ConnectionPolicy) resetFallback(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	h := p.healthFor(roomID)
	h.usePolling = false
	h.failures = 0
	h.resetTimer = nil
	p.syncStateLocked()
}

// syncStateLocked mirrors the global health unit into the snapshot fields.
// Under ScopePerRoom the snapshot reflects the worst room so State() remains
// meaningful as an overall signal.
func (p *ConnectionPolicy) syncStateLocked() {
	if p.cfg.Scope == ScopeGlobal {
		p.state.ConsecutiveFailures = p.global.failures
		p.state.UsePolling = p.global.usePolling
		return
	}
	worst := 0
	polling := false
	for _, h := range p.rooms {
		if h.failures > worst {
			worst = h.failures
		}
		polling = polling || h.usePolling
	}
	p.state.ConsecutiveFailures = worst
	p.state.UsePolling = polling
}

// State returns a snapshot of global connection health.
func (p *ConnectionPolicy) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsAuthenticated reports whether the auth collaborator has a live session.
func (p *ConnectionPolicy) IsAuthenticated(ctx context.Context) bool {
	sess, err := p.auth.Session(ctx)
	return err == nil && sess != nil && sess.UserID != ""
}

// WaitForAuth polls IsAuthenticated until it succeeds or the timeout expires.
// A non-positive timeout takes the configured default. Returns false on
// timeout or context cancellation, never an error.
func (p *ConnectionPolicy) WaitForAuth(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = p.cfg.AuthWaitTimeout
	}
	if p.IsAuthenticated(ctx) {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.AuthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if p.IsAuthenticated(ctx) {
				return true
			}
		}
	}
}

// Close stops all pending auto-reset timers. The policy must not be used
// afterwards.
func (p *ConnectionPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.global.resetTimer != nil {
		p.global.resetTimer.Stop()
		p.global.resetTimer = nil
	}
	for _, h := range p.rooms {
		if h.resetTimer != nil {
			h.resetTimer.Stop()
			h.resetTimer = nil
		}
	}
}
