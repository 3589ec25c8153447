package realtime

import (
	"sync"
	"time"
)

type typingKey struct {
	room string
	user string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// typingTracker owns the expiry timers behind typing indicators: one
// re-armable timer per (room, user). Arming again cancels and restarts, so
// only the most recent typing event's timer can ever fire. A timer firing
// after its entry was cleared is a no-op (the generation check catches timers
// that Stop raced with).
type typingTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	next   uint64
	timers map[typingKey]*typingTimer
	expire func(roomID, userID string)
}

func newTypingTracker(ttl time.Duration, expire func(roomID, userID string)) *typingTracker {
	return &typingTracker{
		ttl:    ttl,
		timers: make(map[typingKey]*typingTimer),
		expire: expire,
	}
}

// Arm starts, or restarts, the expiry countdown for the pair.
func (t *typingTracker) Arm(roomID, userID string) {
	key := typingKey{room: roomID, user: userID}

	t.mu.Lock()
	if tt, ok := t.timers[key]; ok {
		tt.timer.Stop()
	}
	t.next++
	gen := t.next
	tt := &typingTimer{gen: gen}
	tt.timer = time.AfterFunc(t.ttl, func() {
		t.fire(key, gen)
	})
	t.timers[key] = tt
	t.mu.Unlock()
}

func (t *typingTracker) fire(key typingKey, gen uint64) {
	t.mu.Lock()
	tt, ok := t.timers[key]
	if !ok || tt.gen != gen {
		// Cleared or re-armed since this timer was set.
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()

	t.expire(key.room, key.user)
}

// Clear cancels the pair's pending timer, if any, without firing.
func (t *typingTracker) Clear(roomID, userID string) {
	key := typingKey{room: roomID, user: userID}
	t.mu.Lock()
	if tt, ok := t.timers[key]; ok {
		tt.timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
}

// ClearRoom cancels every pending timer for the room.
func (t *typingTracker) ClearRoom(roomID string) {
	t.mu.Lock()
	for key, tt := range t.timers {
		if key.room == roomID {
			tt.timer.Stop()
			delete(t.timers, key)
		}
	}
	t.mu.Unlock()
}

// Stop cancels every pending timer.
func (t *typingTracker) Stop() {
	t.mu.Lock()
	for key, tt := range t.timers {
		tt.timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
}
