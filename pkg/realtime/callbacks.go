package realtime

// subscribers is an ordered callback list with stable unregister ids.
// Guarded by the Manager's mutex, not internally.
type subscribers[T any] struct {
	next    int
	entries []subEntry[T]
}

type subEntry[T any] struct {
	id int
	fn func(T)
}

func (s *subscribers[T]) add(fn func(T)) int {
	s.next++
	s.entries = append(s.entries, subEntry[T]{id: s.next, fn: fn})
	return s.next
}

func (s *subscribers[T]) remove(id int) {
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// snapshot copies the callbacks in registration order so they can be invoked
// outside the lock.
func (s *subscribers[T]) snapshot() []func(T) {
	if len(s.entries) == 0 {
		return nil
	}
	out := make([]func(T), len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}
