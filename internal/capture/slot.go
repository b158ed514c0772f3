package capture

import "sync/atomic"

// Slot is a latest-value cell: each Store replaces the previous value, there
// is no queue. A stored value that nobody loaded before the next Store
// counts as overwritten.
type Slot[T any] struct {
	p           atomic.Pointer[T]
	unread      atomic.Bool
	stores      atomic.Uint64
	overwritten atomic.Uint64
}

// Store publishes v.
func (s *Slot[T]) Store(v *T) {
	s.p.Store(v)
	s.stores.Add(1)
	if s.unread.Swap(true) {
		s.overwritten.Add(1)
	}
}

// Load returns the latest value (nil if none yet) and marks it read.
func (s *Slot[T]) Load() *T {
	v := s.p.Load()
	if v != nil {
		s.unread.Store(false)
	}
	return v
}

// Peek returns the latest value without marking it read.
func (s *Slot[T]) Peek() *T {
	return s.p.Load()
}

// Stores returns the number of Store calls.
func (s *Slot[T]) Stores() uint64 {
	return s.stores.Load()
}

// Overwritten returns how many values were replaced before being loaded.
func (s *Slot[T]) Overwritten() uint64 {
	return s.overwritten.Load()
}
