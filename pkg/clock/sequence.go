package clock

import "sync/atomic"

// Sequence numbers log entries. Numbers start at 1; 0 means nothing was
// logged yet.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose next number is last+1.
func NewSequence(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Last returns the most recently issued number.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Observe moves the sequence up to n if n is ahead of it. Replayed entries
// go through Observe so new numbers never reuse a logged one.
func (s *Sequence) Observe(n uint64) {
	for {
		cur := s.last.Load()
		if n <= cur || s.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Reset sets the last issued number, e.g. to a checkpoint's.
func (s *Sequence) Reset(last uint64) {
	s.last.Store(last)
}
