package clock

import (
	"aggregator/pkg/aggerrors"
	"fmt"
	"sync/atomic"
)

// Lamport is a Lamport logical clock safe for concurrent use.
//
// The zero value is a clock at 0 ready to use.
type Lamport struct {
	v atomic.Uint64
}

func NewLamport(init uint64) *Lamport {
	var l Lamport
	l.v.Store(init)
	return &l
}

// Val returns the current clock value.
func (l *Lamport) Val() uint64 {
	return l.v.Load()
}

// Tick records a local event (e.g. a send) and returns the new value.
func (l *Lamport) Tick() uint64 {
	return l.v.Add(1)
}

// Advance records a receive event carrying incoming:
// global = max(global, incoming) + 1. It returns the new value.
func (l *Lamport) Advance(incoming uint64) uint64 {
	for {
		cur := l.v.Load()
		next := max(cur, incoming) + 1
		if l.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Peek returns the value Advance(incoming) would produce without changing
// the clock. Peek followed by Restore must be serialized by the caller.
func (l *Lamport) Peek(incoming uint64) uint64 {
	return max(l.v.Load(), incoming) + 1
}

// Restore moves the clock forward to v. Moving it backwards is an invariant
// violation and leaves the clock unchanged.
func (l *Lamport) Restore(v uint64) error {
	for {
		cur := l.v.Load()
		if v < cur {
			return fmt.Errorf("%w: restore %d below %d", aggerrors.ErrClockRegression, v, cur)
		}
		if l.v.CompareAndSwap(cur, v) {
			return nil
		}
	}
}
