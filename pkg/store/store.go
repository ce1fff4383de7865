package store

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/clock"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

type iTimeProvider interface {
	Now() time.Time
}

// CommitFunc makes a mutation durable. It runs inside the store's critical
// section, before the mutation becomes visible to readers; an error aborts
// the mutation.
type CommitFunc func(Record) error

// MaxSenderClock bounds the clock a source may attach, leaving the server
// counter room to advance past it.
const MaxSenderClock = math.MaxInt64

type recordMap = skipmap.OrderedMap[string, Record]

// Store maps source ids to their latest record.
//
// Mutations (upsert, expiry removal, recovery) are serialized by one lock
// which also guards the server Lamport clock. Reads never take the lock: a
// record is replaced as a whole, so readers see either the old or the new
// value of a key.
type Store struct {
	tp iTimeProvider

	mu      sync.Mutex
	clk     *clock.Lamport
	records *recordMap
}

func New(tp iTimeProvider) *Store {
	return &Store{
		tp:      tp,
		clk:     clock.NewLamport(0),
		records: skipmap.New[string, Record](),
	}
}

// Upsert accepts payload from sourceID stamped with the sender's clock.
//
// An update whose sender clock does not exceed the stored one is stale and
// leaves the store untouched. Otherwise the server clock advances by the
// Lamport receive rule, commit makes the new record durable, and only then is
// the record published.
func (s *Store) Upsert(sourceID string, payload []byte, senderClock uint64, commit CommitFunc) (Result, error) {
	if sourceID == "" {
		return Result{}, ErrEmptySourceID
	}
	if len(payload) == 0 {
		return Result{}, aggerrors.ErrEmptyPayload
	}
	if senderClock > MaxSenderClock {
		return Result{}, fmt.Errorf("%w: %d", ErrSenderClockRange, senderClock)
	}
	if commit == nil {
		return Result{}, ErrNilCommit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records.Load(sourceID); ok && senderClock <= cur.SenderClock {
		return Result{Status: Stale, ServerClock: s.clk.Val(), Record: cur.clone()}, nil
	}

	prev := s.clk.Val()
	observed := s.clk.Peek(senderClock)
	if observed <= prev {
		return Result{}, fmt.Errorf("%w: observed %d after %d", aggerrors.ErrClockRegression, observed, prev)
	}

	rec := Record{
		SourceID:     sourceID,
		Payload:      append([]byte(nil), payload...),
		LogicalClock: observed,
		SenderClock:  senderClock,
		LastContact:  s.tp.Now(),
	}

	if err := commit(rec); err != nil {
		return Result{}, fmt.Errorf("commit upsert for %q: %w", sourceID, err)
	}
	if err := s.clk.Restore(observed); err != nil {
		return Result{}, err
	}
	s.records.Store(sourceID, rec)

	return Result{Status: Applied, ServerClock: observed, Record: rec.clone()}, nil
}

// Get returns a copy of the record for sourceID.
func (s *Store) Get(sourceID string) (Record, bool) {
	rec, ok := s.records.Load(sourceID)
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot copies every record. Each record is internally consistent;
// records of different sources may come from different instants.
func (s *Store) Snapshot() View {
	view := View{
		Clock:   s.clk.Val(),
		Records: make([]Record, 0, s.records.Len()),
	}
	s.records.Range(func(_ string, rec Record) bool {
		view.Records = append(view.Records, rec.clone())
		return true
	})
	return view
}

// Locked runs fn with a view that no mutation can interleave with.
func (s *Store) Locked(fn func(View) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.Snapshot())
}

// Idle returns the ids of sources whose last contact is not after cutoff.
func (s *Store) Idle(cutoff time.Time) []string {
	var ids []string
	s.records.Range(func(id string, rec Record) bool {
		if !rec.LastContact.After(cutoff) {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// RemoveIfIdle deletes sourceID if it is still idle at cutoff. The check and
// the removal happen under the mutation lock, so an upsert that lands first
// keeps the source alive.
func (s *Store) RemoveIfIdle(sourceID string, cutoff time.Time, commit CommitFunc) (Record, bool, error) {
	if commit == nil {
		return Record{}, false, ErrNilCommit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records.Load(sourceID)
	if !ok || rec.LastContact.After(cutoff) {
		return Record{}, false, nil
	}
	if err := commit(rec); err != nil {
		return Record{}, false, fmt.Errorf("commit removal of %q: %w", sourceID, err)
	}
	s.records.Delete(sourceID)
	return rec, true, nil
}

func (s *Store) Len() int {
	return s.records.Len()
}

// Clock returns the current server Lamport time.
func (s *Store) Clock() uint64 {
	return s.clk.Val()
}

// Restore installs rec unless a record with a newer logical clock is
// already present. It reports whether rec was installed.
func (s *Store) Restore(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records.Load(rec.SourceID); ok && cur.LogicalClock >= rec.LogicalClock {
		return false
	}
	s.records.Store(rec.SourceID, rec.clone())
	if rec.LogicalClock > s.clk.Val() {
		_ = s.clk.Restore(rec.LogicalClock)
	}
	return true
}

// Forget removes sourceID if its stored logical clock is at most upTo.
func (s *Store) Forget(sourceID string, upTo uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records.Load(sourceID)
	if !ok || cur.LogicalClock > upTo {
		return false
	}
	s.records.Delete(sourceID)
	return true
}

// RestoreClock moves the server clock forward to v.
func (s *Store) RestoreClock(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Restore(v)
}
