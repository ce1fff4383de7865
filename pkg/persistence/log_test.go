package persistence

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/checkpoint"
	"aggregator/pkg/retry"
	"aggregator/pkg/store"
	"aggregator/pkg/wal"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.now
}

// flakyJournal fails the first failures appends.
type flakyJournal struct {
	iJournal

	mu       sync.Mutex
	failures int
	calls    int
	resetErr error
}

func (f *flakyJournal) Append(e wal.Entry) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return errors.New("disk hiccup")
	}
	return f.iJournal.Append(e)
}

func (f *flakyJournal) Reset() error {
	if f.resetErr != nil {
		return f.resetErr
	}
	return f.iJournal.Reset()
}

type countingCollector struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (c *countingCollector) IncCounter(name string, _ map[string]string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = make(map[string]float64)
	}
	c.counters[name] += delta
}

func (c *countingCollector) SetGauge(string, map[string]string, float64)         {}
func (c *countingCollector) ObserveHistogram(string, map[string]string, float64) {}

func openLog(t *testing.T, dir string, tp *mockTimeProvider) *Log {
	t.Helper()
	l, err := Open(dir, tp, Options{AppendPolicy: retry.Fixed(1, 0)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func recoverStore(t *testing.T, dir string, tp *mockTimeProvider) (*store.Store, RecoverStats) {
	t.Helper()
	l := openLog(t, dir, tp)
	s, stats, err := l.Recover(tp)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	return s, stats
}

func mustUpsert(t *testing.T, s *store.Store, l *Log, id, payload string, clk uint64) store.Result {
	t.Helper()
	res, err := s.Upsert(id, []byte(payload), clk, l.CommitUpsert)
	if err != nil {
		t.Fatalf("Upsert(%s) failed: %v", id, err)
	}
	return res
}

func TestLog_RecoverFromLog(t *testing.T) {
	dir := t.TempDir()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}

	l := openLog(t, dir, tp)
	s, _, err := l.Recover(tp)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	mustUpsert(t, s, l, "a", "one", 1)
	mustUpsert(t, s, l, "b", "two", 7)
	mustUpsert(t, s, l, "a", "three", 2)
	if res := mustUpsert(t, s, l, "b", "stale", 7); res.Status != store.Stale {
		t.Fatalf("expected stale, got %s", res.Status)
	}
	want := s.Snapshot()
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, stats := recoverStore(t, dir, tp)
	if stats.CheckpointFound {
		t.Error("expected no checkpoint")
	}
	if stats.Replayed != 3 {
		t.Errorf("expected 3 replayed entries, got %d", stats.Replayed)
	}
	if diff := cmp.Diff(want, got.Snapshot()); diff != "" {
		t.Errorf("recovered view mismatch (-want +got):\n%s", diff)
	}
}

func TestLog_CheckpointThenLog(t *testing.T) {
	dir := t.TempDir()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}

	l := openLog(t, dir, tp)
	s, _, err := l.Recover(tp)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	mustUpsert(t, s, l, "a", "one", 1)
	mustUpsert(t, s, l, "b", "two", 1)

	img, err := l.Checkpoint(s)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if img.LastSeq != 2 || len(img.Records) != 2 {
		t.Fatalf("unexpected image: last seq %d, %d records", img.LastSeq, len(img.Records))
	}

	mustUpsert(t, s, l, "c", "three", 10)
	if _, removed, err := s.RemoveIfIdle("a", tp.now, l.CommitExpire); err != nil || !removed {
		t.Fatalf("RemoveIfIdle failed: removed=%v err=%v", removed, err)
	}
	want := s.Snapshot()
	_ = l.Close()

	got, stats := recoverStore(t, dir, tp)
	if !stats.CheckpointFound || stats.CheckpointRecords != 2 {
		t.Errorf("unexpected checkpoint stats: %+v", stats)
	}
	if stats.Replayed != 2 {
		t.Errorf("expected 2 replayed entries, got %d", stats.Replayed)
	}
	if diff := cmp.Diff(want, got.Snapshot()); diff != "" {
		t.Errorf("recovered view mismatch (-want +got):\n%s", diff)
	}
}

func TestLog_CheckpointOutlivedByLog(t *testing.T) {
	dir := t.TempDir()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}

	journal, err := wal.New(dir)
	if err != nil {
		t.Fatalf("wal.New failed: %v", err)
	}
	flaky := &flakyJournal{iJournal: journal, resetErr: errors.New("reset refused")}
	l := newLog(flaky, checkpoint.New(dir), tp, Options{AppendPolicy: retry.Fixed(1, 0)})

	s, _, err := l.Recover(tp)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	mustUpsert(t, s, l, "a", "one", 1)
	if _, removed, err := s.RemoveIfIdle("a", tp.now, l.CommitExpire); err != nil || !removed {
		t.Fatalf("RemoveIfIdle failed: removed=%v err=%v", removed, err)
	}
	mustUpsert(t, s, l, "a", "again", 5)

	if _, err := l.Checkpoint(s); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	mustUpsert(t, s, l, "b", "two", 1)
	want := s.Snapshot()
	_ = l.Close()

	got, stats := recoverStore(t, dir, tp)
	if stats.Skipped != 3 {
		t.Errorf("expected 3 skipped entries, got %d", stats.Skipped)
	}
	if diff := cmp.Diff(want, got.Snapshot()); diff != "" {
		t.Errorf("recovered view mismatch (-want +got):\n%s", diff)
	}
}

func TestLog_AppendRetries(t *testing.T) {
	dir := t.TempDir()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}

	journal, err := wal.New(dir)
	if err != nil {
		t.Fatalf("wal.New failed: %v", err)
	}
	flaky := &flakyJournal{iJournal: journal, failures: 2}
	collector := &countingCollector{}
	l := newLog(flaky, checkpoint.New(dir), tp, Options{
		AppendPolicy: retry.Fixed(3, time.Millisecond),
		Metrics:      collector,
	})
	defer l.Close()

	s := store.New(tp)
	res, err := s.Upsert("a", []byte("one"), 1, l.CommitUpsert)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Status != store.Applied {
		t.Fatalf("expected applied, got %s", res.Status)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 append calls, got %d", flaky.calls)
	}
	if got := collector.counters["aggregator_wal_append_retries_total"]; got != 2 {
		t.Errorf("expected 2 retries counted, got %v", got)
	}
}

func TestLog_AppendExhausted(t *testing.T) {
	dir := t.TempDir()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}

	journal, err := wal.New(dir)
	if err != nil {
		t.Fatalf("wal.New failed: %v", err)
	}
	flaky := &flakyJournal{iJournal: journal, failures: 5}
	l := newLog(flaky, checkpoint.New(dir), tp, Options{AppendPolicy: retry.Fixed(2, time.Millisecond)})
	defer l.Close()

	s := store.New(tp)
	_, err = s.Upsert("a", []byte("one"), 1, l.CommitUpsert)
	if !errors.Is(err, aggerrors.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("record visible after failed commit")
	}
	if s.Clock() != 0 {
		t.Errorf("clock advanced after failed commit: %d", s.Clock())
	}
}
