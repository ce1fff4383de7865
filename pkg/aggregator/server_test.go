package aggregator

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/retry"
	"aggregator/pkg/store"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestServer(t *testing.T, dir string) (*Server, *mockTimeProvider) {
	t.Helper()
	tp := &mockTimeProvider{now: time.Unix(1700000000, 0)}
	s := New(Options{
		DataDir:       dir,
		ExpiryWindow:  30 * time.Second,
		SweepInterval: time.Hour,
		AppendPolicy:  retry.Fixed(3, time.Millisecond),
		TimeProvider:  tp,
	})
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, tp
}

func mustPut(t *testing.T, s *Server, id, payload string, clk uint64) store.Result {
	t.Helper()
	res, err := s.Put(context.Background(), id, []byte(payload), clk)
	if err != nil {
		t.Fatalf("Put(%s) failed: %v", id, err)
	}
	return res
}

func TestServer_PutGet(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	res := mustPut(t, s, "key1", "value1", 5)
	if res.Status != store.Applied || res.ServerClock != 6 {
		t.Fatalf("expected applied at 6, got %s at %d", res.Status, res.ServerClock)
	}

	rec, clk, err := s.Get(context.Background(), "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(rec.Payload) != "value1" || rec.LogicalClock != 6 || clk != 6 {
		t.Fatalf("unexpected record %+v at clock %d", rec, clk)
	}

	if _, _, err := s.Get(context.Background(), "missing"); !errors.Is(err, aggerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServer_IdempotentRetry(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	first := mustPut(t, s, "a", "payload", 3)
	want, _, _ := s.Get(context.Background(), "a")

	second := mustPut(t, s, "a", "payload", 3)
	if first.Status != store.Applied || second.Status != store.Stale {
		t.Fatalf("expected applied then stale, got %s then %s", first.Status, second.Status)
	}
	if second.ServerClock != first.ServerClock {
		t.Errorf("stale ack moved the clock: %d -> %d", first.ServerClock, second.ServerClock)
	}

	got, _, _ := s.Get(context.Background(), "a")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record changed by resend (-want +got):\n%s", diff)
	}

	stats := s.Stats()
	if stats.Puts != 2 || stats.Applied != 1 || stats.Stale != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestServer_ClockMonotonic(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	var last uint64
	clocks := []uint64{1, 50, 2, 50, 7, 49, 100, 3}
	for i, c := range clocks {
		res := mustPut(t, s, fmt.Sprintf("s%d", i%3), "x", c)
		if res.ServerClock < last {
			t.Fatalf("clock went backwards at put %d: %d < %d", i, res.ServerClock, last)
		}
		last = res.ServerClock
	}
}

func TestServer_InvalidInput(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	if _, err := s.Put(context.Background(), "", []byte("x"), 1); !errors.Is(err, aggerrors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := s.Put(context.Background(), "a", nil, 1); !errors.Is(err, aggerrors.ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
	if s.Stats().Rejected != 2 {
		t.Errorf("expected 2 rejected, got %d", s.Stats().Rejected)
	}
}

func TestServer_RecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestServer(t, dir)

	for i := 0; i < 20; i++ {
		mustPut(t, s, fmt.Sprintf("src-%02d", i%7), fmt.Sprintf("payload-%d", i), uint64(i+1))
	}
	if _, err := s.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	for i := 20; i < 30; i++ {
		mustPut(t, s, fmt.Sprintf("src-%02d", i%9), fmt.Sprintf("payload-%d", i), uint64(i+1))
	}

	want, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}

	s.Crash()
	if s.Running() {
		t.Fatal("server still running after crash")
	}
	if _, err := s.Put(context.Background(), "a", []byte("x"), 1); !errors.Is(err, aggerrors.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if !s.Recovered() {
		t.Error("expected Recovered after restart")
	}

	got, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recovered view mismatch (-want +got):\n%s", diff)
	}

	res := mustPut(t, s, "src-00", "after", 1000)
	if res.ServerClock <= want.Clock {
		t.Errorf("clock did not continue after recovery: %d <= %d", res.ServerClock, want.Clock)
	}
}

func TestServer_PeriodicCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{
		DataDir:            dir,
		ExpiryWindow:       time.Minute,
		SweepInterval:      time.Hour,
		CheckpointInterval: 10 * time.Millisecond,
		AppendPolicy:       retry.Fixed(3, time.Millisecond),
		TimeProvider:       &mockTimeProvider{now: time.Unix(1700000000, 0)},
	})
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	for i := 0; i < 5; i++ {
		mustPut(t, s, fmt.Sprintf("src-%d", i), fmt.Sprintf("payload-%d", i), uint64(i+1))
	}
	want, _ := s.GetAll(context.Background())

	// The job resets the log once the checkpoint is on disk.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ckErr := os.Stat(filepath.Join(dir, "checkpoint.json"))
		info, walErr := os.Stat(filepath.Join(dir, "wal.log"))
		if ckErr == nil && walErr == nil && info.Size() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("periodic checkpoint not written: checkpoint err=%v, wal err=%v", ckErr, walErr)
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Crash()
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	got, _ := s.GetAll(context.Background())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("view mismatch after periodic checkpoint and crash (-want +got):\n%s", diff)
	}
}

func TestServer_RecoveryTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestServer(t, dir)

	for i := 0; i < 5; i++ {
		mustPut(t, s, fmt.Sprintf("src-%d", i), fmt.Sprintf("payload-%d", i), uint64(i+1))
	}
	want, _ := s.GetAll(context.Background())
	s.Crash()

	walPath := filepath.Join(dir, "wal.log")
	before, err := os.Stat(walPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	// A torn write: a frame header promising more bytes than follow.
	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.Write([]byte{0x40, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef, 'x', 'y'}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup with corrupt tail failed: %v", err)
	}
	got, _ := s.GetAll(context.Background())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("valid prefix not recovered (-want +got):\n%s", diff)
	}
	if after, err := os.Stat(walPath); err != nil || after.Size() != before.Size() {
		t.Fatalf("expected log truncated to %d bytes, got %v (err %v)", before.Size(), after, err)
	}

	// Appends after the truncation replay cleanly.
	mustPut(t, s, "src-late", "late", 100)
	want, _ = s.GetAll(context.Background())
	s.Crash()
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("second Startup failed: %v", err)
	}
	got, _ = s.GetAll(context.Background())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("view mismatch after append past truncation (-want +got):\n%s", diff)
	}
}

func TestServer_ShutdownStartup(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestServer(t, dir)

	mustPut(t, s, "a", "one", 1)
	mustPut(t, s, "b", "two", 1)
	firstID := s.InstanceID()
	want, _ := s.GetAll(context.Background())

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("second Startup failed: %v", err)
	}
	if s.InstanceID() == firstID {
		t.Error("instance id not regenerated")
	}

	got, _ := s.GetAll(context.Background())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("view mismatch after restart (-want +got):\n%s", diff)
	}
}

func TestServer_FreshStartNotRecovered(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())
	if s.Recovered() {
		t.Error("empty data dir reported as recovered")
	}
}

func TestServer_Expiry(t *testing.T) {
	s, tp := newTestServer(t, t.TempDir())

	mustPut(t, s, "silent", "x", 1)
	tp.Advance(20 * time.Second)
	mustPut(t, s, "chatty", "y", 1)
	tp.Advance(15 * time.Second)

	removed, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}

	view, _ := s.GetAll(context.Background())
	if _, ok := view.Lookup("silent"); ok {
		t.Error("expired source still listed")
	}
	if _, ok := view.Lookup("chatty"); !ok {
		t.Error("active source missing")
	}
	if s.Stats().Expired != 1 {
		t.Errorf("expected 1 expired, got %d", s.Stats().Expired)
	}

	// the removal survives a crash
	s.Crash()
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if _, _, err := s.Get(context.Background(), "silent"); !errors.Is(err, aggerrors.ErrNotFound) {
		t.Errorf("expired source back after recovery: %v", err)
	}
}

func TestServer_SetExpiryWindow(t *testing.T) {
	s, tp := newTestServer(t, t.TempDir())

	mustPut(t, s, "a", "x", 1)
	tp.Advance(20 * time.Second)

	s.SetExpiryWindow(10 * time.Second)
	if removed, _ := s.Sweep(context.Background()); removed != 1 {
		t.Fatalf("expected removal under the shorter window, got %d", removed)
	}
}

func TestServer_ConcurrentPutGet(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())
	mustPut(t, s, "key1", "value0", 1)
	prior, _, _ := s.Get(context.Background(), "key1")

	var wg sync.WaitGroup
	results := make(chan store.Record, 200)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec, _, err := s.Get(context.Background(), "key1")
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				results <- rec
			}
		}()
	}
	if _, err := s.Put(context.Background(), "key1", []byte("value1"), 5); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	wg.Wait()
	close(results)

	for rec := range results {
		switch {
		case cmp.Equal(rec, prior):
		case string(rec.Payload) == "value1" && rec.LogicalClock == 6 && rec.SenderClock == 5:
		default:
			t.Fatalf("torn read: %+v", rec)
		}
	}
}

func TestServer_Independence(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	mustPut(t, s, "A", "from-a", 1)
	mustPut(t, s, "B", "from-b", 1)
	before, _, _ := s.Get(context.Background(), "B")

	mustPut(t, s, "A", "from-a-2", 2)
	after, _, _ := s.Get(context.Background(), "B")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("B changed by a put from A (-want +got):\n%s", diff)
	}

	a, _, _ := s.Get(context.Background(), "A")
	if string(a.Payload) != "from-a-2" {
		t.Errorf("unexpected payload for A: %q", a.Payload)
	}
}

func TestServer_HundredSources(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	var wg sync.WaitGroup
	clocks := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Put(context.Background(), fmt.Sprintf("source-%03d", i), []byte("data"), 1)
			if err != nil {
				t.Errorf("Put failed: %v", err)
				return
			}
			if res.Status != store.Applied {
				t.Errorf("expected applied, got %s", res.Status)
			}
			clocks <- res.ServerClock
		}(i)
	}
	wg.Wait()
	close(clocks)

	seen := make(map[uint64]bool)
	for c := range clocks {
		if seen[c] {
			t.Fatalf("server clock %d handed out twice", c)
		}
		seen[c] = true
	}

	view, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if view.Len() != 100 {
		t.Fatalf("expected 100 records, got %d", view.Len())
	}
	if view.Clock != 101 {
		t.Errorf("expected clock 101, got %d", view.Clock)
	}
}

func TestServer_Backup(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestServer(t, dir)

	mustPut(t, s, "a", "one", 1)
	mustPut(t, s, "b", "two", 4)

	res, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if !res.Verified || res.Records != 2 {
		t.Fatalf("unexpected backup result %+v", res)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
}

func TestServer_CanceledContext(t *testing.T) {
	s, _ := newTestServer(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Put(ctx, "a", []byte("x"), 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, err := s.Get(context.Background(), "a"); !errors.Is(err, aggerrors.ErrNotFound) {
		t.Fatalf("canceled put left a record: %v", err)
	}
}
