package clock

import (
	"aggregator/pkg/aggerrors"
	"errors"
	"sync"
	"testing"
)

func TestLamport_TickZero(t *testing.T) {
	var clk Lamport
	if got := clk.Tick(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestLamport_AdvanceTakesMaxPlusOne(t *testing.T) {
	clk := NewLamport(3)

	if got := clk.Advance(5); got != 6 {
		t.Fatalf("Advance(5) from 3: expected 6, got %d", got)
	}
	if got := clk.Advance(1); got != 7 {
		t.Fatalf("Advance(1) from 6: expected 7, got %d", got)
	}
	if clk.Val() != 7 {
		t.Fatalf("Val: expected 7, got %d", clk.Val())
	}
}

func TestLamport_PeekDoesNotMove(t *testing.T) {
	clk := NewLamport(10)
	if got := clk.Peek(4); got != 11 {
		t.Fatalf("Peek(4): expected 11, got %d", got)
	}
	if clk.Val() != 10 {
		t.Fatalf("Peek changed the clock to %d", clk.Val())
	}
}

func TestLamport_RestoreRejectsRegression(t *testing.T) {
	clk := NewLamport(10)

	if err := clk.Restore(12); err != nil {
		t.Fatalf("Restore(12): %v", err)
	}
	err := clk.Restore(11)
	if !errors.Is(err, aggerrors.ErrClockRegression) {
		t.Fatalf("Restore(11): expected ErrClockRegression, got %v", err)
	}
	if clk.Val() != 12 {
		t.Fatalf("clock moved after rejected restore: %d", clk.Val())
	}
}

func TestLamport_ConcurrentAdvanceLosesNothing(t *testing.T) {
	const workers, perWorker = 16, 500
	var clk Lamport

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				clk.Advance(0)
			}
		}()
	}
	wg.Wait()

	if got := clk.Val(); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
}

func TestSequence_NextAndObserve(t *testing.T) {
	seq := NewSequence(41)
	if got := seq.Next(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	seq.Observe(10)
	if seq.Last() != 42 {
		t.Fatalf("Observe moved the sequence back to %d", seq.Last())
	}
	seq.Observe(100)
	if got := seq.Next(); got != 101 {
		t.Fatalf("expected 101 after Observe(100), got %d", got)
	}

	seq.Reset(7)
	if seq.Last() != 7 {
		t.Fatalf("expected 7 after Reset, got %d", seq.Last())
	}
}
