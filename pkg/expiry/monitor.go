// Package expiry evicts content sources that stopped pushing updates.
package expiry

import (
	"aggregator/pkg/listener"
	"aggregator/pkg/metrics"
	"aggregator/pkg/store"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type iStore interface {
	Idle(cutoff time.Time) []string
	RemoveIfIdle(sourceID string, cutoff time.Time, commit store.CommitFunc) (store.Record, bool, error)
	Len() int
}

type iTimeProvider interface {
	Now() time.Time
}

type Options struct {
	// Window is how long a source may stay silent.
	Window time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	Metrics  metrics.Collector
}

// Monitor periodically removes every source whose last contact is at least
// Window old. Removals go through the store's mutation path with commit, so
// they are logged and serialized with concurrent upserts.
type Monitor struct {
	st       iStore
	commit   store.CommitFunc
	tp       iTimeProvider
	interval time.Duration
	metrics  metrics.Collector

	window atomic.Int64

	mu  sync.Mutex
	job listener.Job
}

func New(st iStore, commit store.CommitFunc, tp iTimeProvider, opts Options) *Monitor {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	m := &Monitor{
		st:       st,
		commit:   commit,
		tp:       tp,
		interval: opts.Interval,
		metrics:  opts.Metrics,
	}
	m.window.Store(int64(opts.Window))
	return m
}

func (m *Monitor) Window() time.Duration {
	return time.Duration(m.window.Load())
}

// SetWindow changes the expiry window; the next sweep uses it.
func (m *Monitor) SetWindow(d time.Duration) {
	if d <= 0 {
		slog.Warn("ignoring non-positive expiry window", "window", d)
		return
	}
	prev := time.Duration(m.window.Swap(int64(d)))
	if prev != d {
		slog.Info("expiry window changed", "from", prev, "to", d)
	}
}

// Sweep removes idle sources once and returns how many were removed.
// A failed removal leaves that source in place; the others still go.
func (m *Monitor) Sweep() (int, error) {
	window := m.Window()
	if window <= 0 {
		return 0, nil
	}
	cutoff := m.tp.Now().Add(-window)

	var (
		removed int
		errs    []error
	)
	for _, id := range m.st.Idle(cutoff) {
		rec, ok, err := m.st.RemoveIfIdle(id, cutoff, m.commit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			// refreshed between scan and removal
			continue
		}
		removed++
		slog.Debug("source expired", "source", id, "last_contact", rec.LastContact, "logical_clock", rec.LogicalClock)
	}

	if removed > 0 {
		m.metrics.IncCounter(metrics.ExpiredTotal, nil, float64(removed))
		slog.Info("expiry sweep", "removed", removed, "remaining", m.st.Len())
	}
	m.metrics.SetGauge(metrics.Sources, nil, float64(m.st.Len()))

	return removed, errors.Join(errs...)
}

// Start runs Sweep every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != nil {
		return
	}
	if m.interval <= 0 {
		slog.Warn("expiry sweeps disabled", "interval", m.interval)
		return
	}

	ticker := time.NewTicker(m.interval)
	m.job = listener.New("expiry", ticker.C, func(time.Time) error {
		_, err := m.Sweep()
		return err
	}, ticker.Stop)
	m.job.Start(ctx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	job := m.job
	m.job = nil
	m.mu.Unlock()

	if job != nil {
		job.Stop()
	}
}
