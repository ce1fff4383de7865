// Package aggregator ties the record store, the persistence log and the
// expiry monitor into the aggregation server core.
package aggregator

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/checkpoint"
	"aggregator/pkg/expiry"
	"aggregator/pkg/listener"
	"aggregator/pkg/metrics"
	"aggregator/pkg/persistence"
	"aggregator/pkg/retry"
	"aggregator/pkg/store"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type iTimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

type Options struct {
	DataDir   string
	BackupDir string

	ExpiryWindow  time.Duration
	SweepInterval time.Duration
	// CheckpointInterval of zero checkpoints on shutdown only.
	CheckpointInterval time.Duration

	AppendPolicy retry.Policy
	Metrics      metrics.Collector
	TimeProvider iTimeProvider
}

// Stats counts requests since the server was created.
type Stats struct {
	Puts     uint64
	Applied  uint64
	Stale    uint64
	Gets     uint64
	Expired  uint64
	Rejected uint64
	Sources  int
	Clock    uint64
}

// BackupResult describes a verified backup.
type BackupResult struct {
	checkpoint.BackupInfo
	Verified bool `json:"verified"`
}

// Server is the aggregation server core. Requests hold the lifecycle lock
// shared, so Shutdown and Crash wait for in-flight requests to finish.
type Server struct {
	opts    Options
	tp      iTimeProvider
	metrics metrics.Collector

	mu         sync.RWMutex
	running    bool
	recovered  bool
	instanceID string
	st         *store.Store
	log        *persistence.Log
	monitor    *expiry.Monitor
	jobs       []listener.Job

	puts, applied, stale, gets, expired, rejected atomic.Uint64
}

func New(opts Options) *Server {
	if opts.TimeProvider == nil {
		opts.TimeProvider = systemTime{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.BackupDir == "" {
		opts.BackupDir = opts.DataDir
	}
	return &Server{
		opts:    opts,
		tp:      opts.TimeProvider,
		metrics: opts.Metrics,
	}
}

// Startup recovers persisted state and starts the background jobs. Calling
// it on a running server does nothing.
func (s *Server) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.DataDir == "" {
		return fmt.Errorf("%w: empty data dir", aggerrors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(s.opts.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	log, err := persistence.Open(s.opts.DataDir, s.tp, persistence.Options{
		AppendPolicy: s.opts.AppendPolicy,
		Metrics:      s.metrics,
	})
	if err != nil {
		return err
	}

	st, stats, err := log.Recover(s.tp)
	if err != nil {
		_ = log.Close()
		return fmt.Errorf("failed to recover: %w", err)
	}

	s.st = st
	s.log = log
	s.recovered = stats.CheckpointFound || stats.Replayed > 0
	s.instanceID = uuid.NewString()
	s.monitor = expiry.New(st, s.commitExpire, s.tp, expiry.Options{
		Window:   s.opts.ExpiryWindow,
		Interval: s.opts.SweepInterval,
		Metrics:  s.metrics,
	})

	jobCtx := context.WithoutCancel(ctx)
	s.jobs = []listener.Job{s.monitor}
	if s.opts.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.opts.CheckpointInterval)
		s.jobs = append(s.jobs, listener.New("checkpoint", ticker.C, func(time.Time) error {
			_, err := s.checkpointLocked()
			return err
		}, ticker.Stop))
	}
	for _, job := range s.jobs {
		job.Start(jobCtx)
	}

	s.running = true
	s.publishGauges()

	slog.Info("aggregator started",
		"instance", s.instanceID,
		"data_dir", s.opts.DataDir,
		"recovered", s.recovered,
		"sources", st.Len(),
		"clock", st.Clock(),
	)
	return nil
}

// Shutdown stops the background jobs, writes a final checkpoint and closes
// the log. Calling it on a stopped server does nothing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.stopJobs()

	var errs []error
	if err := ctx.Err(); err != nil {
		slog.Warn("skipping final checkpoint", "error", err)
	} else if _, err := s.log.Checkpoint(s.st); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	s.reset()

	slog.Info("aggregator stopped", "instance", s.instanceID)
	return errors.Join(errs...)
}

// Crash drops the in-memory state without a checkpoint, as a process kill
// would. Only what was already made durable survives the next Startup.
func (s *Server) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.stopJobs()
	if err := s.log.Close(); err != nil {
		slog.Warn("failed to close log on crash", "error", err)
	}
	s.reset()
	slog.Warn("aggregator crashed", "instance", s.instanceID)
}

func (s *Server) stopJobs() {
	for _, job := range s.jobs {
		job.Stop()
	}
	s.jobs = nil
}

func (s *Server) reset() {
	s.running = false
	s.st = nil
	s.log = nil
	s.monitor = nil
}

func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Recovered reports whether the last Startup found persisted state.
func (s *Server) Recovered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovered
}

// InstanceID is regenerated on every Startup.
func (s *Server) InstanceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instanceID
}

// Put ingests payload pushed by sourceID with the sender's logical clock.
// The returned result is Applied or Stale; either way it carries the server
// clock to acknowledge.
func (s *Server) Put(ctx context.Context, sourceID string, payload []byte, senderClock uint64) (store.Result, error) {
	s.puts.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return s.reject(aggerrors.ErrNotRunning)
	}
	if err := ctx.Err(); err != nil {
		return s.reject(err)
	}

	res, err := s.st.Upsert(sourceID, payload, senderClock, s.log.CommitUpsert)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEmptySourceID), errors.Is(err, store.ErrSenderClockRange):
			err = fmt.Errorf("%w: %w", aggerrors.ErrInvalidArgument, err)
		case errors.Is(err, aggerrors.ErrClockRegression):
			slog.Error("logical clock invariant violated, update rejected", "source_id", sourceID, "error", err)
		default:
			slog.Error("failed to apply update", "source_id", sourceID, "error", err)
		}
		return s.reject(err)
	}

	switch res.Status {
	case store.Applied:
		s.applied.Add(1)
		s.metrics.SetGauge(metrics.Clock, nil, float64(res.ServerClock))
		s.metrics.SetGauge(metrics.Sources, nil, float64(s.st.Len()))
	case store.Stale:
		s.stale.Add(1)
		slog.Debug("stale update ignored", "source_id", sourceID, "sender_clock", senderClock, "stored_sender_clock", res.Record.SenderClock)
	}
	s.metrics.IncCounter(metrics.PutsTotal, map[string]string{"status": res.Status.String()}, 1)

	return res, nil
}

func (s *Server) reject(err error) (store.Result, error) {
	s.rejected.Add(1)
	s.metrics.IncCounter(metrics.PutsTotal, map[string]string{"status": "rejected"}, 1)
	return store.Result{}, err
}

// Get returns the record of sourceID and the current server clock.
func (s *Server) Get(ctx context.Context, sourceID string) (store.Record, uint64, error) {
	s.gets.Add(1)
	s.metrics.IncCounter(metrics.GetsTotal, nil, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return store.Record{}, 0, aggerrors.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return store.Record{}, 0, err
	}

	rec, ok := s.st.Get(sourceID)
	if !ok {
		return store.Record{}, s.st.Clock(), fmt.Errorf("%w: source %q", aggerrors.ErrNotFound, sourceID)
	}
	return rec, s.st.Clock(), nil
}

// GetAll returns the aggregated view sorted by source id.
func (s *Server) GetAll(ctx context.Context) (store.View, error) {
	s.gets.Add(1)
	s.metrics.IncCounter(metrics.GetsTotal, nil, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return store.View{}, aggerrors.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return store.View{}, err
	}
	return s.st.Snapshot(), nil
}

// Checkpoint folds the log into a new checkpoint.
func (s *Server) Checkpoint(ctx context.Context) (checkpoint.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return checkpoint.Image{}, aggerrors.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return checkpoint.Image{}, err
	}
	return s.checkpointLocked()
}

// checkpointLocked expects the lifecycle lock held, or the caller to be a
// job that Shutdown and Crash stop before releasing the log.
func (s *Server) checkpointLocked() (checkpoint.Image, error) {
	img, err := s.log.Checkpoint(s.st)
	if err != nil {
		return checkpoint.Image{}, err
	}
	slog.Info("checkpoint written", "records", len(img.Records), "clock", img.Clock, "last_seq", img.LastSeq)
	return img, nil
}

// Backup checkpoints, exports the image to the backup directory and
// verifies the exported file against it.
func (s *Server) Backup(ctx context.Context) (BackupResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return BackupResult{}, aggerrors.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return BackupResult{}, err
	}

	img, err := s.checkpointLocked()
	if err != nil {
		return BackupResult{}, err
	}
	info, err := checkpoint.Export(img, s.opts.BackupDir, s.tp.Now())
	if err != nil {
		return BackupResult{}, fmt.Errorf("failed to export backup: %w", err)
	}
	if err := checkpoint.VerifyBackup(info, img); err != nil {
		return BackupResult{BackupInfo: info}, err
	}

	slog.Info("backup written", "path", info.Path, "records", info.Records, "bytes", info.Bytes)
	return BackupResult{BackupInfo: info, Verified: true}, nil
}

// Sweep runs one expiry pass immediately.
func (s *Server) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return 0, aggerrors.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.monitor.Sweep()
}

// SetExpiryWindow changes the window used by the expiry monitor, now and on
// later startups.
func (s *Server) SetExpiryWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d <= 0 {
		return
	}
	s.opts.ExpiryWindow = d
	if s.monitor != nil {
		s.monitor.SetWindow(d)
	}
}

func (s *Server) Stats() Stats {
	st := Stats{
		Puts:     s.puts.Load(),
		Applied:  s.applied.Load(),
		Stale:    s.stale.Load(),
		Gets:     s.gets.Load(),
		Expired:  s.expired.Load(),
		Rejected: s.rejected.Load(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.running {
		st.Sources = s.st.Len()
		st.Clock = s.st.Clock()
	}
	return st
}

func (s *Server) commitExpire(rec store.Record) error {
	if err := s.log.CommitExpire(rec); err != nil {
		return err
	}
	s.expired.Add(1)
	return nil
}

func (s *Server) publishGauges() {
	s.metrics.SetGauge(metrics.Clock, nil, float64(s.st.Clock()))
	s.metrics.SetGauge(metrics.Sources, nil, float64(s.st.Len()))
}
