// Package persistence makes store mutations durable: every accepted change is
// appended to the write-ahead log before it becomes visible, and a periodic
// checkpoint folds the log into a single image.
package persistence

import (
	"aggregator/pkg/checkpoint"
	"aggregator/pkg/clock"
	"aggregator/pkg/metrics"
	"aggregator/pkg/retry"
	"aggregator/pkg/store"
	"aggregator/pkg/wal"
	"context"
	"fmt"
	"log/slog"
	"time"
)

type iJournal interface {
	Append(e wal.Entry) error
	Replay(start uint64, callback func(wal.Entry) error) (wal.ReplayStats, error)
	Reset() error
	Close() error
}

type iCheckpointer interface {
	Load() (checkpoint.Image, bool, error)
	Save(img checkpoint.Image) error
}

type iTimeProvider interface {
	Now() time.Time
}

type Options struct {
	// AppendPolicy bounds retries of a failed log append.
	AppendPolicy retry.Policy
	Metrics      metrics.Collector
}

// RecoverStats describes what Recover rebuilt.
type RecoverStats struct {
	CheckpointFound   bool
	CheckpointRecords int
	Replayed          int
	Skipped           int
	TruncatedBytes    int64
	Clock             uint64
}

type Log struct {
	jr      iJournal
	cp      iCheckpointer
	tp      iTimeProvider
	seqN    *clock.Sequence
	policy  retry.Policy
	metrics metrics.Collector
}

// Open opens the log and checkpoint files in dataDir.
func Open(dataDir string, tp iTimeProvider, opts Options) (*Log, error) {
	journal, err := wal.New(dataDir)
	if err != nil {
		return nil, err
	}
	return newLog(journal, checkpoint.New(dataDir), tp, opts), nil
}

func newLog(jr iJournal, cp iCheckpointer, tp iTimeProvider, opts Options) *Log {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Log{
		jr:      jr,
		cp:      cp,
		tp:      tp,
		seqN:    clock.NewSequence(0),
		policy:  opts.AppendPolicy,
		metrics: opts.Metrics,
	}
}

// CommitUpsert is a store.CommitFunc logging an accepted update.
func (l *Log) CommitUpsert(rec store.Record) error {
	return l.append(wal.Entry{
		Kind:        wal.KindUpsert,
		SourceID:    rec.SourceID,
		Payload:     rec.Payload,
		Clock:       rec.LogicalClock,
		SenderClock: rec.SenderClock,
		UnixNano:    rec.LastContact.UnixNano(),
	})
}

// CommitExpire is a store.CommitFunc logging the removal of a silent source.
func (l *Log) CommitExpire(rec store.Record) error {
	return l.append(wal.Entry{
		Kind:        wal.KindExpire,
		SourceID:    rec.SourceID,
		Clock:       rec.LogicalClock,
		SenderClock: rec.SenderClock,
		UnixNano:    l.tp.Now().UnixNano(),
	})
}

func (l *Log) append(e wal.Entry) error {
	e.SeqNum = l.seqN.Next()

	return retry.Do(context.Background(), l.policy, func(_ context.Context, attempt int) error {
		if attempt > 1 {
			l.metrics.IncCounter(metrics.WALRetriesTotal, nil, 1)
		}
		return l.jr.Append(e)
	})
}

// Seq returns the sequence number of the last appended entry.
func (l *Log) Seq() uint64 {
	return l.seqN.Last()
}

// Checkpoint writes an image of s and empties the log. Mutations are held
// off while the image is written, so the image covers exactly the entries
// up to Seq.
func (l *Log) Checkpoint(s *store.Store) (checkpoint.Image, error) {
	start := l.tp.Now()

	var img checkpoint.Image
	err := s.Locked(func(view store.View) error {
		img = checkpoint.FromView(view, l.seqN.Last(), start)
		if err := l.cp.Save(img); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		// entries up to LastSeq are skipped on replay, so a log that
		// outlives its checkpoint is harmless
		if err := l.jr.Reset(); err != nil {
			slog.Warn("failed to reset WAL after checkpoint", "last_seq", img.LastSeq, "error", err)
		}
		return nil
	})
	if err != nil {
		return checkpoint.Image{}, err
	}

	l.metrics.ObserveHistogram(metrics.CheckpointSeconds, nil, l.tp.Now().Sub(start).Seconds())
	return img, nil
}

// Recover rebuilds a store from the checkpoint and the log entries written
// after it.
func (l *Log) Recover(tp iTimeProvider) (*store.Store, RecoverStats, error) {
	var stats RecoverStats

	img, found, err := l.cp.Load()
	if err != nil {
		return nil, stats, err
	}
	stats.CheckpointFound = found
	stats.CheckpointRecords = len(img.Records)

	s := store.New(tp)
	for _, rec := range img.View().Records {
		s.Restore(rec)
	}
	if err := s.RestoreClock(img.Clock); err != nil {
		return nil, stats, fmt.Errorf("checkpoint clock %d behind its records: %w", img.Clock, err)
	}
	l.seqN.Reset(img.LastSeq)

	replay, err := l.jr.Replay(img.LastSeq+1, func(e wal.Entry) error {
		l.seqN.Observe(e.SeqNum)

		switch e.Kind {
		case wal.KindUpsert:
			s.Restore(store.Record{
				SourceID:     e.SourceID,
				Payload:      e.Payload,
				LogicalClock: e.Clock,
				SenderClock:  e.SenderClock,
				LastContact:  time.Unix(0, e.UnixNano),
			})
		case wal.KindExpire:
			s.Forget(e.SourceID, e.Clock)
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	stats.Replayed = replay.Entries
	stats.Skipped = replay.Skipped
	stats.TruncatedBytes = replay.TruncatedBytes
	stats.Clock = s.Clock()

	slog.Info("store recovered",
		"checkpoint", stats.CheckpointFound,
		"checkpoint_records", stats.CheckpointRecords,
		"replayed", stats.Replayed,
		"truncated_bytes", stats.TruncatedBytes,
		"sources", s.Len(),
		"clock", stats.Clock,
	)
	return s, stats, nil
}

func (l *Log) Close() error {
	return l.jr.Close()
}
