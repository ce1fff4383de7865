package rpc

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/clock"
	"aggregator/pkg/retry"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Source is a content source pushing its latest data to the aggregation
// server. Each push is stamped with the source's Lamport clock.
type Source struct {
	id     string
	remote Remote
	policy retry.Policy
	clk    *clock.Lamport
}

func NewSource(id string, remote Remote, policy retry.Policy) *Source {
	return &Source{
		id:     id,
		remote: remote,
		policy: policy,
		clk:    clock.NewLamport(0),
	}
}

func (s *Source) ID() string { return s.id }

// Clock returns the source's current Lamport time.
func (s *Source) Clock() uint64 { return s.clk.Val() }

// Sync moves the local clock past whatever the server already holds for this
// source, so a restarted source is not treated as stale.
func (s *Source) Sync(ctx context.Context) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		rec, serverClock, err := s.remote.Get(ctx, s.id)
		switch {
		case errors.Is(err, aggerrors.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		s.clk.Advance(max(rec.SenderClock, serverClock))
		return nil
	})
}

// Push sends payload once, resending the identical request on transient
// failures. A stale ack after a resend means an earlier attempt was applied
// and its ack was lost.
func (s *Source) Push(ctx context.Context, payload []byte) (Ack, error) {
	if len(payload) == 0 {
		return Ack{}, aggerrors.ErrEmptyPayload
	}

	clk := s.clk.Tick()
	requestID := uuid.NewString()

	var ack Ack
	var attempts int
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		var err error
		ack, err = s.remote.Put(ctx, s.id, payload, clk, requestID)
		return err
	})
	if err != nil {
		slog.Warn("push failed", "source_id", s.id, "clock", clk, "attempts", attempts, "request_id", requestID, "error", err)
		return Ack{}, fmt.Errorf("push %s at clock %d: %w", s.id, clk, err)
	}

	ack.Attempts = attempts
	s.clk.Advance(ack.ServerClock)
	slog.Debug("push acknowledged", "source_id", s.id, "clock", clk, "status", ack.Status,
		"server_clock", ack.ServerClock, "attempts", attempts)
	return ack, nil
}
