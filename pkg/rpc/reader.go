package rpc

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/retry"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Reader queries the aggregated view. A closed reader refuses requests
// until Reconnect succeeds.
type Reader struct {
	remote Remote
	policy retry.Policy

	mu        sync.RWMutex
	connected bool
}

func NewReader(remote Remote, policy retry.Policy) *Reader {
	return &Reader{
		remote:    remote,
		policy:    policy,
		connected: true,
	}
}

func (r *Reader) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Get returns the record of sourceID and the server clock it was read at.
func (r *Reader) Get(ctx context.Context, sourceID string) (Record, uint64, error) {
	if !r.Connected() {
		return Record{}, 0, aggerrors.ErrClosed
	}

	var (
		rec Record
		clk uint64
	)
	err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		var err error
		rec, clk, err = r.remote.Get(ctx, sourceID)
		return err
	})
	if err != nil {
		return Record{}, 0, err
	}
	return rec, clk, nil
}

// GetAll returns the full aggregated view.
func (r *Reader) GetAll(ctx context.Context) (Snapshot, error) {
	if !r.Connected() {
		return Snapshot{}, aggerrors.ErrClosed
	}

	var snap Snapshot
	err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		var err error
		snap, err = r.remote.GetAll(ctx)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Close disconnects the reader.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	return r.remote.Close()
}

// Reconnect checks the server is reachable and re-enables the reader.
func (r *Reader) Reconnect(ctx context.Context) error {
	var instance string
	err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		var err error
		instance, err = r.remote.Health(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	slog.Info("reader connected", "instance", instance)
	return nil
}
