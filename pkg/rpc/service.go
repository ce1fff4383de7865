package rpc

import (
	"context"
	"time"
)

// Ack is the server's answer to a pushed update.
type Ack struct {
	Status      string `json:"status"`
	ServerClock uint64 `json:"server_clock"`
	// Attempts is the number of sends it took, filled in by Source.
	Attempts int `json:"-"`
}

const (
	StatusApplied = "applied"
	StatusStale   = "stale"
)

func (a Ack) Applied() bool { return a.Status == StatusApplied }

// Record is one source's entry in the aggregated view.
type Record struct {
	SourceID     string    `json:"source_id"`
	Payload      []byte    `json:"payload"`
	LogicalClock uint64    `json:"logical_clock"`
	SenderClock  uint64    `json:"sender_clock"`
	LastContact  time.Time `json:"last_contact"`
}

// Snapshot is the aggregated view as returned by the server.
type Snapshot struct {
	ServerClock uint64   `json:"server_clock"`
	Records     []Record `json:"records"`
}

// Remote is the aggregation server API as seen by sources and readers.
type Remote interface {
	Put(ctx context.Context, sourceID string, payload []byte, clock uint64, requestID string) (Ack, error)
	Get(ctx context.Context, sourceID string) (Record, uint64, error)
	GetAll(ctx context.Context) (Snapshot, error)
	Health(ctx context.Context) (string, error)
	Close() error
}
