package store

import (
	"bytes"
	"fmt"
	"time"
)

// Status is the outcome of an upsert.
type Status uint8

const (
	Applied Status = iota + 1
	// Stale means the sender clock did not exceed the stored one; nothing changed.
	Stale
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Record is the latest data pushed by one content source.
type Record struct {
	SourceID string
	Payload  []byte
	// LogicalClock is the server-observed Lamport time of the write.
	LogicalClock uint64
	// SenderClock is the clock the source attached; staleness is judged on it.
	SenderClock uint64
	// LastContact is used for expiry only, never for ordering.
	LastContact time.Time
}

func (r Record) clone() Record {
	r.Payload = bytes.Clone(r.Payload)
	return r
}

// Result reports what Upsert did.
type Result struct {
	Status      Status
	ServerClock uint64
	Record      Record
}

// View is a point-in-time copy of the store, records sorted by source id.
type View struct {
	Clock   uint64
	Records []Record
}

func (v View) Len() int {
	return len(v.Records)
}

// Lookup returns the record for id.
func (v View) Lookup(id string) (Record, bool) {
	for _, r := range v.Records {
		if r.SourceID == id {
			return r, true
		}
	}
	return Record{}, false
}
