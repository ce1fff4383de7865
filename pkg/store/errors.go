package store

import "errors"

var (
	ErrEmptySourceID    = errors.New("store: empty source id")
	ErrNilCommit        = errors.New("store: commit func is required")
	ErrSenderClockRange = errors.New("store: sender clock out of range")
)
