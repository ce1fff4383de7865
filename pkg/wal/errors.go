package wal

import "errors"

var (
	ErrClosed        = errors.New("wal: closed")
	ErrCorruptEntry  = errors.New("wal: corrupt entry")
	ErrEntryTooLarge = errors.New("wal: entry too large")
)
