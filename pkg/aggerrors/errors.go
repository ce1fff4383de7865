package aggerrors

import "errors"

var (
	ErrNotFound         = errors.New("aggregator: not found")
	ErrClosed           = errors.New("aggregator: closed")
	ErrNotRunning       = errors.New("aggregator: server not running")
	ErrInvalidArgument  = errors.New("aggregator: invalid argument")
	ErrEmptyPayload     = errors.New("aggregator: empty payload")
	ErrClockRegression  = errors.New("aggregator: logical clock went backwards")
	ErrRetriesExhausted = errors.New("aggregator: retries exhausted")
	ErrBackupMismatch   = errors.New("aggregator: backup does not match live view")
)
