package types

import "errors"

// Sentinel errors shared by the stores and the services built on them.
// Callers match them with errors.Is; stores wrap them with context.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyEnded     = errors.New("session already ended")
	ErrSequenceConflict = errors.New("event sequence conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
)
