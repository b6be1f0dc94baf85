package types

import (
	"github.com/google/uuid"
)

type SessionID string
type EventID string
type MemoryID string
type JobID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}
