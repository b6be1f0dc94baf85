package types

import (
	"context"
	"time"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Namespace  string
	ActiveOnly bool
	Limit      int
}

type SessionStore interface {
	// CreateSession inserts the session and its empty state row atomically.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	// EndSession sets ended_at once; ErrAlreadyEnded on the second call.
	EndSession(ctx context.Context, id SessionID, at time.Time) error
	// PendingSessions returns ended sessions that still have events not yet
	// processed for memory generation.
	PendingSessions(ctx context.Context, limit int) ([]*Session, error)
}

type EventStore interface {
	// Append assigns the next sequence number and persists the event.
	Append(ctx context.Context, event *Event) error
	// Tail returns the last limit events in chronological order, optionally
	// restricted to the given types.
	Tail(ctx context.Context, sessionID SessionID, limit int, types ...EventType) ([]*Event, error)
	List(ctx context.Context, sessionID SessionID) ([]*Event, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
	Unprocessed(ctx context.Context, sessionID SessionID) ([]*Event, error)
	MarkProcessed(ctx context.Context, sessionID SessionID, ids []EventID) error
}

type StateStore interface {
	GetState(ctx context.Context, sessionID SessionID) (*SessionState, error)
	// UpdateState applies fn to the scratchpad inside one transaction.
	UpdateState(ctx context.Context, sessionID SessionID, fn func(*Scratchpad) error) (*SessionState, error)
}

// SearchQuery is a text-ranked lookup over memory content.
type SearchQuery struct {
	Namespace string
	Text      string
	Category  Category
	Limit     int
	Now       time.Time
}

// RankedMemory pairs a memory with its normalized text rank in [0,1).
type RankedMemory struct {
	Memory *Memory
	Rank   float64
}

// MemoryOrder selects how ListMemories sorts its results.
type MemoryOrder string

const (
	// OrderNewest sorts by creation time, newest first.
	OrderNewest MemoryOrder = ""
	// OrderImportance sorts by importance, then newest first.
	OrderImportance MemoryOrder = "importance"
)

// MemoryFilter narrows ListMemories.
type MemoryFilter struct {
	Namespace      string
	Category       Category
	Tags           []string
	Since          time.Time
	IncludeExpired bool
	Order          MemoryOrder
	Limit          int
	Offset         int
	Now            time.Time
}

type MemoryStore interface {
	InsertMemory(ctx context.Context, mem *Memory) error
	GetMemory(ctx context.Context, id MemoryID) (*Memory, error)
	UpdateMemory(ctx context.Context, mem *Memory) error
	SearchMemories(ctx context.Context, q SearchQuery) ([]RankedMemory, error)
	ListMemories(ctx context.Context, filter MemoryFilter) ([]*Memory, error)
	TouchMemories(ctx context.Context, ids []MemoryID, at time.Time) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Extractor turns session events into candidate memories.
type Extractor interface {
	Extract(ctx context.Context, events []*Event, allowed []Category) ([]CandidateMemory, error)
}

// Summarizer condenses a run of events into prose of at most maxChars.
type Summarizer interface {
	Summarize(ctx context.Context, events []*Event, maxChars int) (string, error)
}
