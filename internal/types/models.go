package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of session event kinds.
type EventType string

const (
	EventUserMessage    EventType = "user_message"
	EventModelMessage   EventType = "model_message"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventValidationGate EventType = "validation_gate"
	EventMemoryRecall   EventType = "memory_recall"
	EventSystem         EventType = "system_event"
)

var eventTypes = map[EventType]bool{
	EventUserMessage:    true,
	EventModelMessage:   true,
	EventToolCall:       true,
	EventToolResult:     true,
	EventValidationGate: true,
	EventMemoryRecall:   true,
	EventSystem:         true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Session is one continuous interaction between an agent role and the store.
type Session struct {
	ID        SessionID      `json:"id"`
	Namespace string         `json:"namespace"`
	Role      string         `json:"role"`
	Workflow  string         `json:"workflow,omitempty"`
	Skill     string         `json:"skill,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Event is a single immutable entry in a session's log. Synthetic events are
// produced by compaction and never persisted.
type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
	Processed bool            `json:"memory_processed,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// SessionState is the current scratchpad of a session.
type SessionState struct {
	SessionID  SessionID  `json:"session_id"`
	Scratchpad Scratchpad `json:"scratchpad"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Scratchpad holds well-known working-state fields. Keys it does not know are
// kept in Extra and written back unchanged.
type Scratchpad struct {
	CurrentTask     string   `json:"current_task,omitempty"`
	SpecFile        string   `json:"spec_file,omitempty"`
	InProgressFiles []string `json:"in_progress_files,omitempty"`
	GatesPassed     []int    `json:"gates_passed,omitempty"`
	Blockers        []string `json:"blockers,omitempty"`
	PendingHandoff  *Handoff `json:"pending_handoff,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var scratchpadKeys = []string{
	"current_task", "spec_file", "in_progress_files", "gates_passed", "blockers", "pending_handoff",
}

type scratchpadFields Scratchpad

func (s Scratchpad) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(scratchpadFields(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	out := make(map[string]json.RawMessage, len(s.Extra)+len(scratchpadKeys))
	for k, v := range s.Extra {
		out[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func (s *Scratchpad) UnmarshalJSON(data []byte) error {
	var fields scratchpadFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range scratchpadKeys {
		delete(all, k)
	}
	*s = Scratchpad(fields)
	if len(all) > 0 {
		s.Extra = all
	}
	return nil
}

// IsZero reports whether no field is set.
func (s Scratchpad) IsZero() bool {
	return s.CurrentTask == "" && s.SpecFile == "" && len(s.InProgressFiles) == 0 &&
		len(s.GatesPassed) == 0 && len(s.Blockers) == 0 && s.PendingHandoff == nil && len(s.Extra) == 0
}

// HasGate reports whether gate has been recorded as passed.
func (s *Scratchpad) HasGate(gate int) bool {
	for _, g := range s.GatesPassed {
		if g == gate {
			return true
		}
	}
	return false
}

// Category is the closed set of memory categories.
type Category string

const (
	CategoryFacts       Category = "facts"
	CategoryPreferences Category = "preferences"
	CategoryRules       Category = "rules"
	CategorySkills      Category = "skills"
	CategoryContext     Category = "context"
)

// AllCategories lists every category in a stable order.
var AllCategories = []Category{
	CategoryFacts, CategoryPreferences, CategoryRules, CategorySkills, CategoryContext,
}

// ParseCategory validates s against the closed category set.
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q: %w", s, ErrInvalidInput)
}

// Memory source types.
const (
	SourcePattern   = "pattern"
	SourceExtractor = "extractor"
	SourceManual    = "manual"
)

// DefaultImportance is used when a memory carries no importance metadata.
const DefaultImportance = 0.5

// Memory is a durable note that outlives the session it came from.
type Memory struct {
	ID         MemoryID       `json:"id"`
	Namespace  string         `json:"namespace"`
	Content    string         `json:"content"`
	Category   Category       `json:"category"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SourceType string         `json:"source_type"`
	Confidence float64        `json:"confidence"`
	UseCount   int64          `json:"use_count"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Lineage    []EventID      `json:"lineage,omitempty"`
}

// Importance returns the importance stored in metadata, clamped to [0,1],
// or DefaultImportance when absent or malformed.
func (m *Memory) Importance() float64 {
	v, ok := m.Metadata["importance"]
	if !ok {
		return DefaultImportance
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return DefaultImportance
		}
		f = parsed
	default:
		return DefaultImportance
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Tags returns the tags stored in metadata.
func (m *Memory) Tags() []string {
	switch v := m.Metadata["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// Expired reports whether the memory has passed its expiry at now.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// CandidateMemory is an extracted, not yet consolidated memory.
type CandidateMemory struct {
	Content    string    `json:"content"`
	Category   Category  `json:"category"`
	SourceType string    `json:"source_type"`
	Confidence float64   `json:"confidence"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Lineage    []EventID `json:"lineage,omitempty"`
}

// ConsolidationAction is the outcome of merging one candidate.
type ConsolidationAction string

const (
	ActionCreated     ConsolidationAction = "created"
	ActionUpdated     ConsolidationAction = "updated"
	ActionInvalidated ConsolidationAction = "invalidated"
	ActionSkipped     ConsolidationAction = "skipped"
)

type ConsolidationResult struct {
	Action          ConsolidationAction `json:"action"`
	MemoryID        MemoryID            `json:"memory_id,omitempty"`
	MatchedMemoryID MemoryID            `json:"matched_memory_id,omitempty"`
	Similarity      float64             `json:"similarity"`
	ConfidenceDelta float64             `json:"confidence_delta"`
	Reason          string              `json:"reason"`
}

// HandoffContext is the working context carried from one agent role to the next.
type HandoffContext struct {
	SpecFile      string   `json:"spec_file,omitempty"`
	GatesPassed   []int    `json:"gates_passed,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
	Blockers      []string `json:"blockers,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Handoff is a pending transfer between roles, stored in the scratchpad.
type Handoff struct {
	SessionID SessionID      `json:"session_id"`
	FromRole  string         `json:"from_role"`
	ToRole    string         `json:"to_role"`
	Workflow  string         `json:"workflow"`
	Summary   string         `json:"summary,omitempty"`
	Context   HandoffContext `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}
