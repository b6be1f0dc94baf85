package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestScratchpadPreservesUnknownKeys(t *testing.T) {
	raw := `{"current_task":"wire store","gates_passed":[1,2],"future_key":{"a":1}}`

	var pad Scratchpad
	if err := json.Unmarshal([]byte(raw), &pad); err != nil {
		t.Fatal(err)
	}
	if pad.CurrentTask != "wire store" {
		t.Errorf("expected current task, got %q", pad.CurrentTask)
	}
	if !pad.HasGate(2) || pad.HasGate(3) {
		t.Errorf("unexpected gates %v", pad.GatesPassed)
	}
	if _, ok := pad.Extra["future_key"]; !ok {
		t.Fatalf("expected future_key in Extra, got %v", pad.Extra)
	}
	if _, ok := pad.Extra["current_task"]; ok {
		t.Error("known key leaked into Extra")
	}

	data, err := json.Marshal(pad)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if _, ok := back["future_key"]; !ok {
		t.Errorf("future_key dropped on marshal: %s", data)
	}
	if back["current_task"] != "wire store" {
		t.Errorf("current_task lost on marshal: %s", data)
	}
}

func TestMemoryImportance(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]any
		want float64
	}{
		{"absent", nil, DefaultImportance},
		{"float", map[string]any{"importance": 0.9}, 0.9},
		{"clamped high", map[string]any{"importance": 3.0}, 1},
		{"clamped low", map[string]any{"importance": -1.0}, 0},
		{"wrong type", map[string]any{"importance": "high"}, DefaultImportance},
	}
	for _, tc := range cases {
		m := &Memory{Metadata: tc.meta}
		if got := m.Importance(); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMemoryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Memory{}).Expired(now) {
		t.Error("memory without expiry must not be expired")
	}
	if !(&Memory{ExpiresAt: &past}).Expired(now) {
		t.Error("expected past expiry to be expired")
	}
	if (&Memory{ExpiresAt: &future}).Expired(now) {
		t.Error("expected future expiry to be live")
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory("rules"); err != nil || c != CategoryRules {
		t.Errorf("expected rules, got %q (%v)", c, err)
	}
	if _, err := ParseCategory("opinions"); err == nil {
		t.Error("expected error for unknown category")
	}
}
