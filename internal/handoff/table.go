package handoff

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/user/agentmem/internal/types"
)

// Transition moves a workflow from one role to the next when a gate passes.
// Gate 0 matches any gate. Workflow may be a glob pattern such as "feature-*".
type Transition struct {
	Workflow string `yaml:"workflow" json:"workflow"`
	From     string `yaml:"from" json:"from"`
	Gate     int    `yaml:"gate" json:"gate"`
	To       string `yaml:"to" json:"to"`
}

type tableFile struct {
	Transitions []Transition `yaml:"transitions"`
}

type compiled struct {
	Transition
	pattern glob.Glob
}

// Table is a static lookup of role transitions.
type Table struct {
	exact    []Transition
	patterns []compiled
}

var defaultTransitions = []Transition{
	{Workflow: "feature", From: "planner", Gate: 1, To: "architect"},
	{Workflow: "feature", From: "architect", Gate: 2, To: "coder"},
	{Workflow: "feature", From: "coder", Gate: 3, To: "reviewer"},
	{Workflow: "feature", From: "reviewer", Gate: 4, To: "release"},
	{Workflow: "bugfix", From: "debugger", Gate: 1, To: "coder"},
	{Workflow: "bugfix", From: "coder", Gate: 2, To: "reviewer"},
	{Workflow: "docs", From: "writer", Gate: 1, To: "reviewer"},
	{Workflow: "refactor-*", From: "architect", Gate: 0, To: "coder"},
	{Workflow: "refactor-*", From: "coder", Gate: 0, To: "reviewer"},
}

// DefaultTable returns the built-in transitions.
func DefaultTable() *Table {
	t, err := NewTable(defaultTransitions)
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable validates and indexes the transitions.
func NewTable(transitions []Transition) (*Table, error) {
	t := &Table{}
	for i, tr := range transitions {
		if tr.Workflow == "" || tr.From == "" || tr.To == "" {
			return nil, fmt.Errorf("transition %d: workflow, from and to are required: %w", i, types.ErrInvalidInput)
		}
		if tr.Gate < 0 {
			return nil, fmt.Errorf("transition %d: negative gate: %w", i, types.ErrInvalidInput)
		}
		if !strings.ContainsAny(tr.Workflow, "*?[{") {
			t.exact = append(t.exact, tr)
			continue
		}
		g, err := glob.Compile(tr.Workflow)
		if err != nil {
			return nil, fmt.Errorf("transition %d: bad workflow pattern %q: %w", i, tr.Workflow, err)
		}
		t.patterns = append(t.patterns, compiled{Transition: tr, pattern: g})
	}
	return t, nil
}

// ParseTable decodes a YAML transition table.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse transitions: %w", err)
	}
	return NewTable(f.Transitions)
}

// LoadTable reads a YAML transition table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transitions: %w", err)
	}
	return ParseTable(data)
}

// Transitions returns every transition, exact ones first.
func (t *Table) Transitions() []Transition {
	out := make([]Transition, 0, len(t.exact)+len(t.patterns))
	out = append(out, t.exact...)
	for _, c := range t.patterns {
		out = append(out, c.Transition)
	}
	return out
}

// Next returns the role that follows role in workflow once gate passes.
// Exact workflow names win over patterns and an exact gate wins over the
// any-gate wildcard.
func (t *Table) Next(workflow, role string, gate int) (string, bool) {
	if to, ok := match(t.exact, role, gate, func(tr Transition) bool { return tr.Workflow == workflow }); ok {
		return to, true
	}
	candidates := make([]Transition, 0, len(t.patterns))
	for _, c := range t.patterns {
		if c.pattern.Match(workflow) {
			candidates = append(candidates, c.Transition)
		}
	}
	return match(candidates, role, gate, func(Transition) bool { return true })
}

func match(trs []Transition, role string, gate int, wf func(Transition) bool) (string, bool) {
	wildcard := ""
	for _, tr := range trs {
		if !wf(tr) || tr.From != role {
			continue
		}
		if tr.Gate == gate {
			return tr.To, true
		}
		if tr.Gate == 0 && wildcard == "" {
			wildcard = tr.To
		}
	}
	return wildcard, wildcard != ""
}
