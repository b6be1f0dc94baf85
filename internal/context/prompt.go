package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/user/agentmem/internal/types"
	"github.com/user/agentmem/pkg/llm"
)

// DefaultPrompt is the built-in system prompt template. It uses Go
// text/template syntax with PromptData fields: .Time, .SessionID,
// .Background, .Scratchpad, .Memories
const DefaultPrompt = `You are an agent working inside a multi-agent development workflow. Use the working memory below; it was assembled for this turn.

## Current Context

- Time: {{.Time}}
- Session: {{.SessionID}}
{{- with .Scratchpad}}
{{- if .CurrentTask}}
- Current task: {{.CurrentTask}}
{{- end}}
{{- if .SpecFile}}
- Spec file: {{.SpecFile}}
{{- end}}
{{- if .GatesPassed}}
- Validation gates passed: {{join .GatesPassed}}
{{- end}}
{{- if .Blockers}}
- Blockers:
{{- range .Blockers}}
  - {{.}}
{{- end}}
{{- end}}
{{- end}}
{{- if .Background}}

## Background

{{.Background}}
{{- end}}
{{- if .Memories}}

## Memories

Facts, rules and preferences learned in earlier sessions, most relevant first:
{{range .Memories}}
- [{{.Memory.Category}}] {{.Memory.Content}}
{{- end}}
{{- end}}
`

// PromptData is the data passed to the system prompt template.
type PromptData struct {
	Time       string
	SessionID  string
	Background string
	Scratchpad *types.Scratchpad
	Memories   []memoryLine
}

type memoryLine struct {
	Memory *types.Memory
	Score  float64
}

var defaultTemplate = template.Must(ParsePrompt(DefaultPrompt))

// ParsePrompt parses a custom system prompt template.
func ParsePrompt(text string) (*template.Template, error) {
	return template.New("system").Funcs(template.FuncMap{
		"join": func(gates []int) string {
			parts := make([]string, len(gates))
			for i, g := range gates {
				parts[i] = fmt.Sprint(g)
			}
			return strings.Join(parts, ", ")
		},
	}).Parse(text)
}

// SystemPrompt renders the system prompt with tmpl, or the default template
// when tmpl is nil.
func (b *BuiltContext) SystemPrompt(tmpl *template.Template) (string, error) {
	if tmpl == nil {
		tmpl = defaultTemplate
	}
	data := PromptData{
		Time:       time.Now().Format(time.RFC3339),
		SessionID:  string(b.SessionID),
		Background: strings.TrimSpace(b.Background),
	}
	if !b.Scratchpad.IsZero() {
		sp := b.Scratchpad
		data.Scratchpad = &sp
	}
	for _, sm := range b.Memories {
		data.Memories = append(data.Memories, memoryLine{Memory: sm.Memory, Score: sm.Score})
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return sb.String(), nil
}

// Messages renders the bundle as chat messages: the system prompt followed
// by the history in chronological order.
func (b *BuiltContext) Messages(tmpl *template.Template) ([]llm.Message, error) {
	sys, err := b.SystemPrompt(tmpl)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, 1+len(b.History))
	messages = append(messages, llm.Message{Role: "system", Content: sys})
	for _, ev := range b.History {
		if msg, ok := eventToMessage(ev); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func eventToMessage(ev *types.Event) (llm.Message, bool) {
	switch ev.Type {
	case types.EventUserMessage:
		return llm.Message{Role: "user", Content: ev.Content}, true
	case types.EventModelMessage:
		return llm.Message{Role: "assistant", Content: ev.Content}, true
	case types.EventToolCall:
		return llm.Message{Role: "assistant", Content: fmt.Sprintf("[tool call] %s", ev.Content)}, true
	case types.EventToolResult:
		return llm.Message{Role: "user", Content: fmt.Sprintf("[tool result] %s", ev.Content)}, true
	case types.EventValidationGate, types.EventSystem:
		if ev.Content == "" {
			return llm.Message{}, false
		}
		return llm.Message{Role: "system", Content: ev.Content}, true
	default:
		return llm.Message{}, false
	}
}
