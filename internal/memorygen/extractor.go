package memorygen

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/user/agentmem/internal/types"
)

// PatternConfidence is the confidence assigned to pattern-extracted memories.
const PatternConfidence = 0.6

// minSentenceRunes skips fragments too short to stand alone as a memory.
const minSentenceRunes = 12

type pattern struct {
	kind       string
	category   types.Category
	importance float64
	re         *regexp.Regexp
}

// Patterns are tried in order; the first match wins for a sentence.
var defaultPatterns = []pattern{
	{
		kind: "prohibition", category: types.CategoryRules, importance: 0.8,
		re: regexp.MustCompile(`(?i)\b(never|do not|don't|must not|mustn't|should not|shouldn't|avoid|stop using)\b`),
	},
	{
		kind: "correction", category: types.CategoryFacts, importance: 0.7,
		re: regexp.MustCompile(`(?i)(^(no|nope)\b|\bactually\b|\bthat'?s (wrong|incorrect|not right)\b|\binstead of\b|\bnot \w+ but\b|\bcorrection\b)`),
	},
	{
		kind: "decision", category: types.CategoryFacts, importance: 0.7,
		re: regexp.MustCompile(`(?i)\b(we decided|decided to|decision is|let'?s go with|we'?ll go with|we will use|we'?ll use|going forward|settled on|chose to|agreed to)\b`),
	},
	{
		kind: "preference", category: types.CategoryPreferences, importance: 0.6,
		re: regexp.MustCompile(`(?i)\b(i prefer|i'?d prefer|i like|i want|i'?d rather|please always|my preference)\b`),
	},
	{
		kind: "rule", category: types.CategoryRules, importance: 0.75,
		re: regexp.MustCompile(`(?i)\b(always|must|make sure to|is required|are required|the rule is)\b`),
	},
	{
		kind: "architecture", category: types.CategoryFacts, importance: 0.6,
		re: regexp.MustCompile(`(?i)\b(the (project|system|service|app|backend|frontend|api) (uses|is built|runs|talks)|architecture|is deployed (on|to)|we use [\w.-]+( v?\d[\w.]*)? for|(use|uses|using) [\w.-]+( v?\d[\w.]*)? for)\b`),
	},
	{
		kind: "skill", category: types.CategorySkills, importance: 0.5,
		re: regexp.MustCompile(`(?i)\b(to (build|test|run|deploy|release|lint|debug)\b.*\b(run|use|call|execute)\b|the command (is|for)|how to)\b`),
	},
	{
		kind: "context", category: types.CategoryContext, importance: 0.4,
		re: regexp.MustCompile(`(?i)\b(currently|for now|this sprint|right now|working on|in progress|blocked on)\b`),
	},
}

// sentenceSplit breaks on terminal punctuation only when followed by
// whitespace or the end of text, so file names and versions stay whole.
var sentenceSplit = regexp.MustCompile(`[.!?;]+(\s+|$)|\n+`)

// PatternExtractor finds memory-worthy sentences in user and model messages
// with fixed phrase patterns.
type PatternExtractor struct {
	// MaxContentLength caps each candidate's content in runes.
	MaxContentLength int
}

var _ types.Extractor = PatternExtractor{}

// Extract implements types.Extractor.
func (p PatternExtractor) Extract(ctx context.Context, events []*types.Event, allowed []types.Category) ([]types.CandidateMemory, error) {
	maxLen := p.MaxContentLength
	if maxLen <= 0 {
		maxLen = 500
	}
	var out []types.CandidateMemory
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if ev.Type != types.EventUserMessage && ev.Type != types.EventModelMessage {
			continue
		}
		for _, sentence := range splitSentences(ev.Content) {
			pat, ok := matchPattern(sentence)
			if !ok {
				continue
			}
			if len(allowed) > 0 && !slices.Contains(allowed, pat.category) {
				continue
			}
			out = append(out, types.CandidateMemory{
				Content:    capRunes(sentence, maxLen),
				Category:   pat.category,
				SourceType: types.SourcePattern,
				Confidence: PatternConfidence,
				Importance: pat.importance,
				Tags:       []string{pat.kind},
				Lineage:    []types.EventID{ev.ID},
			})
		}
	}
	return out, nil
}

func matchPattern(sentence string) (pattern, bool) {
	for _, p := range defaultPatterns {
		if p.re.MatchString(sentence) {
			return p, true
		}
	}
	return pattern{}, false
}

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if utf8.RuneCountInString(p) < minSentenceRunes {
			continue
		}
		out = append(out, p)
	}
	return out
}

func capRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
