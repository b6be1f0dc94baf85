package memorygen

import (
	"slices"
	"strings"

	"github.com/user/agentmem/internal/types"
)

// Dedup drops candidates whose similarity to an earlier kept candidate
// exceeds threshold. The survivor absorbs the dropped candidate's lineage and
// keeps the higher confidence and importance.
func Dedup(candidates []types.CandidateMemory, threshold float64) []types.CandidateMemory {
	type kept struct {
		cand   types.CandidateMemory
		tokens map[string]struct{}
	}
	var out []kept
	for _, c := range candidates {
		c.Content = strings.TrimSpace(c.Content)
		tokens := tokenSet(c.Content)
		if len(tokens) == 0 {
			continue
		}
		merged := false
		for i := range out {
			if jaccardSets(tokens, out[i].tokens) > threshold {
				s := &out[i].cand
				s.Lineage = appendUnique(s.Lineage, c.Lineage...)
				s.Confidence = max(s.Confidence, c.Confidence)
				s.Importance = max(s.Importance, c.Importance)
				s.Tags = appendUnique(s.Tags, c.Tags...)
				merged = true
				break
			}
		}
		if !merged {
			c.Lineage = slices.Clone(c.Lineage)
			c.Tags = slices.Clone(c.Tags)
			out = append(out, kept{cand: c, tokens: tokens})
		}
	}
	result := make([]types.CandidateMemory, len(out))
	for i, k := range out {
		result[i] = k.cand
	}
	return result
}

// appendUnique appends the items of add not already in dst.
func appendUnique[T comparable](dst []T, add ...T) []T {
	for _, v := range add {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
