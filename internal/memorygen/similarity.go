package memorygen

import (
	"strings"
	"unicode"
)

// Normalize lowercases text, replaces punctuation with spaces and collapses
// whitespace.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// tokenSet returns the distinct tokens of the normalized text.
func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(Normalize(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B| over the normalized token sets of a and b.
// Two empty texts are identical.
func Jaccard(a, b string) float64 {
	return jaccardSets(tokenSet(a), tokenSet(b))
}

func jaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
