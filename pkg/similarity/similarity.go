// Package similarity provides the pure text heuristics the discovery
// pipeline is built from: normalization, token overlap, and edit-distance
// similarity.
//
// Every matching strategy in the pipeline (duplicate detection, scope
// scoring, node-confidence scoring, node duplicate checks) composes these
// functions rather than inlining its own string handling, so each heuristic
// can be tested in isolation.
//
// Example:
//
//	similarity.Normalize("Spin   Glasses: a Review!") // "spin glasses a review"
//	similarity.TokenJaccard("spin glass models", "models of spin glass") // 0.75
package similarity

import (
	"strings"
	"unicode"
)

// Normalize lower-cases text, strips punctuation, and collapses whitespace.
//
// This is the canonical form every fuzzy comparison operates on.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text into its word tokens.
func Tokens(text string) []string {
	return strings.Fields(Normalize(text))
}

// TokenSet builds a set from normalized tokens.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokens(text) {
		set[tok] = struct{}{}
	}
	return set
}

// TokenJaccard computes Jaccard similarity between the token sets of two
// strings. Two empty strings are identical (1.0).
func TokenJaccard(a, b string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TokenSetJaccard computes Jaccard similarity between two token slices,
// normalizing each element first.
func TokenSetJaccard(a, b []string) float64 {
	return TokenJaccard(strings.Join(a, " "), strings.Join(b, " "))
}

// ContainsToken reports whether the normalized text contains the normalized
// keyword as a substring. Multi-word keywords match across token boundaries.
func ContainsToken(text, keyword string) bool {
	nk := Normalize(keyword)
	if nk == "" {
		return false
	}
	return strings.Contains(" "+Normalize(text)+" ", " "+nk+" ") ||
		strings.Contains(Normalize(text), nk)
}

// Overlap scores how strongly a node's name and keywords overlap with a
// candidate's text. Name tokens longer than 3 characters count 1 each,
// keyword hits count 2 each. Used both for scope scoring (clamped) and for
// link suggestion (threshold >= 2).
func Overlap(text, nodeName string, nodeKeywords []string) int {
	textSet := TokenSet(text)

	score := 0
	for _, tok := range Tokens(nodeName) {
		if len(tok) <= 3 {
			continue
		}
		if _, ok := textSet[tok]; ok {
			score++
		}
	}
	for _, kw := range nodeKeywords {
		if ContainsToken(text, kw) {
			score += 2
		}
	}
	return score
}

// Levenshtein computes edit distance between two strings.
func Levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// NameSimilarity scores two names in [0,1] as 1 - editDistance/maxLen over
// their normalized forms. Identical normalized names score 1.0.
func NameSimilarity(a, b string) float64 {
	na := Normalize(a)
	nb := Normalize(b)

	if na == "" && nb == "" {
		return 1.0
	}
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(Levenshtein(na, nb))/float64(maxLen)
}

// Clamp01 clamps v into [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
