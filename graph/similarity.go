package graph

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores two strings in [0, 1], 1 meaning identical.
type Similarity func(a, b string) float64

// LevenshteinSimilarity is 1 - editDistance / max(runeLen(a), runeLen(b)).
func LevenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
