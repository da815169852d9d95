package retrieval

import (
	"strings"
	"unicode"
)

// excerptMaxLen is the maximum excerpt length in runes.
const excerptMaxLen = 300

// Excerpt returns the one or two sentences of text most relevant to query,
// scored by overlap with the query's significant words. When no sentence
// shares a word with the query it falls back to the start of the text.
func Excerpt(text, query string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	terms := make(map[string]bool)
	for _, t := range extractSignificantTerms(query) {
		terms[t] = true
	}

	sentences := splitSentences(text)
	scores := make([]int, len(sentences))
	best := -1
	for i, s := range sentences {
		for w := range sentenceWords(s) {
			if terms[w] {
				scores[i]++
			}
		}
		if scores[i] > 0 && (best < 0 || scores[i] > scores[best]) {
			best = i
		}
	}
	if best < 0 {
		return truncateRunes(text, excerptMaxLen)
	}

	result := sentences[best]
	if runeLen(result) >= excerptMaxLen {
		return truncateRunes(result, excerptMaxLen)
	}

	// Add the better-scoring neighbour when it fits.
	adj := -1
	for _, d := range []int{1, -1} {
		j := best + d
		if j >= 0 && j < len(sentences) && scores[j] > 0 && (adj < 0 || scores[j] > scores[adj]) {
			adj = j
		}
	}
	if adj >= 0 {
		combined := result + " " + sentences[adj]
		if adj < best {
			combined = sentences[adj] + " " + result
		}
		if runeLen(combined) <= excerptMaxLen {
			result = combined
		}
	}
	return result
}

func sentenceWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

// splitSentences splits at '.', '?' or '!' followed by whitespace or the
// end of the text.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(cur.String()); s != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// truncateRunes cuts s to at most n runes, preferring a word boundary.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := string(runes[:n])
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

func runeLen(s string) int {
	return len([]rune(s))
}
