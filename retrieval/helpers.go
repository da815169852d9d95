package retrieval

import (
	"strings"
)

// ftsSyntax strips characters FTS5 treats as query syntax.
var ftsSyntax = strings.NewReplacer(
	"\"", "", "*", "", "(", "", ")", "",
	"+", "", "-", " ", "^", "", ":", "",
	"?", "", "[", "", "]", "", "{", "",
	"}", "", "!", "", ".", " ", ",", " ",
	";", " ", "'", " ",
)

// extractSignificantTerms returns the lowercased query words longer than
// two characters that are not stop words, in query order without repeats.
func extractSignificantTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(ftsSyntax.Replace(query)) {
		lower := strings.ToLower(w)
		if len(lower) > 2 && !isStopWord(lower) && !seen[lower] {
			seen[lower] = true
			terms = append(terms, lower)
		}
	}
	return terms
}

// sanitizeFTSQuery builds an FTS5 OR query from free text: the quoted
// phrase of all words, followed by each significant word quoted. It
// returns "" when nothing searchable is left.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(ftsSyntax.Replace(query))
	if len(words) == 0 {
		return ""
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, `"`+strings.Join(words, " ")+`"`)
	}
	for _, w := range extractSignificantTerms(query) {
		parts = append(parts, `"`+w+`"`)
	}
	if len(parts) == 0 {
		// Only short or stop words: search them as they are.
		for _, w := range words {
			parts = append(parts, `"`+w+`"`)
		}
	}
	return strings.Join(parts, " OR ")
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
	"they": true, "their": true, "there": true, "them": true, "your": true,
	"more": true, "some": true, "such": true, "only": true, "also": true,
	"very": true, "just": true, "over": true, "each": true, "most": true,
	"after": true, "before": true, "other": true, "same": true, "both": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
