package retrieval

import "strings"

// ftsEscaper strips the characters FTS5 assigns syntactic meaning to (column
// filters, phrase quoting, NEAR operators) so raw user text can't be parsed
// as a malformed MATCH expression.
var ftsEscaper = strings.NewReplacer(
	"\"", "", "*", "", "(", "", ")", "",
	"+", "", "-", "", "^", "", ":", "",
	"?", "", "[", "", "]", "", "{", "",
	"}", "", "!", "", ".", "", ",", "",
	";", "",
)

// buildFTSQuery turns raw user text into an FTS5 MATCH expression: terms are
// escaped, split on whitespace, deduplicated, and OR'd together so any one
// term can match. fuzzyDistance has no direct FTS5 equivalent — FTS5 has no
// edit-distance operator the way Lucene's `~N` suffix provides — so it is
// approximated by trimming fuzzyDistance characters off each term and
// appending FTS5's `*` prefix wildcard, which widens recall in the same
// direction a real fuzzy match would.
func buildFTSQuery(query string, fuzzyDistance int) string {
	cleaned := ftsEscaper.Replace(query)
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == "" || seen[lower] {
			continue
		}
		seen[lower] = true
		if fuzzyDistance > 0 && len(lower) > fuzzyDistance {
			lower = lower[:len(lower)-fuzzyDistance] + "*"
		}
		terms = append(terms, lower)
	}
	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " OR ")
}

// isSynthesisQuery returns true if the query has exhaustive intent — asking
// for ALL items, every reference, complete lists, etc. These queries benefit
// from a wider retrieval window because relevant chunks are scattered across
// many topically distant parts of the graph.
func isSynthesisQuery(query string) bool {
	lower := strings.ToLower(query)

	exhaustivePatterns := []string{
		"all the", "all of the", "every ", "each of",
		"complete list", "comprehensive", "list all",
		"all references", "what are all", "name all",
		"list every", "list each", "enumerate",
		"full list", "entire list", "every single",
	}
	for _, p := range exhaustivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	words := strings.Fields(lower)
	if len(words) >= 15 {
		qWords := 0
		for _, w := range words {
			switch w {
			case "what", "which", "how", "where", "when", "why", "list", "describe", "name":
				qWords++
			}
		}
		if qWords >= 2 {
			return true
		}
	}
	return false
}
