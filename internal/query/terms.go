package query

import "strings"

// maxTerms bounds how many unquoted terms a query contributes.
const maxTerms = 5

var stopWords = map[string]bool{
	"what": true, "where": true, "how": true, "is": true, "are": true,
	"the": true, "a": true, "an": true, "in": true, "on": true,
	"for": true, "to": true, "of": true, "this": true, "that": true,
}

// SearchTerms extracts the key terms of a question: quoted phrases verbatim
// and exact-match first, then up to maxTerms lowercased words with question
// words and short tokens dropped.
func SearchTerms(query string) []string {
	var terms []string

	if strings.Contains(query, `"`) {
		parts := strings.Split(query, `"`)
		for i := 1; i < len(parts); i += 2 {
			if parts[i] != "" {
				terms = append(terms, parts[i])
			}
		}
	}

	kept := 0
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `"?.,!:;()`)
		if len(w) <= 2 || stopWords[w] {
			continue
		}
		terms = append(terms, w)
		kept++
		if kept == maxTerms {
			break
		}
	}
	return terms
}
