package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// ExtractKeywords derives the lexical term set from a query: tokens split on
// whitespace and punctuation, keeping tokens of length >= 2, plus every
// 2-character sliding window of longer tokens. Lengths count characters.
func ExtractKeywords(query string) []string {
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})

	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	for _, tok := range tokens {
		r := []rune(tok)
		if len(r) < 2 {
			continue
		}
		add(tok)
		if len(r) > 2 {
			for i := 0; i+2 <= len(r); i++ {
				add(string(r[i : i+2]))
			}
		}
	}
	return out
}

// keywordScore computes the lexical relevance of one chunk:
// sum over keywords of log(1+occurrences) * keyword length, with occurrences
// counted case-insensitively as character substrings.
func keywordScore(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var score float64
	for _, kw := range keywords {
		n := strings.Count(lower, strings.ToLower(kw))
		if n == 0 {
			continue
		}
		score += math.Log(1+float64(n)) * float64(len([]rune(kw)))
	}
	return score
}
