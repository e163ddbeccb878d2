// ABOUTME: Scoring primitives for hybrid retrieval
// ABOUTME: Cosine similarity, term-frequency keyword scores and per-query min-max normalization

package retrieval

import (
	"math"
	"regexp"
	"strings"
)

var tokenRE = regexp.MustCompile(`[\pL\pN]+`)

func tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

func queryTokenSet(query string) map[string]struct{} {
	tokens := tokenize(query)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// cosine computes cosine similarity between two vectors. Returns 0 for
// mismatched dimensions or zero-norm inputs.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordScore is a term-frequency match score: occurrences of query
// terms relative to the chunk's length.
func keywordScore(queryTokens map[string]struct{}, text string) float64 {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(queryTokens) == 0 {
		return 0
	}
	matches := 0
	for _, t := range tokens {
		if _, ok := queryTokens[t]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(tokens))
}

// minMaxNormalize rescales values to [0,1] in place. A constant series
// normalizes to 1 so a single strong candidate is not zeroed out.
func minMaxNormalize(vals []float64) {
	if len(vals) == 0 {
		return
	}
	min, max := vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		fill := 0.0
		if max > 0 {
			fill = 1
		}
		for i := range vals {
			vals[i] = fill
		}
		return
	}
	for i := range vals {
		vals[i] = (vals[i] - min) / (max - min)
	}
}
