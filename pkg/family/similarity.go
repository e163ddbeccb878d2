// ABOUTME: Provisional similarity signals for family assignment
// ABOUTME: Token-set comparisons over titles and leading content, no embeddings required

package family

import (
	"math"
	"regexp"
	"strings"
)

var tokenRE = regexp.MustCompile(`[\pL\pN]+`)

func tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

func tokenSet(text string) map[string]struct{} {
	tokens := tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// leadingTokens returns the first limit tokens of the text joined by
// spaces. Used as a document's provisional content representation before
// any embedding exists.
func leadingTokens(text string, limit int) string {
	tokens := tokenize(text)
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return strings.Join(tokens, " ")
}

// ochiai computes the Ochiai coefficient |A∩B| / sqrt(|A||B|) between two
// token sets. Returns 0 when either set is empty.
func ochiai(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	return float64(inter) / (math.Sqrt(float64(len(a))) * math.Sqrt(float64(len(b))))
}
