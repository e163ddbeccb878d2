// ABOUTME: Deterministic query intent classification
// ABOUTME: Ordered pattern rules produce an intent tag plus structured filters, no model call

package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// Intent is the classified purpose of a free-text query.
type Intent string

const (
	IntentQA         Intent = "qa"
	IntentComparison Intent = "comparison"
	IntentCount      Intent = "count"
	IntentList       Intent = "list"
	IntentLatest     Intent = "latest_version"
	IntentAmendments Intent = "amendments"
)

// Filters are the structured constraints extracted from the query.
type Filters struct {
	Ministry       string
	Category       string
	Years          []int // Explicit 4-digit years in [1900,2099]
	LatestOnly     bool
	AmendmentsOnly bool
}

var (
	yearRE  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	tokenRE = regexp.MustCompile(`[\pL\pN]+`)

	compareTokens = []string{"compare", "compared", "comparison", "vs", "versus", "difference", "differences"}
	countPhrases  = []string{"how many", "count", "total"}
	listPhrases   = []string{"show all", "list", "fetch"}
	latestTokens  = []string{"latest", "current", "newest"}
	amendTokens   = []string{"amendment", "amendments", "amended", "revision", "revisions", "revised", "modified", "modification", "modifications"}
)

// ministryAliases maps query tokens to ministry identifiers. The table is
// deliberately data-driven so deployments can extend it.
var ministryAliases = map[string]string{
	"ugc":       "ugc",
	"aicte":     "aicte",
	"moe":       "moe",
	"education": "moe",
	"health":    "moh",
	"finance":   "mof",
}

// categoryKeywords maps query tokens to document categories.
var categoryKeywords = map[string]string{
	"regulation":    "regulation",
	"regulations":   "regulation",
	"guideline":     "guideline",
	"guidelines":    "guideline",
	"circular":      "circular",
	"circulars":     "circular",
	"notification":  "notification",
	"notifications": "notification",
	"act":           "act",
	"policy":        "policy",
	"policies":      "policy",
}

// Classify turns free text into an intent and structured filters.
// Rules are evaluated in fixed priority order, most specific first.
// Ambiguous or unmatched input never errors; it falls back to qa.
func Classify(query string) (Intent, Filters) {
	lower := strings.ToLower(query)
	tokens := tokenRE.FindAllString(lower, -1)
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	f := Filters{
		Ministry: detect(tokens, ministryAliases),
		Category: detect(tokens, categoryKeywords),
		Years:    extractYears(lower),
	}

	switch {
	case len(f.Years) >= 2 && hasAnyToken(tokenSet, compareTokens):
		return IntentComparison, f
	case hasAnyPhrase(lower, tokenSet, countPhrases):
		return IntentCount, f
	case hasAnyPhrase(lower, tokenSet, listPhrases):
		return IntentList, f
	case hasAnyToken(tokenSet, latestTokens):
		f.LatestOnly = true
		return IntentLatest, f
	case hasAnyToken(tokenSet, amendTokens):
		f.AmendmentsOnly = true
		return IntentAmendments, f
	}

	return IntentQA, f
}

func extractYears(lower string) []int {
	matches := yearRE.FindAllString(lower, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(matches))
	var years []int
	for _, m := range matches {
		y, err := strconv.Atoi(m)
		if err != nil || y < 1900 || y > 2099 {
			continue
		}
		if _, ok := seen[y]; ok {
			continue
		}
		seen[y] = struct{}{}
		years = append(years, y)
	}
	return years
}

// detect scans query tokens in order so the first mention wins and the
// result stays deterministic.
func detect(tokens []string, table map[string]string) string {
	for _, t := range tokens {
		if value, ok := table[t]; ok {
			return value
		}
	}
	return ""
}

func hasAnyToken(tokenSet map[string]struct{}, candidates []string) bool {
	for _, c := range candidates {
		if _, ok := tokenSet[c]; ok {
			return true
		}
	}
	return false
}

// hasAnyPhrase matches multi-word phrases as substrings and single words
// as whole tokens, so "count" does not match inside "country".
func hasAnyPhrase(lower string, tokenSet map[string]struct{}, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(c, " ") {
			if strings.Contains(lower, c) {
				return true
			}
			continue
		}
		if _, ok := tokenSet[c]; ok {
			return true
		}
	}
	return false
}
