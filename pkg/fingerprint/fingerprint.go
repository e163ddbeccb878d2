// ABOUTME: Content fingerprinting for exact-duplicate detection
// ABOUTME: Normalizes extracted text and hashes it; near-duplicates are the family manager's job

package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// ErrDuplicateContent is returned by ingestion when a document with the
// same fingerprint already exists in the same institution scope.
// Recoverable: the caller skips creation instead of failing.
var ErrDuplicateContent = errors.New("duplicate content")

var (
	whitespaceRE = regexp.MustCompile(`\s+`)

	// Volatile boilerplate that varies between otherwise identical
	// extractions: bare page numbers, "page X of Y" markers and
	// date-stamped print footers.
	boilerplateRE = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^page\s+\d+(\s+of\s+\d+)?$`),
		regexp.MustCompile(`^[-—\s]*\d+[-—\s]*$`),
		regexp.MustCompile(`(?i)^(printed|generated|downloaded)\s+on\b.*$`),
	}
)

// Normalize lowercases the text, drops volatile boilerplate lines and
// collapses all whitespace. Identical semantic content normalizes to
// identical bytes.
func Normalize(text string) string {
	lines := strings.Split(strings.ToLower(text), "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isBoilerplate(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	joined := strings.Join(kept, " ")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(joined, " "))
}

// Fingerprint returns the stable content hash of the normalized text.
// The hash is an exact-match index only.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// SameContent confirms a hash hit by comparing normalized bytes,
// ruling out a hash collision before a duplicate is skipped.
func SameContent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

func isBoilerplate(line string) bool {
	for _, re := range boilerplateRE {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
