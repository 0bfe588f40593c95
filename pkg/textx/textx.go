// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseWhitespace folds runs of whitespace into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

var quotePairs = map[rune]rune{
	'"':      '"',
	'\'':     '\'',
	'`':      '`',
	'“': '”', // curly double
	'‘': '’', // curly single
	'«': '»', // guillemets
}

// TrimQuotes strips matched surrounding quotation marks, repeatedly,
// so nested quoting from model output collapses to the bare text.
func TrimQuotes(s string) string {
	s = strings.TrimSpace(s)
	for {
		runes := []rune(s)
		if len(runes) < 2 {
			return s
		}
		closer, ok := quotePairs[runes[0]]
		if !ok || runes[len(runes)-1] != closer {
			return s
		}
		s = strings.TrimSpace(string(runes[1 : len(runes)-1]))
	}
}

// IsBlank reports whether s contains no printable content.
func IsBlank(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

const (
	baselineQueryMaxLen = 200
	baselineWindow      = 6
)

// BaselineQueries derives deterministic search queries from message text:
// the full trimmed text first, then consecutive token windows so degraded
// retrieval still probes distinct parts of a long message. Returns at most
// max queries and never duplicates.
func BaselineQueries(text string, max int) []string {
	if max <= 0 {
		return nil
	}
	clean := CollapseWhitespace(SanitizeText(text))
	if clean == "" {
		return nil
	}

	queries := []string{Truncate(clean, baselineQueryMaxLen)}
	tokens := strings.Fields(clean)
	for start := 0; start+baselineWindow <= len(tokens) && len(queries) < max; start += baselineWindow {
		queries = append(queries, strings.Join(tokens[start:start+baselineWindow], " "))
	}

	seen := make(map[string]struct{}, len(queries))
	out := queries[:0]
	for _, q := range queries {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
