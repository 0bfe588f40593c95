package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// keyAliases maps field names some models emit to the names our schemas
// declare. Applied after snake_case conversion, so both "is_knowledge_worthy"
// and "preserve" land on "isKnowledgeWorthy".
var keyAliases = map[string]string{
	"preserve": "isKnowledgeWorthy",
	"worthy":   "isKnowledgeWorthy",
	"reason":   "reasoning",
	"query":    "queries",
}

var (
	trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)
	bareKeyRE       = regexp.MustCompile(`([{,]\s*)(\w+)(\s*:)`)
)

// Repairer turns near-JSON model output into JSON our schemas accept.
// Repairing already-valid output is a no-op modulo whitespace.
type Repairer struct{}

// NewRepairer creates a repairer.
func NewRepairer() *Repairer {
	return &Repairer{}
}

// Repair strips fences, extracts the first JSON object, fixes common
// formatting slips and renames keys to their schema names.
func (r *Repairer) Repair(raw string) (string, error) {
	s := stripFences(raw)
	s = extractObject(s)

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		s = fixCommonIssues(s)
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return "", fmt.Errorf("%w: unparseable model output: %v", domain.ErrSchemaInvalid, err)
		}
	}

	v = normalizeKeys(v)
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return string(out), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first brace-balanced object in s, tolerating
// prose around it. Without an object the input passes through unchanged.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

func fixCommonIssues(s string) string {
	s = trailingCommaRE.ReplaceAllString(s, "$1")
	s = bareKeyRE.ReplaceAllString(s, `$1"$2"$3`)
	s = strings.ReplaceAll(s, "'", `"`)
	return s
}

// normalizeKeys walks the decoded value renaming object keys to camelCase
// and applying aliases. A key already carrying its schema name wins over
// one that renames onto it.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if renameKey(k) == k {
				out[k] = normalizeKeys(val)
			}
		}
		for k, val := range t {
			name := renameKey(k)
			if name == k {
				continue
			}
			if _, exists := out[name]; !exists {
				out[name] = normalizeKeys(val)
			}
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func renameKey(k string) string {
	name := snakeToCamel(k)
	if alias, ok := keyAliases[name]; ok {
		return alias
	}
	return name
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
