package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func mustRepair(t *testing.T, raw string) map[string]any {
	t.Helper()
	out, err := NewRepairer().Repair(raw)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	return m
}

func TestRepair_StripsFencesAndProse(t *testing.T) {
	t.Parallel()
	raw := "Here is the result you asked for:\n```json\n{\"needsSearch\": true, \"queries\": []}\n```\nLet me know if you need anything else."
	m := mustRepair(t, raw)
	assert.Equal(t, true, m["needsSearch"])
	assert.Equal(t, []any{}, m["queries"])
}

func TestRepair_SnakeCaseAndAliases(t *testing.T) {
	t.Parallel()
	m := mustRepair(t, `{"needs_search": true, "reason": "recent context missing", "preserve": false, "additional_queries": null}`)

	assert.Equal(t, true, m["needsSearch"])
	assert.Equal(t, "recent context missing", m["reasoning"])
	assert.Equal(t, false, m["isKnowledgeWorthy"])
	assert.Contains(t, m, "additionalQueries")
	assert.NotContains(t, m, "needs_search")
	assert.NotContains(t, m, "reason")
	assert.NotContains(t, m, "preserve")
}

func TestRepair_NestedObjectsAndArrays(t *testing.T) {
	t.Parallel()
	m := mustRepair(t, `{"queries": [{"query_text": "deploy runbook", "target": "memos"}], "meta": {"result_count": 2}}`)

	queries, ok := m["queries"].([]any)
	require.True(t, ok)
	require.Len(t, queries, 1)
	q := queries[0].(map[string]any)
	assert.Equal(t, "deploy runbook", q["queryText"])

	meta := m["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["resultCount"])
}

func TestRepair_SchemaNamedKeyWinsOverAlias(t *testing.T) {
	t.Parallel()
	m := mustRepair(t, `{"reasoning": "keep", "reason": "drop"}`)
	assert.Equal(t, "keep", m["reasoning"])
}

func TestRepair_FixesTrailingCommasAndQuotes(t *testing.T) {
	t.Parallel()
	m := mustRepair(t, `{"sufficient": true, "queries": ["a", "b",], }`)
	assert.Equal(t, true, m["sufficient"])
	assert.Equal(t, []any{"a", "b"}, m["queries"])
}

func TestRepair_IdempotentOnValidJSON(t *testing.T) {
	t.Parallel()
	valid := `{"needsSearch":false,"reasoning":"fresh context","queries":[]}`
	r := NewRepairer()

	once, err := r.Repair(valid)
	require.NoError(t, err)
	twice, err := r.Repair(once)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(once), &a))
	require.NoError(t, json.Unmarshal([]byte(twice), &b))
	assert.Equal(t, a, b)

	var orig map[string]any
	require.NoError(t, json.Unmarshal([]byte(valid), &orig))
	assert.Equal(t, orig, a, "valid input survives unchanged modulo whitespace")
}

func TestRepair_BracesInsideStringsDoNotTruncate(t *testing.T) {
	t.Parallel()
	m := mustRepair(t, `{"reasoning": "matches {and} braces", "sufficient": true}`)
	assert.Equal(t, "matches {and} braces", m["reasoning"])
	assert.Equal(t, true, m["sufficient"])
}

func TestRepair_UnparseableSurfacesSchemaError(t *testing.T) {
	t.Parallel()
	_, err := NewRepairer().Repair("I cannot help with that request.")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}
