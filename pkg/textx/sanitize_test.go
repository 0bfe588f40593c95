// Package textx contains tests for the text utilities.
package textx

import (
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := CollapseWhitespace("  a\t\tb \n c  ")
	if got != "a b c" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 3); got != "hél" {
		t.Fatalf("rune truncate: %q", got)
	}
	if got := Truncate("ok", 10); got != "ok" {
		t.Fatalf("short passthrough: %q", got)
	}
	if got := Truncate("x", 0); got != "" {
		t.Fatalf("zero max: %q", got)
	}
}

func TestTrimQuotes(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"Deploy Checklist"`, "Deploy Checklist"},
		{`'single'`, "single"},
		{"“curly”", "curly"},
		{`"'nested'"`, "nested"},
		{`no quotes`, "no quotes"},
		{`"mismatched'`, `"mismatched'`},
		{`""`, ""},
		{`"`, `"`},
	}
	for _, c := range cases {
		if got := TrimQuotes(c.in); got != c.want {
			t.Errorf("TrimQuotes(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	// idempotent
	if got := TrimQuotes(TrimQuotes(`"twice"`)); got != "twice" {
		t.Errorf("not idempotent: %q", got)
	}
}

func TestIsBlank(t *testing.T) {
	if !IsBlank("  \t\n ") {
		t.Fatal("whitespace should be blank")
	}
	if IsBlank(" x ") {
		t.Fatal("content should not be blank")
	}
}

func TestBaselineQueries_Deterministic(t *testing.T) {
	text := "how do we rotate the signing keys for the staging ingress and where is the runbook stored these days"
	a := BaselineQueries(text, 5)
	b := BaselineQueries(text, 5)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("not deterministic: %v vs %v", a, b)
	}
	if len(a) == 0 || len(a) > 5 {
		t.Fatalf("bad count: %d", len(a))
	}
	if a[0] != CollapseWhitespace(text) {
		t.Fatalf("first query should be the full text, got %q", a[0])
	}
	seen := map[string]bool{}
	for _, q := range a {
		if seen[q] {
			t.Fatalf("duplicate query %q", q)
		}
		seen[q] = true
	}
}

func TestBaselineQueries_ShortAndEmpty(t *testing.T) {
	if got := BaselineQueries("   ", 5); got != nil {
		t.Fatalf("blank text should yield nil, got %v", got)
	}
	got := BaselineQueries("just five words here now", 5)
	if len(got) != 1 {
		t.Fatalf("short text should yield the single full query, got %v", got)
	}
	if got := BaselineQueries("anything", 0); got != nil {
		t.Fatalf("max 0 should yield nil, got %v", got)
	}
}

func TestBaselineQueries_LongTextCapped(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon zeta ", 20)
	got := BaselineQueries(text, 5)
	if len(got) > 5 {
		t.Fatalf("over cap: %d", len(got))
	}
	if len([]rune(got[0])) > 200 {
		t.Fatalf("first query not truncated: %d runes", len([]rune(got[0])))
	}
}
