package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func TestCostRepo_RecordUsage(t *testing.T) {
	p := &poolStub{}
	r := NewCostRepo(p)
	err := r.RecordUsage(context.Background(), domain.CostRecord{
		WorkspaceID: "w1", Model: "gpt-4o-mini", Provider: "openai",
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CostUSD: 0.0001,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("want 1 insert, got %d", len(p.calls))
	}
	// generated id and workspace land in the args
	if p.calls[0].args[0] == "" || p.calls[0].args[1] != "w1" {
		t.Fatalf("unexpected args: %v", p.calls[0].args[:2])
	}
}

func TestCostRepo_RecordUsage_WrapsError(t *testing.T) {
	boom := errors.New("boom")
	p := &poolStub{execErrs: []error{boom}}
	r := NewCostRepo(p)
	err := r.RecordUsage(context.Background(), domain.CostRecord{WorkspaceID: "w1"})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom, got %v", err)
	}
}

func TestCostRepo_MonthToDateUSD(t *testing.T) {
	p := &poolStub{rows: []rowStub{{scan: func(dest ...any) error {
		*dest[0].(*float64) = 12.5
		return nil
	}}}}
	r := NewCostRepo(p)
	usd, err := r.MonthToDateUSD(context.Background(), "w1")
	if err != nil || usd != 12.5 {
		t.Fatalf("month to date: %v err=%v", usd, err)
	}
}
