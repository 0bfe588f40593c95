package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func TestChatRepo_GetStream_NotFound(t *testing.T) {
	p := &poolStub{rows: []rowStub{{scan: func(_ ...any) error { return pgx.ErrNoRows }}}}
	r := NewChatRepo(p)
	_, err := r.GetStream(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestChatRepo_IsStreamMember(t *testing.T) {
	p := &poolStub{rows: []rowStub{{scan: func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	}}}}
	r := NewChatRepo(p)
	ok, err := r.IsStreamMember(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !ok {
		t.Fatal("expected membership")
	}
	if len(p.calls) != 1 {
		t.Fatalf("want 1 query, got %d", len(p.calls))
	}
	if got := p.calls[0].args; got[0] != "s1" || got[1] != "u1" {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestChatRepo_StreamsForMembers_Empty(t *testing.T) {
	p := &poolStub{}
	r := NewChatRepo(p)
	ids, err := r.StreamsForMembers(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ids != nil {
		t.Fatalf("want nil for empty member set, got %v", ids)
	}
	if len(p.calls) != 0 {
		t.Fatalf("empty member set must not hit the database, saw %d calls", len(p.calls))
	}
}

func TestChatRepo_GetMessage_WrapsError(t *testing.T) {
	boom := errors.New("conn reset")
	p := &poolStub{rows: []rowStub{{scan: func(_ ...any) error { return boom }}}}
	r := NewChatRepo(p)
	_, err := r.GetMessage(context.Background(), "m1")
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped cause, got %v", err)
	}
}
