package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(_ context.Context) error { return f.err }

type okPing struct{}

func (okPing) Err() error { return nil }

type errPing struct{ err error }

func (e errPing) Err() error { return e.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(_ context.Context) RedisPingResult {
	if f.err != nil {
		return errPing{err: f.err}
	}
	return okPing{}
}

func TestBuildReadinessChecks_Database(t *testing.T) {
	cases := []struct {
		name        string
		pool        Pinger
		expectError bool
	}{
		{"nil pool", nil, true},
		{"working pool", fakePinger{}, false},
		{"failing pool", fakePinger{err: fmt.Errorf("connection refused")}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			db, _, _ := BuildReadinessChecks(config.Config{}, c.pool, nil)
			err := db(context.Background())
			if c.expectError && err == nil {
				t.Fatalf("expected error")
			}
			if !c.expectError && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildReadinessChecks_Redis(t *testing.T) {
	_, red, _ := BuildReadinessChecks(config.Config{}, nil, fakeRedis{})
	if err := red(context.Background()); err != nil {
		t.Fatalf("redis check: %v", err)
	}
	_, red, _ = BuildReadinessChecks(config.Config{}, nil, fakeRedis{err: context.DeadlineExceeded})
	if err := red(context.Background()); err == nil {
		t.Fatalf("expected redis error")
	}
	_, red, _ = BuildReadinessChecks(config.Config{}, nil, nil)
	if err := red(context.Background()); err == nil {
		t.Fatalf("nil client should report not configured")
	}
}

func TestBuildReadinessChecks_Qdrant(t *testing.T) {
	cases := []struct {
		name        string
		statusCode  int
		apiKey      string
		expectError bool
	}{
		{"success", 200, "", false},
		{"success with api key", 200, "test-key", false},
		{"not found", 404, "", true},
		{"server error", 500, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c.apiKey != "" && r.Header.Get("api-key") != c.apiKey {
					t.Errorf("api-key header: want %q, got %q", c.apiKey, r.Header.Get("api-key"))
				}
				w.WriteHeader(c.statusCode)
			}))
			defer server.Close()

			cfg := config.Config{QdrantURL: server.URL, QdrantAPIKey: c.apiKey}
			_, _, qdrant := BuildReadinessChecks(cfg, nil, nil)
			err := qdrant(context.Background())
			if c.expectError && err == nil {
				t.Fatalf("expected error")
			}
			if !c.expectError && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildReadinessChecks_QdrantUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, qdrant := BuildReadinessChecks(config.Config{QdrantURL: "http://localhost:6333"}, nil, nil)
	if err := qdrant(ctx); err == nil {
		t.Fatalf("expected error with canceled context")
	}
}
