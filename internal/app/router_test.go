package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	httpserver "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/httpserver"
	qdrantcli "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/app"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func opsServer(cfg config.Config) *httpserver.Server {
	ok := func(_ context.Context) error { return nil }
	return httpserver.NewServer(cfg, nil, nil, nil, ok, ok, ok)
}

func TestParseOrigins(t *testing.T) {
	cases := map[string][]string{
		"":                        {"*"},
		"*":                       {"*"},
		" , ,":                    {"*"},
		"https://ops.example.com": {"https://ops.example.com"},
		"https://a.example, https://b.example,": {"https://a.example", "https://b.example"},
	}
	for in, want := range cases {
		got := app.ParseOrigins(in)
		if len(got) != len(want) {
			t.Fatalf("ParseOrigins(%q) = %v, want %v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("ParseOrigins(%q)[%d] = %q, want %q", in, i, got[i], want[i])
			}
		}
	}
}

func TestBuildRouter_ProbesAndMetrics(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 60}
	h := app.BuildRouter(cfg, opsServer(cfg))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Result().StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", path, rec.Result().StatusCode)
		}
	}
}

func TestBuildRouter_SetsSecurityHeaders(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 60}
	h := app.BuildRouter(cfg, opsServer(cfg))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Result().Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers")
	}
}

func TestBuildRouter_AdminDisabledWithoutCredentials(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 60}
	h := app.BuildRouter(cfg, opsServer(cfg))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))
	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("admin should not be mounted, got %d", rec.Result().StatusCode)
	}
}

func TestBuildRouter_AdminMountedWithCredentials(t *testing.T) {
	hash, err := httpserver.HashPassword("pw", httpserver.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := config.Config{
		RateLimitPerMin:    60,
		AdminUsername:      "ops",
		AdminPasswordHash:  hash,
		AdminSessionSecret: "router-test-secret",
	}
	h := app.BuildRouter(cfg, opsServer(cfg))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))
	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin call: want 401, got %d", rec.Result().StatusCode)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"ops","password":"wrong"}`))
	h.ServeHTTP(rec, req)
	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: want 401, got %d", rec.Result().StatusCode)
	}
}

func TestEnsureDefaultCollections_TouchesEveryCollection(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		for _, name := range []string{domain.CollectionMessages, domain.CollectionMemos, domain.CollectionAttachments} {
			if strings.Contains(r.URL.Path, name) {
				seen[name] = true
			}
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{}}`))
	}))
	defer ts.Close()

	app.EnsureDefaultCollections(context.Background(), qdrantcli.New(ts.URL, ""), 1536)

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{domain.CollectionMessages, domain.CollectionMemos, domain.CollectionAttachments} {
		if !seen[name] {
			t.Fatalf("collection %s was never ensured", name)
		}
	}
}
