package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		AppEnv:                   "prod",
		AIBaseURL:                baseURL,
		AIAPIKey:                 "test-key",
		ChatModel:                "gpt-4o-mini",
		EmbeddingsModel:          "text-embedding-3-small",
		AITimeout:                5 * time.Second,
		EmbedCacheSize:           16,
		AIBackoffMaxElapsedTime:  300 * time.Millisecond,
		AIBackoffInitialInterval: 5 * time.Millisecond,
		AIBackoffMaxInterval:     20 * time.Millisecond,
		AIBackoffMultiplier:      2.0,
	}
}

// providerHandler seeds an httptest server with a per-request responder.
// respond receives the 1-based request index.
type providerServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests int
	bodies   []string
}

func newProviderServer(respond func(n int, r *http.Request) (int, string)) *providerServer {
	ps := &providerServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.requests++
		n := ps.requests
		ps.bodies = append(ps.bodies, string(body))
		ps.mu.Unlock()
		status, resp := respond(n, r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	return ps
}

func (ps *providerServer) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.requests
}

func (ps *providerServer) body(n int) string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if n < 1 || n > len(ps.bodies) {
		return ""
	}
	return ps.bodies[n-1]
}

func chatResponse(model, content string, usage *providerUsage) string {
	resp := map[string]any{
		"model": model,
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	if usage != nil {
		resp["usage"] = usage
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func embedResponse(vectors [][]float64, usage *providerUsage) string {
	data := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		data[i] = map[string]any{"embedding": v}
	}
	resp := map[string]any{"data": data}
	if usage != nil {
		resp["usage"] = usage
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

type fakeBudget struct {
	mu     sync.Mutex
	status domain.BudgetStatus
	err    error
	checks int
	models []string
}

func (f *fakeBudget) CheckBudget(_ domain.Context, _, requestedModel string) (domain.BudgetStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	f.models = append(f.models, requestedModel)
	if f.err != nil {
		return domain.BudgetStatus{}, f.err
	}
	return f.status, nil
}

func allowAll() *fakeBudget {
	return &fakeBudget{status: domain.BudgetStatus{Allowed: true, Reason: domain.BudgetWithinBudget}}
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []domain.CostRecord
	err  error
}

func (f *fakeRecorder) RecordUsage(_ domain.Context, rec domain.CostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecorder) records() []domain.CostRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CostRecord, len(f.recs))
	copy(out, f.recs)
	return out
}

type fakeCatalog struct {
	prices map[string]domain.ModelPrice
}

func (f *fakeCatalog) PricePer1K(model string) (domain.ModelPrice, bool) {
	p, ok := f.prices[model]
	return p, ok
}

// fakeProvider implements providerClient for façade tests that do not need
// a live HTTP round trip.
type fakeProvider struct {
	mu         sync.Mutex
	chatCalls  int
	embedCalls int
	chatFn     func(model, system, prompt string) (chatOut, error)
	embedFn    func(texts []string) ([][]float32, domain.Usage, error)
}

func (f *fakeProvider) Chat(_ context.Context, model, system, prompt string, _ int) (chatOut, error) {
	f.mu.Lock()
	f.chatCalls++
	f.mu.Unlock()
	if f.chatFn != nil {
		return f.chatFn(model, system, prompt)
	}
	return chatOut{Text: "{}", Model: model}, nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, domain.Usage, error) {
	f.mu.Lock()
	f.embedCalls++
	f.mu.Unlock()
	if f.embedFn != nil {
		return f.embedFn(texts)
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(i), 1}
	}
	return vecs, domain.Usage{PromptTokens: len(texts), TotalTokens: len(texts)}, nil
}

func (f *fakeProvider) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls, f.embedCalls
}
