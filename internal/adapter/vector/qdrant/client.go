// Package qdrant implements the semantic index over messages, memos and
// attachments against the Qdrant HTTP API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// Client is a minimal Qdrant HTTP client. A breaker in front of the
// transport keeps a down qdrant from pinning every retrieval query on a
// full timeout.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *observability.CircuitBreaker
}

// New constructs a Qdrant client with baseURL and optional apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    observability.NewCircuitBreaker("qdrant", 5, 30*time.Second),
	}
}

// EnsureCollection creates the collection if it does not exist. Payload
// indexes on workspace_id and stream_id are created alongside so filtered
// searches stay fast.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, name), nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", name), payload, nil); err != nil {
		return fmt.Errorf("qdrant ensure %s: %w", name, err)
	}
	for _, field := range []string{"workspace_id", "stream_id"} {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index", name), idx, nil); err != nil {
			return fmt.Errorf("qdrant index %s.%s: %w", name, field, err)
		}
	}
	return nil
}

// Upsert inserts or replaces points. Writes wait for indexing so a rerun of
// the same batch observes its own effects.
func (c *Client) Upsert(ctx domain.Context, collection string, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]map[string]any, 0, len(points))
	for _, p := range points {
		pts = append(pts, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	body := map[string]any{"points": pts}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body, nil); err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", collection, err)
	}
	return nil
}

// Search returns the nearest points above scoreThreshold, scoped by filter.
func (c *Client) Search(ctx domain.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter domain.VectorFilter) ([]domain.VectorHit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		body["score_threshold"] = scoreThreshold
	}
	if cond := filterConditions(filter); len(cond) > 0 {
		body["filter"] = map[string]any{"must": cond}
	}

	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), body, &out); err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", collection, err)
	}
	hits := make([]domain.VectorHit, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, domain.VectorHit{ID: pointID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

// Delete removes points by id. Unknown ids are ignored by Qdrant.
func (c *Client) Delete(ctx domain.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body, nil); err != nil {
		return fmt.Errorf("qdrant delete %s: %w", collection, err)
	}
	return nil
}

func filterConditions(f domain.VectorFilter) []map[string]any {
	var must []map[string]any
	if f.WorkspaceID != "" {
		must = append(must, map[string]any{
			"key":   "workspace_id",
			"match": map[string]any{"value": f.WorkspaceID},
		})
	}
	if len(f.StreamIDs) > 0 {
		must = append(must, map[string]any{
			"key":   "stream_id",
			"match": map[string]any{"any": f.StreamIDs},
		})
	}
	return must
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	// A 4xx means our request is wrong, not that qdrant is down; it must
	// surface without tripping the breaker.
	var reqErr error
	err = c.breaker.Call(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			reqErr = fmt.Errorf("status %d", resp.StatusCode)
			return nil
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return err
	}
	return reqErr
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

func pointID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
