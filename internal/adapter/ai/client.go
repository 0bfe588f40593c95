package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// Client talks to one OpenAI-compatible provider for chat completions and
// embeddings. Retries ride on exponential backoff with 4xx treated as
// permanent; a per-model circuit breaker sheds load from a broken model.
type Client struct {
	cfg      config.Config
	hc       *http.Client
	provider string
	breakers *BreakerSet
}

type chatOut struct {
	Text  string
	Model string
	Usage domain.Usage
}

// NewClient builds the provider client. The catalog prices usage when the
// provider omits cost; it may be nil.
func NewClient(cfg config.Config, catalog domain.ModelCatalog) *Client {
	provider := providerLabel(cfg.AIBaseURL)
	transport := otelhttp.NewTransport(&UsageTransport{
		Provider: provider,
		Catalog:  catalog,
	})
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.AITimeout, Transport: transport},
		provider: provider,
		breakers: NewBreakerSet(),
	}
}

func providerLabel(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "openai"
	}
	host := u.Host
	switch {
	case strings.Contains(host, "openrouter"):
		return "openrouter"
	case strings.Contains(host, "openai"):
		return "openai"
	default:
		return host
	}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// Chat performs one chat completion. The returned model may differ from the
// requested one when the provider substitutes.
func (c *Client) Chat(ctx context.Context, model, system, prompt string, maxTokens int) (chatOut, error) {
	if c.cfg.AIAPIKey == "" {
		return chatOut{}, fmt.Errorf("%w: AI_API_KEY missing", domain.ErrInvalidArgument)
	}
	br := c.breakers.For(model)
	if !br.Allow() {
		return chatOut{}, fmt.Errorf("%w: circuit open for %s", domain.ErrUpstreamRateLimit, model)
	}

	body := map[string]any{
		"model":       model,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	b, _ := json.Marshal(body)

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *providerUsage `json:"usage"`
	}
	rateLimited := false
	op := func() error {
		return c.post(ctx, "/chat/completions", "chat", model, b, &out, &rateLimited)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoffConfig(), ctx)); err != nil {
		br.RecordFailure()
		return chatOut{}, c.wrapCallError("chat", err, rateLimited)
	}
	if len(out.Choices) == 0 {
		br.RecordFailure()
		return chatOut{}, fmt.Errorf("%w: empty choices", domain.ErrSchemaInvalid)
	}
	br.RecordSuccess()

	res := chatOut{Text: out.Choices[0].Message.Content, Model: model}
	if out.Model != "" {
		if out.Model != model {
			slog.Warn("model substitution by provider",
				slog.String("requested_model", model),
				slog.String("actual_model", out.Model),
				slog.String("provider", c.provider))
		}
		res.Model = out.Model
	}
	if out.Usage != nil {
		res.Usage = domain.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
			CostUSD:          out.Usage.Cost,
		}
	}
	return res, nil
}

// EmbedBatch embeds texts in one provider call, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, domain.Usage, error) {
	if c.cfg.AIAPIKey == "" || c.cfg.EmbeddingsModel == "" {
		return nil, domain.Usage{}, fmt.Errorf("%w: AI_API_KEY or EMBEDDINGS_MODEL missing", domain.ErrInvalidArgument)
	}
	model := c.cfg.EmbeddingsModel
	br := c.breakers.For(model)
	if !br.Allow() {
		return nil, domain.Usage{}, fmt.Errorf("%w: circuit open for %s", domain.ErrUpstreamRateLimit, model)
	}

	body := map[string]any{
		"model": model,
		"input": texts,
	}
	b, _ := json.Marshal(body)

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage *providerUsage `json:"usage"`
	}
	rateLimited := false
	op := func() error {
		return c.post(ctx, "/embeddings", "embed", model, b, &out, &rateLimited)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoffConfig(), ctx)); err != nil {
		br.RecordFailure()
		return nil, domain.Usage{}, c.wrapCallError("embed", err, rateLimited)
	}
	if len(out.Data) != len(texts) {
		br.RecordFailure()
		return nil, domain.Usage{}, fmt.Errorf("%w: got %d vectors for %d inputs", domain.ErrSchemaInvalid, len(out.Data), len(texts))
	}
	br.RecordSuccess()

	vectors := make([][]float32, len(out.Data))
	for i := range out.Data {
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		vectors[i] = v
	}
	var usage domain.Usage
	if out.Usage != nil {
		usage = domain.Usage{
			PromptTokens: out.Usage.PromptTokens,
			TotalTokens:  out.Usage.TotalTokens,
			CostUSD:      out.Usage.Cost,
		}
	}
	return vectors, usage, nil
}

// post runs one attempt against the provider. Bodies are recreated per
// attempt so retries never reuse a consumed reader.
func (c *Client) post(ctx context.Context, path, op, model string, body []byte, out any, rateLimited *bool) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	observability.AIRequestsTotal.WithLabelValues(c.provider, op).Inc()
	observability.AIRequestDuration.WithLabelValues(c.provider, op).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		*rateLimited = true
		slog.Warn("ai provider rate limited",
			slog.String("provider", c.provider), slog.String("op", op),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return fmt.Errorf("rate limited: 429")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		slog.Warn("ai provider 4xx",
			slog.String("provider", c.provider), slog.String("op", op),
			slog.Int("status", resp.StatusCode), slog.String("model", model),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(raw, 512)))
		return backoff.Permanent(fmt.Errorf("%s status %d", op, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		slog.Error("ai provider non-2xx",
			slog.String("provider", c.provider), slog.String("op", op),
			slog.Int("status", resp.StatusCode), slog.String("model", model),
			slog.String("body", snippet(raw, 512)))
		return fmt.Errorf("%s status %d", op, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		slog.Error("ai provider decode error",
			slog.String("provider", c.provider), slog.String("op", op), slog.Any("error", err))
		return err
	}
	return nil
}

func (c *Client) wrapCallError(op string, err error, rateLimited bool) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", domain.ErrUpstreamTimeout, op)
	case rateLimited:
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamRateLimit, op, err)
	default:
		return fmt.Errorf("%s failed: %w", op, err)
	}
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
