// Package ai implements the model façade: an OpenAI-compatible provider
// client behind a usage-sniffing transport, budget enforcement before every
// call, structured output with a repair pass, and best-effort cost
// recording.
package ai

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// providerUsage mirrors the usage object of OpenAI-compatible responses.
// OpenRouter additionally reports a cost field.
type providerUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type usageEnvelope struct {
	Model string         `json:"model"`
	Usage *providerUsage `json:"usage"`
}

// UsageTransport extracts usage from every provider response into the
// accumulator carried by the request context. Buffered JSON bodies are
// sniffed directly; streaming responses are watched for the terminal chunk
// that carries usage. Callers see the body unchanged either way.
type UsageTransport struct {
	Base     http.RoundTripper
	Provider string
	Catalog  domain.ModelCatalog
}

func (t *UsageTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *UsageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	acc := obsctx.UsageFromContext(req.Context())
	if acc == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = &sseUsageReader{body: resp.Body, transport: t, acc: acc}
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	var env usageEnvelope
	if json.Unmarshal(raw, &env) == nil {
		t.record(acc, env)
	}
	return resp, nil
}

func (t *UsageTransport) record(acc *domain.UsageAccumulator, env usageEnvelope) {
	if env.Usage == nil || env.Usage.TotalTokens == 0 {
		return
	}
	u := domain.Usage{
		PromptTokens:     env.Usage.PromptTokens,
		CompletionTokens: env.Usage.CompletionTokens,
		TotalTokens:      env.Usage.TotalTokens,
		CostUSD:          env.Usage.Cost,
	}
	// Providers that report tokens but no price still get a cost via the
	// model catalog; the token counts stay exact so the record is not
	// flagged as estimated.
	if u.CostUSD == 0 && t.Catalog != nil {
		if price, ok := t.Catalog.PricePer1K(env.Model); ok {
			u.CostUSD = float64(u.PromptTokens)/1000*price.PromptUSDPer1K +
				float64(u.CompletionTokens)/1000*price.CompletionUSDPer1K
		}
	}
	acc.Add(domain.UsageSample{Model: env.Model, Provider: t.Provider, Usage: u})
}

// sseUsageReader passes the stream through while scanning data: lines for
// the terminal chunk carrying usage. The sample is added as soon as the
// chunk is seen, so an early Close after [DONE] loses nothing.
type sseUsageReader struct {
	body      io.ReadCloser
	transport *UsageTransport
	acc       *domain.UsageAccumulator

	buf      bytes.Buffer
	recorded bool
}

func (r *sseUsageReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 && !r.recorded {
		r.buf.Write(p[:n])
		r.scan()
	}
	return n, err
}

func (r *sseUsageReader) scan() {
	for {
		line, err := r.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next read.
			r.buf.Reset()
			r.buf.WriteString(line)
			return
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var env usageEnvelope
		if json.Unmarshal([]byte(data), &env) != nil {
			continue
		}
		if env.Usage != nil && env.Usage.TotalTokens > 0 {
			r.transport.record(r.acc, env)
			r.recorded = true
			return
		}
	}
}

func (r *sseUsageReader) Close() error { return r.body.Close() }
