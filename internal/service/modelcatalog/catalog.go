// Package modelcatalog keeps a refreshed snapshot of the provider's model
// list and answers per-1K-token prices for cost estimation when a response
// carries tokens but no cost.
package modelcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// providerModel is one entry of the provider /models response. Pricing
// fields are decimal strings, USD per token.
type providerModel struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

// Catalog implements domain.ModelCatalog over periodic /models fetches.
// Providers without a pricing field (plain OpenAI) yield an empty catalog
// and estimation degrades to unknown cost, never an error.
type Catalog struct {
	baseURL    string
	apiKey     string
	refresh    time.Duration
	httpClient *http.Client

	mu        sync.RWMutex
	prices    map[string]domain.ModelPrice
	lastFetch time.Time
}

// New constructs a catalog from the provider connection settings.
func New(cfg config.Config) *Catalog {
	return &Catalog{
		baseURL:    cfg.AIBaseURL,
		apiKey:     cfg.AIAPIKey,
		refresh:    cfg.ModelCatalogRefresh,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		prices:     make(map[string]domain.ModelPrice),
	}
}

// PricePer1K answers the price for model. ok is false for unknown models
// and for models the provider lists without a price.
func (c *Catalog) PricePer1K(model string) (domain.ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.prices[model]; ok {
		return p, true
	}
	if p, ok := c.prices[strings.TrimSuffix(model, ":free")]; ok {
		return p, true
	}
	return domain.ModelPrice{}, false
}

// Run refreshes the catalog until ctx is done. The initial fetch failing is
// tolerated; pricing stays empty until the next tick succeeds.
func (c *Catalog) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("initial model catalog fetch failed",
			slog.String("base_url", c.baseURL), slog.Any("error", err))
	}
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Warn("model catalog refresh failed, keeping previous snapshot",
					slog.Int("cached_models", c.size()), slog.Any("error", err))
			}
		}
	}
}

// Refresh fetches the model list once and swaps the snapshot.
func (c *Catalog) Refresh(ctx context.Context) error {
	models, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	prices := make(map[string]domain.ModelPrice, len(models))
	for _, m := range models {
		prompt := perTokenToPer1K(m.Pricing.Prompt)
		completion := perTokenToPer1K(m.Pricing.Completion)
		if prompt == 0 && completion == 0 {
			continue
		}
		prices[m.ID] = domain.ModelPrice{
			PromptUSDPer1K:     prompt,
			CompletionUSDPer1K: completion,
		}
	}

	c.mu.Lock()
	c.prices = prices
	c.lastFetch = time.Now()
	c.mu.Unlock()

	slog.Info("model catalog refreshed",
		slog.Int("models_listed", len(models)),
		slog.Int("models_priced", len(prices)))
	return nil
}

func (c *Catalog) fetch(ctx context.Context) ([]providerModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("models request status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var out struct {
		Data []providerModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	return out.Data, nil
}

func (c *Catalog) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// perTokenToPer1K parses a per-token decimal string into USD per 1K tokens.
// Unparseable and negative values count as unpriced.
func perTokenToPer1K(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v * 1000
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
