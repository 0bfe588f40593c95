package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// providerClient is the slice of the provider the façade depends on.
type providerClient interface {
	Chat(ctx context.Context, model, system, prompt string, maxTokens int) (chatOut, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, domain.Usage, error)
}

// embedCacheClient caches embedding vectors by text hash with FIFO
// eviction. Chat passes through. Safe for concurrent use.
type embedCacheClient struct {
	base     providerClient
	capacity int
	mu       sync.RWMutex
	m        map[string][]float32
	ord      []string
}

// newEmbedCache wraps base with an embedding cache of capacity entries.
// A capacity <= 0 returns base unmodified.
func newEmbedCache(base providerClient, capacity int) providerClient {
	if capacity <= 0 || base == nil {
		return base
	}
	return &embedCacheClient{base: base, capacity: capacity, m: make(map[string][]float32), ord: make([]string, 0, capacity)}
}

func (c *embedCacheClient) Chat(ctx context.Context, model, system, prompt string, maxTokens int) (chatOut, error) {
	return c.base.Chat(ctx, model, system, prompt, maxTokens)
}

func (c *embedCacheClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, domain.Usage, error) {
	res := make([][]float32, len(texts))
	missIdx := make([]int, 0)
	missTexts := make([]string, 0)
	for i, t := range texts {
		k := embedKey(t)
		c.mu.RLock()
		v, ok := c.m[k]
		c.mu.RUnlock()
		if ok {
			res[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	var usage domain.Usage
	if len(missIdx) > 0 {
		vecs, u, err := c.base.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, domain.Usage{}, err
		}
		usage = u
		for j, idx := range missIdx {
			res[idx] = vecs[j]
			c.put(missTexts[j], vecs[j])
		}
	}
	return res, usage, nil
}

func (c *embedCacheClient) put(text string, vec []float32) {
	k := embedKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[k]; exists {
		c.m[k] = vec
		return
	}
	if len(c.ord) >= c.capacity {
		old := c.ord[0]
		c.ord = c.ord[1:]
		delete(c.m, old)
	}
	c.m[k] = vec
	c.ord = append(c.ord, k)
}

func embedKey(text string) string {
	s := strings.TrimSpace(text)
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
