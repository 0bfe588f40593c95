// Package tokencount estimates token counts for model calls whose provider
// response carried no usage block.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. Counts for
// non-OpenAI models are approximations against the closest encoding.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalized),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider model IDs to tiktoken-compatible
// names. Router-style IDs carry a vendor prefix and sometimes a :free
// suffix, e.g. "meta-llama/llama-3.1-8b-instruct:free".
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "text-embedding"):
		return model
	default:
		// Close enough for estimation across llama, mistral, qwen,
		// deepseek and claude families.
		return "gpt-4"
	}
}

// CountTokens counts tokens in text for the given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountChatTokens counts prompt tokens for a two-message chat request,
// including the per-message framing overhead OpenAI-compatible APIs add.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message plus 1 for the role, per the OpenAI cookbook.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	n := 0
	n += tokensPerMessage + tokensPerRole
	n += len(enc.Encode("system", nil, nil))
	n += len(enc.Encode(systemPrompt, nil, nil))

	n += tokensPerMessage + tokensPerRole
	n += len(enc.Encode("user", nil, nil))
	n += len(enc.Encode(userPrompt, nil, nil))

	// Every reply is primed with <|start|>assistant<|message|>.
	n += 3

	return n, nil
}

// EstimateChatUsage returns prompt and completion token counts for a chat
// exchange, falling back to a chars/4 heuristic when encoding fails.
func (c *Counter) EstimateChatUsage(systemPrompt, userPrompt, completion, model string) (promptTokens, completionTokens int) {
	var err error
	promptTokens, err = c.CountChatTokens(systemPrompt, userPrompt, model)
	if err != nil {
		slog.Warn("prompt token count failed, using chars/4 estimate",
			slog.String("model", model), slog.Any("error", err))
		promptTokens = (len(systemPrompt) + len(userPrompt)) / 4
	}
	completionTokens, err = c.CountTokens(completion, model)
	if err != nil {
		slog.Warn("completion token count failed, using chars/4 estimate",
			slog.String("model", model), slog.Any("error", err))
		completionTokens = len(completion) / 4
	}
	return promptTokens, completionTokens
}
