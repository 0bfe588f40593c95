// Package app wires application components and startup helpers.
package app

import (
	"context"
	"log/slog"

	qdrantcli "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// EnsureDefaultCollections creates the vector collections the embedding and
// retrieval paths use. Failures are logged and not fatal; the first upsert
// against a missing collection will surface the problem again.
func EnsureDefaultCollections(ctx context.Context, qcli *qdrantcli.Client, dim int) {
	if qcli == nil {
		return
	}
	if dim <= 0 {
		dim = 1536
	}
	for _, name := range []string{domain.CollectionMessages, domain.CollectionMemos, domain.CollectionAttachments} {
		if err := qcli.EnsureCollection(ctx, name, dim, "Cosine"); err != nil {
			slog.Warn("qdrant ensure collection failed",
				slog.String("collection", name), slog.Any("error", err))
		}
	}
}
