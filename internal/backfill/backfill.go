// Package backfill indexes exported chat history into the vector store.
//
// The embedding listener keeps vectors current from the moment it is
// switched on; everything older is invisible to semantic retrieval until
// it is indexed once. Backfill walks a YAML manifest of export files
// (JSONL, one record per line), sniffs each file so binary junk in an
// export directory is skipped, and embeds and upserts in batches. Upserts
// are keyed by record id, so reruns overwrite rather than duplicate.
package backfill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	"github.com/fairyhunter13/ai-chat-pipeline/pkg/textx"
)

const (
	defaultBatchSize = 64
	maxBatchSize     = 256
	maxRecordChars   = 8000
	maxLineBytes     = 1 << 20
)

// Manifest lists the export files to index. Relative paths are resolved
// against the manifest's own directory.
type Manifest struct {
	BatchSize int            `yaml:"batch_size"`
	Files     []ManifestFile `yaml:"files"`
}

// ManifestFile is one export file and the collection its records belong to.
type ManifestFile struct {
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
}

// Record is one exported row: a message, a memo, or an attachment extract.
type Record struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	StreamID    string `json:"stream_id"`
	Text        string `json:"text"`
}

// Stats summarizes one run.
type Stats struct {
	FilesIndexed int
	FilesSkipped int
	Points       int
	BadRecords   int
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.BatchSize <= 0 {
		m.BatchSize = defaultBatchSize
	}
	if m.BatchSize > maxBatchSize {
		m.BatchSize = maxBatchSize
	}
	if len(m.Files) == 0 {
		return Manifest{}, fmt.Errorf("manifest %s lists no files", path)
	}
	dir := filepath.Dir(path)
	for i, f := range m.Files {
		if f.Path == "" {
			return Manifest{}, fmt.Errorf("manifest entry %d has no path", i)
		}
		if !filepath.IsAbs(f.Path) {
			m.Files[i].Path = filepath.Join(dir, f.Path)
		}
		if f.Collection == "" {
			m.Files[i].Collection = domain.CollectionMessages
			continue
		}
		switch f.Collection {
		case domain.CollectionMessages, domain.CollectionMemos, domain.CollectionAttachments:
		default:
			return Manifest{}, fmt.Errorf("manifest entry %d: unknown collection %q", i, f.Collection)
		}
	}
	return m, nil
}

// Run indexes every file in the manifest. It stops on the first infrastructure
// error; malformed records and non-text files are counted and skipped.
func Run(ctx context.Context, vectors domain.VectorIndex, embedder domain.AI, m Manifest) (Stats, error) {
	var st Stats
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		indexed, err := runFile(ctx, vectors, embedder, f, m.BatchSize, &st)
		if err != nil {
			return st, fmt.Errorf("index %s: %w", f.Path, err)
		}
		if indexed {
			st.FilesIndexed++
		} else {
			st.FilesSkipped++
		}
	}
	return st, nil
}

func runFile(ctx context.Context, vectors domain.VectorIndex, embedder domain.AI, f ManifestFile, batchSize int, st *Stats) (bool, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return false, err
	}
	if !textLike(mimetype.Detect(b)) {
		return false, nil
	}

	var batch []Record
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := upsertBatch(ctx, vectors, embedder, f.Collection, batch); err != nil {
			return err
		}
		st.Points += len(batch)
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			st.BadRecords++
			continue
		}
		rec.Text = textx.Truncate(textx.SanitizeText(rec.Text), maxRecordChars)
		if rec.ID == "" || rec.WorkspaceID == "" || textx.IsBlank(rec.Text) {
			st.BadRecords++
			continue
		}
		// Cost attribution is per workspace, so a batch never mixes them.
		if len(batch) > 0 && (batch[0].WorkspaceID != rec.WorkspaceID || len(batch) >= batchSize) {
			if err := flush(); err != nil {
				return true, err
			}
		}
		batch = append(batch, rec)
	}
	if err := sc.Err(); err != nil {
		return true, fmt.Errorf("scan: %w", err)
	}
	if err := flush(); err != nil {
		return true, err
	}
	return true, nil
}

func upsertBatch(ctx context.Context, vectors domain.VectorIndex, embedder domain.AI, collection string, batch []Record) error {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.Text
	}
	vecs, err := embedder.EmbedMany(ctx, texts, domain.CallContext{
		WorkspaceID: batch[0].WorkspaceID,
		Origin:      domain.OriginSystem,
		FunctionID:  "backfill",
	})
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed batch: got %d vectors for %d texts", len(vecs), len(batch))
	}
	points := make([]domain.VectorPoint, len(batch))
	for i, r := range batch {
		points[i] = domain.VectorPoint{
			ID:     r.ID,
			Vector: vecs[i],
			Payload: map[string]any{
				"workspace_id": r.WorkspaceID,
				"stream_id":    r.StreamID,
			},
		}
	}
	if err := vectors.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// textLike accepts anything in the text/plain family plus JSON variants,
// which covers JSONL exports whatever the sniffer labels them.
func textLike(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return mt.Is("application/json") || mt.Is("application/x-ndjson")
}
