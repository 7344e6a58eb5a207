package book

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/chunker"
	"github.com/owner888/smartbook/internal/retrieval"
)

// embedBatchSize bounds one upstream embedding request.
const embedBatchSize = 100

// Index is the on-disk representation of one book's chunks and embeddings.
// The two slices are parallel and equal length.
type Index struct {
	Chunks     []retrieval.Chunk `json:"chunks"`
	Embeddings [][]float32       `json:"embeddings"`
}

// IndexPath returns the cache-file location for a book: {stem}_index.json
// inside the cache directory.
func IndexPath(cacheDir, bookPath string) string {
	return filepath.Join(cacheDir, Stem(bookPath)+"_index.json")
}

// LoadIndex reads an index file and validates the chunk/embedding pairing.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	if len(idx.Embeddings) != 0 && len(idx.Embeddings) != len(idx.Chunks) {
		return nil, fmt.Errorf("index %s: %d chunks but %d embeddings",
			path, len(idx.Chunks), len(idx.Embeddings))
	}
	return &idx, nil
}

// SaveIndex writes the index atomically: temp file in the same directory,
// then rename over the destination.
func SaveIndex(path string, idx *Index) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Embedder is the slice of the provider contract index building needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Builder produces index files from book sources.
type Builder struct {
	extractors ExtractorSet
	chunker    *chunker.Chunker
	embedder   Embedder
	logger     *zap.Logger
}

func NewBuilder(extractors ExtractorSet, ck *chunker.Chunker, embedder Embedder, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{extractors: extractors, chunker: ck, embedder: embedder, logger: logger}
}

// Build extracts, chunks, and embeds one book. Embedding failure does not
// abort the build: the index is written without vectors and retrieval
// degrades to keyword-only.
func (b *Builder) Build(ctx context.Context, bookPath string) (*Index, Metadata, error) {
	text, meta, err := b.extractors.Extract(bookPath)
	if err != nil {
		return nil, Metadata{}, err
	}
	texts := b.chunker.Split(text)
	if len(texts) == 0 {
		return nil, Metadata{}, fmt.Errorf("book %s produced no chunks", bookPath)
	}
	chunks := make([]retrieval.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = retrieval.Chunk{ID: uint32(i), Text: t, Length: uint32(len([]rune(t)))}
	}

	embeddings, err := b.embedChunks(ctx, chunks)
	if err != nil {
		b.logger.Warn("embedding failed, building keyword-only index",
			zap.String("book", bookPath), zap.Error(err))
		embeddings = nil
	}
	return &Index{Chunks: chunks, Embeddings: embeddings}, meta, nil
}

func (b *Builder) embedChunks(ctx context.Context, chunks []retrieval.Chunk) ([][]float32, error) {
	if b.embedder == nil {
		return nil, nil
	}
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}
		vecs, err := b.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// BuildAndSave builds the index and writes it to its cache location.
func (b *Builder) BuildAndSave(ctx context.Context, cacheDir, bookPath string) (*Index, Metadata, error) {
	idx, meta, err := b.Build(ctx, bookPath)
	if err != nil {
		return nil, Metadata{}, err
	}
	path := IndexPath(cacheDir, bookPath)
	if err := SaveIndex(path, idx); err != nil {
		return nil, Metadata{}, err
	}
	b.logger.Info("book index built",
		zap.String("book", bookPath),
		zap.Int("chunks", len(idx.Chunks)),
		zap.String("index", path))
	return idx, meta, nil
}
