// Package retrieval ranks book chunks against a query by fusing a lexical
// substring score with dense-vector cosine similarity.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/owner888/smartbook/internal/metrics"
)

// Engine performs hybrid search over one book's chunks and embeddings.
// After construction the index is read-only and safe for concurrent use.
type Engine struct {
	chunks     []Chunk
	embeddings [][]float32
	dim        int
	logger     *zap.Logger
}

// NewEngine builds an engine over parallel chunk/embedding slices.
// Embeddings whose dimension disagrees with the first non-empty vector are
// zeroed rather than rejected; retrieval degrades to keyword-only for them.
func NewEngine(chunks []Chunk, embeddings [][]float32, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := 0
	for _, e := range embeddings {
		if len(e) > 0 {
			dim = len(e)
			break
		}
	}
	for i, e := range embeddings {
		if len(e) != 0 && len(e) != dim {
			logger.Warn("embedding dimension mismatch, zeroing",
				zap.Int("chunk", i), zap.Int("want", dim), zap.Int("got", len(e)))
			embeddings[i] = nil
		}
	}
	return &Engine{chunks: chunks, embeddings: embeddings, dim: dim, logger: logger}
}

// Size returns the number of indexed chunks.
func (e *Engine) Size() int { return len(e.chunks) }

// Dimension returns the embedding width D (0 when the index has no vectors).
func (e *Engine) Dimension() int { return e.dim }

// LastChunk returns the final chunk's text, or "" for an empty index.
func (e *Engine) LastChunk() string {
	if len(e.chunks) == 0 {
		return ""
	}
	return e.chunks[len(e.chunks)-1].Text
}

// Search returns at most topK chunks ranked by the fused score
// keywordWeight*kw_norm + (1-keywordWeight)*vec_norm. A missing or
// mismatched query embedding silently degrades to keyword-only scoring.
func (e *Engine) Search(ctx context.Context, query string, queryEmbedding []float32, topK int, keywordWeight float64) []Result {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	if len(e.chunks) == 0 || topK <= 0 {
		return nil
	}
	if keywordWeight < 0 {
		keywordWeight = 0
	}
	if keywordWeight > 1 {
		keywordWeight = 1
	}

	useVector := len(queryEmbedding) > 0 && len(queryEmbedding) == e.dim
	if len(queryEmbedding) > 0 && !useVector {
		e.logger.Debug("query embedding dimension mismatch, keyword-only search",
			zap.Int("want", e.dim), zap.Int("got", len(queryEmbedding)))
	}

	kw := make([]float64, len(e.chunks))
	vec := make([]float64, len(e.chunks))

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		keywords := ExtractKeywords(query)
		for i, ch := range e.chunks {
			kw[i] = keywordScore(ch.Text, keywords)
		}
		return nil
	})
	if useVector {
		g.Go(func() error {
			for i := range e.chunks {
				vec[i] = Cosine(queryEmbedding, e.embeddings[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	method := MethodHybrid
	if !useVector {
		method = MethodKeyword
	}
	return e.rank(kw, vec, topK, keywordWeight, method)
}

// SearchVectorOnly skips the lexical axis entirely.
func (e *Engine) SearchVectorOnly(queryEmbedding []float32, topK int) []Result {
	if len(e.chunks) == 0 || topK <= 0 {
		return nil
	}
	if len(queryEmbedding) == 0 || len(queryEmbedding) != e.dim {
		return nil
	}
	vec := make([]float64, len(e.chunks))
	for i := range e.chunks {
		vec[i] = Cosine(queryEmbedding, e.embeddings[i])
	}
	return e.rank(make([]float64, len(e.chunks)), vec, topK, 0, MethodVector)
}

// rank fuses the two axes after max-normalizing each, sorts descending with
// ties broken by chunk id ascending, and truncates to topK.
func (e *Engine) rank(kw, vec []float64, topK int, keywordWeight float64, method string) []Result {
	kwMax := sliceMax(kw)
	vecMax := sliceMax(vec)
	if kwMax == 0 {
		kwMax = 1
	}
	if vecMax == 0 {
		vecMax = 1
	}

	results := make([]Result, len(e.chunks))
	for i, ch := range e.chunks {
		final := keywordWeight*(kw[i]/kwMax) + (1-keywordWeight)*(vec[i]/vecMax)
		results[i] = Result{
			Chunk:        ch,
			Score:        final,
			KeywordScore: kw[i],
			VectorScore:  vec[i],
			Method:       method,
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sliceMax(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}
