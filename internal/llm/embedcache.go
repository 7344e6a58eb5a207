package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/owner888/smartbook/internal/metrics"
)

// CachedEmbedder memoizes embedding calls in an in-process expirable LRU.
// Completion calls pass straight through to the wrapped provider.
type CachedEmbedder struct {
	Provider
	model string
	cache *lru.LRU[string, []float32]
}

// NewCachedEmbedder wraps p with an embedding cache of the given size and TTL.
// The model name participates in the cache key so switching embedding models
// never serves stale vectors.
func NewCachedEmbedder(p Provider, model string, size int, ttl time.Duration) *CachedEmbedder {
	if size <= 0 {
		size = 512
	}
	return &CachedEmbedder{
		Provider: p,
		model:    model,
		cache:    lru.NewLRU[string, []float32](size, nil, ttl),
	}
}

func embedKey(model, text string) string {
	sum := md5.Sum([]byte(model + "|" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedKey(c.model, text)
	if vec, ok := c.cache.Get(key); ok {
		metrics.EmbeddingCacheHits.Inc()
		return vec, nil
	}
	vec, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.cache.Get(embedKey(c.model, t)); ok {
			metrics.EmbeddingCacheHits.Inc()
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.Provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missingIdx[j]
		out[i] = vec
		c.cache.Add(embedKey(c.model, texts[i]), vec)
	}
	return out, nil
}
