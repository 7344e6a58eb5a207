// Package respcache is the two-tier response cache: exact fingerprint
// lookups plus a bounded semantic index matched by embedding similarity.
// Every store failure degrades to a miss; callers never see cache errors.
package respcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/metrics"
	"github.com/owner888/smartbook/internal/retrieval"
)

const (
	exactPrefix      = "cache:response:"
	semanticIndexKey = "cache:semantic_index"
)

// Entry is the stored reply for one question.
type Entry struct {
	Sources json.RawMessage `json:"sources"`
	Answer  string          `json:"answer"`
}

// SemanticHit carries the provenance of a similarity match.
type SemanticHit struct {
	MatchedQuestion string  `json:"matched_question"`
	Similarity      float64 `json:"similarity"`
}

type semanticEntry struct {
	CacheKey  string    `json:"cache_key"`
	Embedding []float32 `json:"embedding"`
	Question  string    `json:"question"`
}

type Options struct {
	TTL       time.Duration
	Threshold float64
	MaxSize   int
}

func (o *Options) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.96
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 100
	}
}

// Cache is the Redis-backed response cache.
type Cache struct {
	rdb    redis.Cmdable
	opts   Options
	logger *zap.Logger
}

func NewCache(rdb redis.Cmdable, opts Options, logger *zap.Logger) *Cache {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, opts: opts, logger: logger}
}

// Key fingerprints one (kind, question, topK) triple.
func Key(kind, question string, topK int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%d", kind, question, topK)))
	return hex.EncodeToString(sum[:])
}

// Get performs an exact lookup.
func (c *Cache) Get(ctx context.Context, kind, question string, topK int) (*Entry, bool) {
	entry, ok := c.getByKey(ctx, Key(kind, question, topK))
	if ok {
		metrics.CacheHits.WithLabelValues("exact").Inc()
	}
	return entry, ok
}

func (c *Cache) getByKey(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.rdb.Get(ctx, exactPrefix+key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", zap.Error(err))
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("cache entry unreadable, treating as miss", zap.Error(err))
		return nil, false
	}
	return &e, true
}

// GetSemantic scans the semantic index for the nearest cached question. A
// similarity above the threshold resolves through the exact tier; a missing
// exact entry falls through to a miss.
func (c *Cache) GetSemantic(ctx context.Context, queryEmbedding []float32) (*Entry, *SemanticHit, bool) {
	if len(queryEmbedding) == 0 {
		return nil, nil, false
	}
	index, err := c.loadSemanticIndex(ctx)
	if err != nil {
		c.logger.Warn("semantic index read failed, treating as miss", zap.Error(err))
		return nil, nil, false
	}

	bestScore := -1.0
	var best *semanticEntry
	for i := range index {
		if len(index[i].Embedding) != len(queryEmbedding) {
			continue
		}
		if sim := retrieval.Cosine(queryEmbedding, index[i].Embedding); sim > bestScore {
			bestScore = sim
			best = &index[i]
		}
	}
	if best == nil || bestScore <= c.opts.Threshold {
		return nil, nil, false
	}
	entry, ok := c.getByKey(ctx, best.CacheKey)
	if !ok {
		return nil, nil, false
	}
	metrics.CacheHits.WithLabelValues("semantic").Inc()
	return entry, &SemanticHit{MatchedQuestion: best.Question, Similarity: bestScore}, true
}

// Miss records a cache miss for observability.
func (c *Cache) Miss() {
	metrics.CacheMisses.Inc()
}

// Set writes the exact entry and, when an embedding is supplied, appends the
// question to the semantic index.
func (c *Cache) Set(ctx context.Context, kind, question string, topK int, entry *Entry, queryEmbedding []float32) {
	key := Key(kind, question, topK)
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry encode failed, skipping write", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, exactPrefix+key, data, c.opts.TTL).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
		return
	}
	if len(queryEmbedding) > 0 {
		c.addToSemanticIndex(ctx, key, queryEmbedding, question)
	}
}

// addToSemanticIndex appends under the read-modify-write strategy: load the
// full list, append, trim to the newest MaxSize, write back. A lost update
// drops at most one association, which degrades to a miss.
func (c *Cache) addToSemanticIndex(ctx context.Context, cacheKey string, embedding []float32, question string) {
	index, err := c.loadSemanticIndex(ctx)
	if err != nil {
		c.logger.Warn("semantic index read failed, starting fresh", zap.Error(err))
		index = nil
	}
	index = append(index, semanticEntry{CacheKey: cacheKey, Embedding: embedding, Question: question})
	if len(index) > c.opts.MaxSize {
		index = index[len(index)-c.opts.MaxSize:]
	}
	data, err := json.Marshal(index)
	if err != nil {
		c.logger.Warn("semantic index encode failed", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, semanticIndexKey, data, 2*c.opts.TTL).Err(); err != nil {
		c.logger.Warn("semantic index write failed", zap.Error(err))
	}
}

func (c *Cache) loadSemanticIndex(ctx context.Context) ([]semanticEntry, error) {
	raw, err := c.rdb.Get(ctx, semanticIndexKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []semanticEntry
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("parse semantic index: %w", err)
	}
	return index, nil
}

// Stats reports connectivity and the number of cached responses.
func (c *Cache) Stats(ctx context.Context) (connected bool, items int64) {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return false, 0
	}
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, exactPrefix+"*", 200).Result()
		if err != nil {
			return true, items
		}
		items += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return true, items
		}
	}
}
