package respcache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCache(t *testing.T, opts Options) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(rdb, opts, zap.NewNop()), mr
}

func entry(answer string) *Entry {
	return &Entry{
		Sources: json.RawMessage(`[{"id":0,"text":"passage","score":1}]`),
		Answer:  answer,
	}
}

func TestExactHitRoundTrip(t *testing.T) {
	c, _ := testCache(t, Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "stream_ask", "Who is Sun Wukong?", 8)
	assert.False(t, ok)

	c.Set(ctx, "stream_ask", "Who is Sun Wukong?", 8, entry("Sun Wukong is..."), nil)

	got, ok := c.Get(ctx, "stream_ask", "Who is Sun Wukong?", 8)
	require.True(t, ok)
	assert.Equal(t, "Sun Wukong is...", got.Answer)
	assert.JSONEq(t, `[{"id":0,"text":"passage","score":1}]`, string(got.Sources))
}

func TestKeyDiscriminatesKindAndTopK(t *testing.T) {
	assert.NotEqual(t, Key("ask", "q", 8), Key("stream_ask", "q", 8))
	assert.NotEqual(t, Key("ask", "q", 8), Key("ask", "q", 3))
	assert.Equal(t, Key("ask", "q", 8), Key("ask", "q", 8))
}

func TestCachePurity(t *testing.T) {
	c, _ := testCache(t, Options{})
	ctx := context.Background()
	c.Set(ctx, "ask", "q", 8, entry("answer one"), nil)

	first, ok := c.Get(ctx, "ask", "q", 8)
	require.True(t, ok)
	second, ok := c.Get(ctx, "ask", "q", 8)
	require.True(t, ok)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, string(first.Sources), string(second.Sources))
}

func TestSemanticHitAboveThreshold(t *testing.T) {
	c, _ := testCache(t, Options{Threshold: 0.96})
	ctx := context.Background()

	e1 := []float32{1, 0, 0}
	c.Set(ctx, "stream_ask", "孙悟空是谁？", 8, entry("悟空是石猴"), e1)

	// nearly parallel: cosine ≈ 0.995
	got, hit, ok := c.GetSemantic(ctx, []float32{1, 0.1, 0})
	require.True(t, ok)
	assert.Equal(t, "悟空是石猴", got.Answer)
	assert.Equal(t, "孙悟空是谁？", hit.MatchedQuestion)
	assert.Greater(t, hit.Similarity, 0.96)

	// orthogonal: miss
	_, _, ok = c.GetSemantic(ctx, []float32{0, 1, 0})
	assert.False(t, ok)
}

func TestSemanticPicksArgmax(t *testing.T) {
	c, _ := testCache(t, Options{Threshold: 0.9})
	ctx := context.Background()
	c.Set(ctx, "ask", "far", 8, entry("far answer"), []float32{1, 0.4})
	c.Set(ctx, "ask", "near", 8, entry("near answer"), []float32{1, 0.01})

	got, hit, ok := c.GetSemantic(ctx, []float32{1, 0})
	require.True(t, ok)
	assert.Equal(t, "near answer", got.Answer)
	assert.Equal(t, "near", hit.MatchedQuestion)
}

func TestSemanticHitMissingExactFallsThrough(t *testing.T) {
	c, mr := testCache(t, Options{})
	ctx := context.Background()
	c.Set(ctx, "ask", "q", 8, entry("a"), []float32{1, 0})

	// drop the exact entry but keep the semantic index
	mr.Del(exactPrefix + Key("ask", "q", 8))

	_, _, ok := c.GetSemantic(ctx, []float32{1, 0})
	assert.False(t, ok)
}

func TestSemanticIndexBounded(t *testing.T) {
	c, _ := testCache(t, Options{MaxSize: 3, Threshold: 0.5})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		q := fmt.Sprintf("question %d", i)
		c.Set(ctx, "ask", q, 8, entry(q), []float32{1, float32(i)})
	}
	index, err := c.loadSemanticIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 3)
	// most recent entries survive
	assert.Equal(t, "question 2", index[0].Question)
	assert.Equal(t, "question 4", index[2].Question)
}

func TestDimensionMismatchEntriesSkipped(t *testing.T) {
	c, _ := testCache(t, Options{Threshold: 0.9})
	ctx := context.Background()
	c.Set(ctx, "ask", "3d", 8, entry("a"), []float32{1, 0, 0})

	_, _, ok := c.GetSemantic(ctx, []float32{1, 0})
	assert.False(t, ok)
}

func TestStoreErrorsDegradeToMiss(t *testing.T) {
	c, mr := testCache(t, Options{})
	ctx := context.Background()
	c.Set(ctx, "ask", "q", 8, entry("a"), []float32{1})
	mr.Close()

	_, ok := c.Get(ctx, "ask", "q", 8)
	assert.False(t, ok)
	_, _, ok = c.GetSemantic(ctx, []float32{1})
	assert.False(t, ok)

	connected, _ := c.Stats(ctx)
	assert.False(t, connected)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := testCache(t, Options{TTL: time.Minute})
	ctx := context.Background()
	c.Set(ctx, "ask", "q", 8, entry("a"), nil)
	mr.FastForward(2 * time.Minute)
	_, ok := c.Get(ctx, "ask", "q", 8)
	assert.False(t, ok)
}

func TestStatsCountsEntries(t *testing.T) {
	c, _ := testCache(t, Options{})
	ctx := context.Background()
	c.Set(ctx, "ask", "one", 8, entry("1"), nil)
	c.Set(ctx, "ask", "two", 8, entry("2"), nil)

	connected, items := c.Stats(ctx)
	assert.True(t, connected)
	assert.EqualValues(t, 2, items)
}
