package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mkChunk(id uint32, text string) Chunk {
	return Chunk{ID: id, Text: text, Length: uint32(len([]rune(text)))}
}

func TestExtractKeywords(t *testing.T) {
	kws := ExtractKeywords("Sun Wukong, the Monkey King!")
	assert.Contains(t, kws, "Sun")
	assert.Contains(t, kws, "Wukong")
	assert.Contains(t, kws, "Wu") // sliding window of a longer token
	assert.Contains(t, kws, "ng")
	assert.NotContains(t, kws, "a") // single characters dropped

	// dedup: repeated tokens appear once
	kws = ExtractKeywords("dog dog dog")
	count := 0
	for _, k := range kws {
		if k == "dog" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractKeywordsCJK(t *testing.T) {
	kws := ExtractKeywords("大闹天宫")
	assert.Contains(t, kws, "大闹天宫")
	assert.Contains(t, kws, "大闹")
	assert.Contains(t, kws, "闹天")
	assert.Contains(t, kws, "天宫")
}

func TestKeywordOnlySearchRanksBySubstring(t *testing.T) {
	chunks := []Chunk{
		mkChunk(0, "The dragon guards the eastern sea."),
		mkChunk(1, "Sun Wukong defeats the dragon king and the dragon army."),
		mkChunk(2, "A quiet village with no monsters at all."),
	}
	e := NewEngine(chunks, nil, zap.NewNop())

	results := e.Search(context.Background(), "dragon king", nil, 2, 0.5)
	require.Len(t, results, 2)
	assert.Equal(t, uint32(1), results[0].Chunk.ID)
	assert.Equal(t, MethodKeyword, results[0].Method)
	assert.Greater(t, results[0].KeywordScore, results[1].KeywordScore)
	assert.Zero(t, results[0].VectorScore)
}

func TestHybridSearchFusesAxes(t *testing.T) {
	chunks := []Chunk{
		mkChunk(0, "alpha alpha alpha"),
		mkChunk(1, "beta"),
	}
	embeddings := [][]float32{
		{0, 1}, // orthogonal to query
		{1, 0}, // identical to query
	}
	e := NewEngine(chunks, embeddings, zap.NewNop())

	// keyword weight 0: pure vector, chunk 1 wins
	res := e.Search(context.Background(), "alpha", []float32{1, 0}, 2, 0)
	require.Len(t, res, 2)
	assert.Equal(t, uint32(1), res[0].Chunk.ID)
	assert.Equal(t, MethodHybrid, res[0].Method)

	// keyword weight 1: pure lexical, chunk 0 wins
	res = e.Search(context.Background(), "alpha", []float32{1, 0}, 2, 1)
	assert.Equal(t, uint32(0), res[0].Chunk.ID)
}

func TestDimensionMismatchDegradesToKeyword(t *testing.T) {
	chunks := []Chunk{mkChunk(0, "needle here"), mkChunk(1, "nothing")}
	embeddings := [][]float32{{1, 0, 0}, {0, 1, 0}}
	e := NewEngine(chunks, embeddings, zap.NewNop())

	res := e.Search(context.Background(), "needle", []float32{1, 0}, 2, 0.5)
	require.Len(t, res, 2)
	assert.Equal(t, MethodKeyword, res[0].Method)
	assert.Equal(t, uint32(0), res[0].Chunk.ID)
}

func TestEmptyIndexReturnsEmpty(t *testing.T) {
	e := NewEngine(nil, nil, zap.NewNop())
	assert.Empty(t, e.Search(context.Background(), "anything", nil, 5, 0.5))
}

func TestTieBreakByChunkID(t *testing.T) {
	chunks := []Chunk{mkChunk(3, "same text"), mkChunk(1, "same text"), mkChunk(2, "same text")}
	e := NewEngine(chunks, nil, zap.NewNop())
	res := e.Search(context.Background(), "same", nil, 3, 1)
	require.Len(t, res, 3)
	assert.Equal(t, uint32(1), res[0].Chunk.ID)
	assert.Equal(t, uint32(2), res[1].Chunk.ID)
	assert.Equal(t, uint32(3), res[2].Chunk.ID)
}

func TestSearchVectorOnly(t *testing.T) {
	chunks := []Chunk{mkChunk(0, "a"), mkChunk(1, "b")}
	embeddings := [][]float32{{0, 1}, {1, 0}}
	e := NewEngine(chunks, embeddings, zap.NewNop())

	res := e.SearchVectorOnly([]float32{1, 0}, 1)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(1), res[0].Chunk.ID)
	assert.Equal(t, MethodVector, res[0].Method)

	// mismatched dimension yields nothing rather than an error
	assert.Nil(t, e.SearchVectorOnly([]float32{1, 0, 0}, 1))
}

func TestCosineBounds(t *testing.T) {
	vecs := [][]float32{
		{1, 2, 3},
		{-1, -2, -3},
		{0.5, -0.25, 8},
		{3, 0, 0.001},
	}
	for _, a := range vecs {
		for _, b := range vecs {
			c := Cosine(a, b)
			assert.LessOrEqual(t, c, 1+1e-9)
			assert.GreaterOrEqual(t, c, -1-1e-9)
		}
	}
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine(nil, []float32{1}))
}

func TestKeywordScoreLogWeighting(t *testing.T) {
	// one occurrence of a 6-char keyword: log(2)*6
	s := keywordScore("wukong fights", []string{"wukong"})
	assert.InDelta(t, math.Log(2)*6, s, 1e-9)
	// case-insensitive
	s2 := keywordScore("WuKong fights", []string{"wukong"})
	assert.InDelta(t, s, s2, 1e-9)
}
