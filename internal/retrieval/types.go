package retrieval

// Chunk is the unit of retrieval: one bounded slice of a book's text.
// ID is the chunk's index within its parent book; Length counts characters.
type Chunk struct {
	ID     uint32 `json:"id"`
	Text   string `json:"text"`
	Length uint32 `json:"length"`
}

// Result is one ranked passage. Score is the fused score; the per-axis scores
// are kept for observability.
type Result struct {
	Chunk        Chunk   `json:"chunk"`
	Score        float64 `json:"score"`
	KeywordScore float64 `json:"keyword_score"`
	VectorScore  float64 `json:"vector_score"`
	Method       string  `json:"method"`
}

// Search methods reported on results.
const (
	MethodHybrid  = "hybrid"
	MethodKeyword = "keyword"
	MethodVector  = "vector"
)
