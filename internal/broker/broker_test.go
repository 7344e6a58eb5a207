package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/history"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/prompt"
	"github.com/owner888/smartbook/internal/respcache"
	"github.com/owner888/smartbook/internal/retrieval"
)

// fakeProvider scripts upstream behavior per call.
type fakeProvider struct {
	events    []llm.StreamEvent
	streamErr error
	embed     []float32
	embedErr  error
	generated string
	genCalls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	f.genCalls++
	return f.generated, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamEvent, len(f.events))
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embed, f.embedErr
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.embed
	}
	return out, nil
}

// recordingEmitter captures the event sequence.
type recordingEmitter struct {
	events  []string
	content strings.Builder
	cached  any
	failOn  string // event name that simulates client disconnect
}

func (r *recordingEmitter) Kind() string { return "test" }

func (r *recordingEmitter) record(name string) error {
	if r.failOn == name {
		return errors.New("client gone")
	}
	r.events = append(r.events, name)
	return nil
}

func (r *recordingEmitter) Sources(data json.RawMessage) error { return r.record("sources") }

func (r *recordingEmitter) Cached(payload any) error {
	r.cached = payload
	return r.record("cached")
}

func (r *recordingEmitter) Content(text string) error {
	if err := r.record("content"); err != nil {
		return err
	}
	r.content.WriteString(text)
	return nil
}

func (r *recordingEmitter) Error(msg string) error { return r.record("error:" + msg) }
func (r *recordingEmitter) Done() error            { return r.record("done") }

func token(text string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.EventToken, Text: text}
}

func thought(text string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.EventToken, Text: text, Thought: true}
}

var doneEv = llm.StreamEvent{Type: llm.EventDone}

func testBroker(t *testing.T, fp *fakeProvider) (*Broker, *respcache.Cache, *history.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := respcache.NewCache(rdb, respcache.Options{}, zap.NewNop())
	hist := history.NewStore(rdb, history.Options{}, zap.NewNop())
	return New(fp, prompt.NewAssembler(nil), cache, hist, 0.5, zap.NewNop()), cache, hist
}

func testEngine() *retrieval.Engine {
	chunks := []retrieval.Chunk{
		{ID: 0, Text: "Sun Wukong was born from a stone.", Length: 33},
		{ID: 1, Text: "The dragon king rules the eastern sea.", Length: 38},
	}
	return retrieval.NewEngine(chunks, [][]float32{{1, 0}, {0, 1}}, zap.NewNop())
}

func TestRAGStreamMissThenExactHit(t *testing.T) {
	fp := &fakeProvider{
		events: []llm.StreamEvent{thought("hmm"), token("Sun Wukong "), token("is a monkey."), doneEv},
		embed:  []float32{1, 0},
	}
	b, _, _ := testBroker(t, fp)
	engine := testEngine()

	em := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", engine, "Who is Sun Wukong?", 2, "", em)
	assert.Equal(t, []string{"sources", "content", "content", "done"}, em.events)
	assert.Equal(t, "Sun Wukong is a monkey.", em.content.String())

	// second identical request: served from exact cache, thought never replayed
	em2 := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", engine, "Who is Sun Wukong?", 2, "", em2)
	assert.Equal(t, []string{"sources", "cached", "content", "done"}, em2.events)
	assert.Equal(t, "Sun Wukong is a monkey.", em2.content.String())
	assert.Equal(t, true, em2.cached)
}

func TestRAGStreamSemanticHitCarriesProvenance(t *testing.T) {
	fp := &fakeProvider{
		events: []llm.StreamEvent{token("悟空是石猴。"), doneEv},
		embed:  []float32{1, 0, 0},
	}
	b, _, _ := testBroker(t, fp)
	engine := retrieval.NewEngine([]retrieval.Chunk{{ID: 0, Text: "猴王出世", Length: 4}}, [][]float32{{1, 0, 0}}, zap.NewNop())

	em := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", engine, "孙悟空是谁？", 3, "", em)
	require.Equal(t, "done", em.events[len(em.events)-1])

	// near-identical embedding, different wording: semantic tier hits
	fp.embed = []float32{1, 0.05, 0}
	em2 := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", engine, "Who is Monkey King?", 3, "", em2)
	assert.Equal(t, []string{"sources", "cached", "content", "done"}, em2.events)
	info, ok := em2.cached.(CachedInfo)
	require.True(t, ok)
	assert.True(t, info.Cached)
	assert.Equal(t, "孙悟空是谁？", info.OriginalQuestion)
	assert.Greater(t, info.Similarity, 96.0)
}

func TestRAGStreamUpstreamErrorNotCached(t *testing.T) {
	fp := &fakeProvider{
		events: []llm.StreamEvent{token("partial"), {Type: llm.EventError, Err: "boom"}},
		embed:  []float32{1, 0},
	}
	b, cache, _ := testBroker(t, fp)

	em := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", testEngine(), "q", 2, "", em)
	assert.Equal(t, "error:boom", em.events[len(em.events)-1])

	_, ok := cache.Get(context.Background(), "stream_ask", "q", 2)
	assert.False(t, ok)
}

func TestRAGStreamOpenFailureEmitsRateLimitMessage(t *testing.T) {
	fp := &fakeProvider{
		streamErr: fmt.Errorf("open: %w", llm.ErrRateLimited),
		embed:     []float32{1, 0},
	}
	b, _, _ := testBroker(t, fp)

	em := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", testEngine(), "q", 2, "", em)
	require.NotEmpty(t, em.events)
	assert.Contains(t, em.events[len(em.events)-1], "rate limited")
}

func TestRAGStreamClientDisconnectSuppressesCacheWrite(t *testing.T) {
	fp := &fakeProvider{
		events: []llm.StreamEvent{token("one"), token("two"), doneEv},
		embed:  []float32{1, 0},
	}
	b, cache, _ := testBroker(t, fp)

	em := &recordingEmitter{failOn: "content"}
	b.RAGStream(context.Background(), "stream_ask", testEngine(), "q", 2, "", em)
	assert.NotContains(t, em.events, "done")

	_, ok := cache.Get(context.Background(), "stream_ask", "q", 2)
	assert.False(t, ok)
}

func TestRAGStreamEmbedFailureDegrades(t *testing.T) {
	fp := &fakeProvider{
		events:   []llm.StreamEvent{token("answer"), doneEv},
		embedErr: errors.New("embedding down"),
	}
	b, _, _ := testBroker(t, fp)

	em := &recordingEmitter{}
	b.RAGStream(context.Background(), "stream_ask", testEngine(), "dragon king", 2, "", em)
	assert.Equal(t, "done", em.events[len(em.events)-1])
	assert.Equal(t, "answer", em.content.String())
}

func TestChatStreamRecordsTurn(t *testing.T) {
	fp := &fakeProvider{events: []llm.StreamEvent{token("nice to meet you"), doneEv}}
	b, _, hist := testBroker(t, fp)

	em := &recordingEmitter{}
	b.ChatStream(context.Background(), "stream_chat",
		[]llm.Message{{Role: "user", Content: "hello"}}, "c1", em)
	assert.Equal(t, []string{"content", "done"}, em.events)

	cc, err := hist.GetContext(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, cc.Messages, 2)
	assert.Equal(t, "hello", cc.Messages[0].Content)
	assert.Equal(t, "nice to meet you", cc.Messages[1].Content)
}

func TestChatStreamTriggersCompaction(t *testing.T) {
	fp := &fakeProvider{
		events:    []llm.StreamEvent{token("reply"), doneEv},
		generated: "summary of old rounds",
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := respcache.NewCache(rdb, respcache.Options{}, zap.NewNop())
	hist := history.NewStore(rdb, history.Options{SummarizeThreshold: 2, KeepRecent: 1}, zap.NewNop())
	b := New(fp, prompt.NewAssembler(nil), cache, hist, 0.5, zap.NewNop())

	for i := 0; i < 2; i++ {
		fp.events = []llm.StreamEvent{token("reply"), doneEv}
		em := &recordingEmitter{}
		b.ChatStream(context.Background(), "stream_chat",
			[]llm.Message{{Role: "user", Content: fmt.Sprintf("turn %d", i)}}, "c", em)
	}

	cc, err := hist.GetContext(context.Background(), "c")
	require.NoError(t, err)
	require.NotNil(t, cc.Summary)
	assert.Equal(t, "summary of old rounds", cc.Summary.Text)
	assert.Len(t, cc.Messages, 2)
	assert.Equal(t, 1, fp.genCalls)
	assert.Equal(t, 2, cc.TotalRounds)
}

func TestContinueStream(t *testing.T) {
	fp := &fakeProvider{events: []llm.StreamEvent{token("and so the story went on"), doneEv}}
	b, _, _ := testBroker(t, fp)

	em := &recordingEmitter{}
	b.ContinueStream(context.Background(), "stream_continue", "Once upon a time", em)
	assert.Equal(t, []string{"content", "done"}, em.events)
	assert.Equal(t, "and so the story went on", em.content.String())
}

func TestBufferEmitterAccumulates(t *testing.T) {
	fp := &fakeProvider{
		events: []llm.StreamEvent{token("part one, "), token("part two"), doneEv},
		embed:  []float32{1, 0},
	}
	b, _, _ := testBroker(t, fp)

	em := &BufferEmitter{}
	b.RAGStream(context.Background(), "ask", testEngine(), "q", 2, "", em)
	assert.True(t, em.Finished)
	assert.Empty(t, em.ErrMsg)
	assert.Equal(t, "part one, part two", em.Answer())
	assert.False(t, em.WasCached())
	assert.NotEmpty(t, em.SourcesJSON)
}
