package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/book"
	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/chunker"
	"github.com/owner888/smartbook/internal/history"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/prompt"
	"github.com/owner888/smartbook/internal/respcache"
)

// scriptedProvider yields a fixed token stream for every call.
type scriptedProvider struct {
	tokens   []string
	embedDim int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return strings.Join(p.tokens, ""), nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, len(p.tokens)+1)
	for _, tok := range p.tokens {
		ch <- llm.StreamEvent{Type: llm.EventToken, Text: tok}
	}
	ch <- llm.StreamEvent{Type: llm.EventDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.embedDim)
	vec[0] = 1
	return vec, nil
}

func (p *scriptedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = p.Embed(ctx, texts[i])
	}
	return out, nil
}

func newTestServer(t *testing.T, tokens []string) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	booksDir := t.TempDir()
	cacheDir := t.TempDir()
	text := "Sun Wukong was born from a stone on the Mountain of Flowers and Fruit.\n\n" +
		"He storms the heavenly palace and battles Nezha before the Jade Emperor.\n\n" +
		"The dragon king of the eastern sea lends him the golden staff."
	require.NoError(t, os.WriteFile(filepath.Join(booksDir, "journey.txt"), []byte(text), 0o644))

	provider := &scriptedProvider{tokens: tokens, embedDim: 4}
	logger := zap.NewNop()

	lib := book.NewLibrary(booksDir, cacheDir, book.DefaultExtractors(), logger)
	builder := book.NewBuilder(book.DefaultExtractors(), chunker.New(chunker.Config{ChunkSize: 80, Overlap: 10}), provider, logger)
	registry := book.NewRegistry(lib, builder, logger)

	cache := respcache.NewCache(rdb, respcache.Options{}, logger)
	hist := history.NewStore(rdb, history.Options{}, logger)
	bk := broker.New(provider, prompt.NewAssembler(nil), cache, hist, 0.5, logger)
	return NewServer(bk, registry, cache, "journey.txt", logger)
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// parseSSE splits a response body into (event, joined-data) pairs.
func parseSSE(body string) [][2]string {
	var out [][2]string
	for _, block := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		var name string
		var data []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
		if name != "" {
			out = append(out, [2]string{name, strings.Join(data, "\n")})
		}
	}
	return out
}

func TestStreamAskMissThenCached(t *testing.T) {
	s := newTestServer(t, []string{"Sun Wukong ", "is the Monkey King."})
	mux := s.Routes()

	rec := postJSON(t, mux, "/api/stream/ask", `{"question":"Who is Sun Wukong?","top_k":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "sources", events[0][0])
	var sources []broker.Source
	require.NoError(t, json.Unmarshal([]byte(events[0][1]), &sources))
	require.Len(t, sources, 2)
	assert.GreaterOrEqual(t, sources[0].Score, sources[1].Score)

	// content events concatenate to the final answer; done terminates
	var answer strings.Builder
	for _, ev := range events[1:] {
		if ev[0] == "content" {
			answer.WriteString(ev[1])
		}
	}
	assert.Equal(t, "Sun Wukong is the Monkey King.", answer.String())
	assert.Equal(t, "done", events[len(events)-1][0])

	// identical request replays from cache with the cached marker
	rec2 := postJSON(t, mux, "/api/stream/ask", `{"question":"Who is Sun Wukong?","top_k":2}`)
	events2 := parseSSE(rec2.Body.String())
	require.GreaterOrEqual(t, len(events2), 4)
	assert.Equal(t, "sources", events2[0][0])
	assert.Equal(t, "cached", events2[1][0])
	assert.Equal(t, "true", events2[1][1])
	assert.Equal(t, "done", events2[len(events2)-1][0])
}

func TestStreamTerminationExactlyOnce(t *testing.T) {
	s := newTestServer(t, []string{"answer"})
	mux := s.Routes()
	rec := postJSON(t, mux, "/api/stream/ask", `{"question":"dragon king","top_k":1}`)
	events := parseSSE(rec.Body.String())

	terminals := 0
	for i, ev := range events {
		if ev[0] == "done" || ev[0] == "error" {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestAskSyncEndpoint(t *testing.T) {
	s := newTestServer(t, []string{"He is ", "the stone monkey."})
	mux := s.Routes()

	rec := postJSON(t, mux, "/api/ask", `{"question":"Who is Sun Wukong?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Answer  string          `json:"answer"`
		Sources json.RawMessage `json:"sources"`
		Cached  bool            `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "He is the stone monkey.", resp.Answer)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.Sources)

	// second call is served from cache
	rec2 := postJSON(t, mux, "/api/ask", `{"question":"Who is Sun Wukong?"}`)
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "He is the stone monkey.", resp.Answer)
}

func TestAskValidatesQuestion(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Routes(), "/api/ask", `{"top_k":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "question")
}

func TestChatSyncEndpoint(t *testing.T) {
	s := newTestServer(t, []string{"hello there"})
	rec := postJSON(t, s.Routes(), "/api/chat", `{"messages":[{"role":"user","content":"hi"}],"chat_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Answer  string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "hello there", resp.Answer)
}

func TestContinueDefaultsToBookTail(t *testing.T) {
	s := newTestServer(t, []string{"and the journey west began."})
	rec := postJSON(t, s.Routes(), "/api/continue", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Story   string `json:"story"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "and the journey west began.", resp.Story)
}

func TestMalformedBodyRejected(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Routes(), "/api/ask", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	s := newTestServer(t, []string{"x"})
	mux := s.Routes()

	// warm the cache with one entry
	postJSON(t, mux, "/api/ask", `{"question":"q"}`)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil))
	var cacheStats struct {
		Connected   bool  `json:"connected"`
		CachedItems int64 `json:"cached_items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cacheStats))
	assert.True(t, cacheStats.Connected)
	assert.EqualValues(t, 1, cacheStats.CachedItems)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vectors/stats", nil))
	var vecStats struct {
		Initialized bool `json:"initialized"`
		VectorCount int  `json:"vector_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vecStats))
	assert.True(t, vecStats.Initialized)
	assert.Positive(t, vecStats.VectorCount)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestWebSocketAskFraming(t *testing.T) {
	s := newTestServer(t, []string{"Wukong ", "wins."})
	srv := httptest.NewServer(s.WSRoutes())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "ask", "question": "Who wins?", "top_k": 1,
	}))

	var types []string
	var answer strings.Builder
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		ft, _ := frame["type"].(string)
		types = append(types, ft)
		if ft == "content" {
			answer.WriteString(frame["content"].(string))
		}
		if ft == "done" || ft == "error" {
			break
		}
	}
	assert.Equal(t, "sources", types[0])
	assert.Equal(t, "done", types[len(types)-1])
	assert.Equal(t, "Wukong wins.", answer.String())
}

func TestWebSocketUnknownAction(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.WSRoutes())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "dance"}))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, fmt.Sprint(frame["error"]), "unknown action")
}
