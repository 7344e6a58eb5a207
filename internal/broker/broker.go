// Package broker connects ingress request kinds (RAG ask, chat,
// continuation) to egress emitters (SSE, WebSocket, buffered) while strictly
// forwarding upstream tokens without buffering full responses downstream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/history"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/metrics"
	"github.com/owner888/smartbook/internal/prompt"
	"github.com/owner888/smartbook/internal/respcache"
	"github.com/owner888/smartbook/internal/retrieval"
)

// Source is the canonical passage shape emitted to clients and stored in the
// cache. Text is never truncated.
type Source struct {
	ID           uint32  `json:"id"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	KeywordScore float64 `json:"keyword_score"`
	VectorScore  float64 `json:"vector_score"`
}

// CachedInfo is the payload of a semantic-hit "cached" event.
type CachedInfo struct {
	Cached           bool    `json:"cached"`
	OriginalQuestion string  `json:"original_question"`
	Similarity       float64 `json:"similarity"` // percentage, e.g. 97.0
}

// Emitter is one downstream wire protocol. Event order per stream: Sources,
// optionally Cached, zero or more Content, then exactly one Done or Error.
type Emitter interface {
	// Kind names the egress for metrics ("sse", "ws", "buffer").
	Kind() string
	Sources(data json.RawMessage) error
	Cached(payload any) error
	Content(text string) error
	Error(msg string) error
	Done() error
}

// Broker owns the per-request state machine.
type Broker struct {
	provider      llm.Provider
	assembler     *prompt.Assembler
	cache         *respcache.Cache
	history       *history.Store
	keywordWeight float64
	logger        *zap.Logger
}

func New(provider llm.Provider, assembler *prompt.Assembler, cache *respcache.Cache, hist *history.Store, keywordWeight float64, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keywordWeight < 0 || keywordWeight > 1 {
		keywordWeight = 0.5
	}
	return &Broker{
		provider:      provider,
		assembler:     assembler,
		cache:         cache,
		history:       hist,
		keywordWeight: keywordWeight,
		logger:        logger,
	}
}

func toSources(results []retrieval.Result) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{
			ID:           r.Chunk.ID,
			Text:         r.Chunk.Text,
			Score:        r.Score,
			KeywordScore: r.KeywordScore,
			VectorScore:  r.VectorScore,
		}
	}
	return out
}

// RAGStream answers a question over a book index: cache check, retrieval,
// prompt assembly, upstream stream. kind participates in the cache key so
// sync and streaming entries stay distinct.
func (b *Broker) RAGStream(ctx context.Context, kind string, engine *retrieval.Engine, question string, topK int, chatID string, em Emitter) {
	metrics.StreamsStarted.WithLabelValues(kind, em.Kind()).Inc()
	if topK <= 0 {
		topK = 8
	}

	// Exact tier first: no embedding call needed.
	if entry, ok := b.cache.Get(ctx, kind, question, topK); ok {
		b.emitCached(kind, em, entry, true)
		return
	}

	queryEmbedding, err := b.provider.Embed(ctx, question)
	if err != nil {
		b.logger.Warn("query embedding failed, keyword-only retrieval",
			zap.String("kind", kind), zap.Error(err))
		queryEmbedding = nil
	}

	if entry, hit, ok := b.cache.GetSemantic(ctx, queryEmbedding); ok {
		b.emitCached(kind, em, entry, CachedInfo{
			Cached:           true,
			OriginalQuestion: hit.MatchedQuestion,
			Similarity:       hit.Similarity * 100,
		})
		return
	}
	b.cache.Miss()

	results := engine.Search(ctx, question, queryEmbedding, topK, b.keywordWeight)
	sources := toSources(results)
	sourcesJSON, _ := json.Marshal(sources)
	if err := em.Sources(sourcesJSON); err != nil {
		metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
		return
	}

	summary := b.contextSummary(ctx, chatID)
	req := b.assembler.RAG(question, results, summary)

	b.forward(ctx, kind, req, em, func(answer string) {
		b.cache.Set(ctx, kind, question, topK,
			&respcache.Entry{Sources: sourcesJSON, Answer: answer}, queryEmbedding)
		b.recordTurn(ctx, chatID, question, answer)
	})
}

// ChatStream merges persisted context into the incoming messages and streams
// the reply. On a clean end the turn is appended and, when the window is
// full, compacted.
func (b *Broker) ChatStream(ctx context.Context, kind string, messages []llm.Message, chatID string, em Emitter) {
	metrics.StreamsStarted.WithLabelValues(kind, em.Kind()).Inc()

	var summary string
	var historyMsgs []llm.Message
	if chatID != "" {
		if cc, err := b.history.GetContext(ctx, chatID); err != nil {
			b.logger.Warn("history load failed, continuing without context",
				zap.String("chat_id", chatID), zap.Error(err))
		} else {
			historyMsgs = cc.Messages
			if cc.Summary != nil {
				summary = cc.Summary.Text
			}
		}
	}

	req := b.assembler.Chat(messages, summary, historyMsgs)
	b.forward(ctx, kind, req, em, func(answer string) {
		question := lastUserContent(messages)
		b.recordTurn(ctx, chatID, question, answer)
	})
}

// ContinueStream streams a style-preserving continuation of the prompt.
func (b *Broker) ContinueStream(ctx context.Context, kind, text string, em Emitter) {
	metrics.StreamsStarted.WithLabelValues(kind, em.Kind()).Inc()
	req := b.assembler.Continuation(text)
	b.forward(ctx, kind, req, em, nil)
}

// emitCached replays a stored entry: sources, cached marker, content, done.
func (b *Broker) emitCached(kind string, em Emitter, entry *respcache.Entry, cachedPayload any) {
	if err := em.Sources(entry.Sources); err != nil {
		metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
		return
	}
	if err := em.Cached(cachedPayload); err != nil {
		metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
		return
	}
	if err := em.Content(entry.Answer); err != nil {
		metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
		return
	}
	_ = em.Done()
	metrics.StreamsCompleted.WithLabelValues(kind, "cached").Inc()
}

// forward runs the upstream stream to completion. onComplete runs only on a
// clean upstream end; client disconnect and upstream errors suppress it.
func (b *Broker) forward(ctx context.Context, kind string, req llm.GenerateRequest, em Emitter, onComplete func(answer string)) {
	stream, err := b.provider.Stream(ctx, req)
	if err != nil {
		msg := upstreamErrorMessage(err)
		b.logger.Warn("upstream open failed", zap.String("kind", kind), zap.Error(err))
		_ = em.Error(msg)
		metrics.StreamsCompleted.WithLabelValues(kind, "error").Inc()
		return
	}

	var acc []byte
	for ev := range stream {
		switch ev.Type {
		case llm.EventToken:
			if ev.Thought {
				continue
			}
			if err := em.Content(ev.Text); err != nil {
				// Client gone: cancel upstream, drain, no cache write.
				metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
				return
			}
			acc = append(acc, ev.Text...)
			metrics.TokensForwarded.Inc()
		case llm.EventError:
			_ = em.Error(ev.Err)
			metrics.StreamsCompleted.WithLabelValues(kind, "error").Inc()
			return
		case llm.EventDone:
			if onComplete != nil {
				onComplete(string(acc))
			}
			_ = em.Done()
			metrics.StreamsCompleted.WithLabelValues(kind, "done").Inc()
			return
		}
	}
	// Channel closed without a terminal event: the context was cancelled.
	metrics.StreamsCompleted.WithLabelValues(kind, "cancelled").Inc()
}

// contextSummary returns the stored summary text for a chat id, if any.
func (b *Broker) contextSummary(ctx context.Context, chatID string) string {
	if chatID == "" {
		return ""
	}
	cc, err := b.history.GetContext(ctx, chatID)
	if err != nil || cc.Summary == nil {
		return ""
	}
	return cc.Summary.Text
}

// recordTurn appends a completed round and compacts when the window is full.
func (b *Broker) recordTurn(ctx context.Context, chatID, question, answer string) {
	if chatID == "" || question == "" {
		return
	}
	err := b.history.Append(ctx, chatID,
		llm.Message{Role: "user", Content: question},
		llm.Message{Role: "assistant", Content: answer})
	if err != nil {
		b.logger.Warn("history append failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	need, err := b.history.NeedsSummarization(ctx, chatID)
	if err != nil || !need {
		return
	}
	err = b.history.Compact(ctx, chatID, func(ctx context.Context, prev string, dropped []llm.Message) (string, error) {
		return b.provider.Generate(ctx, b.assembler.Summarize(prev, dropped))
	})
	if err != nil {
		b.logger.Warn("history compaction failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func upstreamErrorMessage(err error) string {
	if errors.Is(err, llm.ErrRateLimited) {
		return "upstream rate limited, please retry shortly"
	}
	return fmt.Sprintf("upstream request failed: %v", err)
}
