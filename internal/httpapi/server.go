// Package httpapi exposes the web surface: sync endpoints, SSE streaming
// endpoints, stats, health, and the WebSocket framing.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/book"
	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/respcache"
)

// Server handles the /api surface over one shared broker.
type Server struct {
	broker      *broker.Broker
	registry    *book.Registry
	cache       *respcache.Cache
	defaultBook string // optional filename override; else first library entry
	logger      *zap.Logger
}

func NewServer(b *broker.Broker, registry *book.Registry, cache *respcache.Cache, defaultBook string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		broker:      b,
		registry:    registry,
		cache:       cache,
		defaultBook: defaultBook,
		logger:      logger,
	}
}

// Routes builds the mux for the web server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/continue", s.handleContinue)
	mux.HandleFunc("POST /api/stream/ask", s.handleStreamAsk)
	mux.HandleFunc("POST /api/stream/chat", s.handleStreamChat)
	mux.HandleFunc("POST /api/stream/continue", s.handleStreamContinue)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /api/vectors/stats", s.handleVectorStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// currentBook resolves the served book: the configured override, else the
// first indexed library entry, else the first entry.
func (s *Server) currentBook(ctx context.Context) (*book.Entry, error) {
	file := s.defaultBook
	if file == "" {
		infos, err := s.registry.Library().List()
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			return nil, fmt.Errorf("book library is empty")
		}
		file = infos[0].File
		for _, info := range infos {
			if info.HasIndex {
				file = info.File
				break
			}
		}
	}
	return s.registry.Get(ctx, file)
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	ChatID   string        `json:"chat_id"`
}

type continueRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Question == "" {
		s.badRequest(w, "question is required")
		return
	}
	entry, err := s.currentBook(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}

	em := &broker.BufferEmitter{}
	s.broker.RAGStream(r.Context(), "ask", entry.Engine, req.Question, req.TopK, "", em)
	if em.ErrMsg != "" {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": em.ErrMsg,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"question": req.Question,
		"answer":   em.Answer(),
		"sources":  em.SourcesJSON,
		"cached":   em.WasCached(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		s.badRequest(w, "messages is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}

	em := &broker.BufferEmitter{}
	s.broker.ChatStream(r.Context(), "chat", req.Messages, req.ChatID, em)
	if em.ErrMsg != "" {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": em.ErrMsg,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"answer":  em.Answer(),
		"chat_id": req.ChatID,
	})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if !s.decode(w, r, &req) {
		return
	}
	text, err := s.continuationText(r.Context(), req.Prompt)
	if err != nil {
		s.serverError(w, err)
		return
	}

	em := &broker.BufferEmitter{}
	s.broker.ContinueStream(r.Context(), "continue", text, em)
	if em.ErrMsg != "" {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": em.ErrMsg,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"story":   em.Answer(),
	})
}

// continuationText defaults the prompt to the tail of the current book so an
// empty body continues the story where the book stops.
func (s *Server) continuationText(ctx context.Context, promptText string) (string, error) {
	if promptText != "" {
		return promptText, nil
	}
	entry, err := s.currentBook(ctx)
	if err != nil {
		return "", err
	}
	last := entry.Engine.LastChunk()
	if last == "" {
		return "", fmt.Errorf("no text available to continue")
	}
	return last, nil
}

func (s *Server) handleStreamAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Question == "" {
		s.badRequest(w, "question is required")
		return
	}
	entry, err := s.currentBook(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	em, err := broker.NewSSEEmitter(w)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.broker.RAGStream(r.Context(), "stream_ask", entry.Engine, req.Question, req.TopK, "", em)
}

func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		s.badRequest(w, "messages is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}
	w.Header().Set("X-Chat-Id", req.ChatID)
	em, err := broker.NewSSEEmitter(w)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.broker.ChatStream(r.Context(), "stream_chat", req.Messages, req.ChatID, em)
}

func (s *Server) handleStreamContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if !s.decode(w, r, &req) {
		return
	}
	text, err := s.continuationText(r.Context(), req.Prompt)
	if err != nil {
		s.serverError(w, err)
		return
	}
	em, err := broker.NewSSEEmitter(w)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.broker.ContinueStream(r.Context(), "stream_continue", text, em)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	connected, items := s.cache.Stats(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connected":    connected,
		"cached_items": items,
	})
}

func (s *Server) handleVectorStats(w http.ResponseWriter, r *http.Request) {
	entry, err := s.currentBook(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"initialized":  false,
			"vector_count": 0,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"initialized":  entry.Engine.Dimension() > 0,
		"vector_count": entry.Engine.Size(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.Library().List()
	books := len(infos)
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"books":     books,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.badRequest(w, "invalid request body")
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false, "error": msg,
	})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false, "error": err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
