package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/book"
	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/mcp/session"
	"github.com/owner888/smartbook/internal/tools"
)

const (
	protocolVersion   = "2025-03-26"
	serverName        = "smartbook"
	serverVersion     = "1.0.0"
	sessionHeader     = "Mcp-Session-Id"
	heartbeatInterval = 15 * time.Second
)

// Server is the MCP endpoint. One HTTP path accepts POST (JSON-RPC), GET
// (SSE back-channel), and DELETE (session termination).
type Server struct {
	sessions      *session.Manager
	registry      *tools.Registry
	books         *book.Registry
	provider      llm.Provider
	keywordWeight float64
	debug         bool
	logger        *zap.Logger

	heartbeat time.Duration

	connMu sync.Mutex
	conns  map[string]*broker.SSEEmitter
}

// Options tunes the server beyond its collaborators.
type Options struct {
	KeywordWeight float64
	Debug         bool
	// Heartbeat overrides the back-channel heartbeat period (tests).
	Heartbeat time.Duration
}

func NewServer(sessions *session.Manager, registry *tools.Registry, books *book.Registry, provider llm.Provider, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeywordWeight <= 0 || opts.KeywordWeight > 1 {
		opts.KeywordWeight = 0.5
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = heartbeatInterval
	}
	s := &Server{
		sessions:      sessions,
		registry:      registry,
		books:         books,
		provider:      provider,
		keywordWeight: opts.KeywordWeight,
		debug:         opts.Debug,
		logger:        logger,
		heartbeat:     opts.Heartbeat,
		conns:         map[string]*broker.SSEEmitter{},
	}
	s.registerBookTools()
	books.SetObserver(s)
	return s
}

// Routes builds the mux for the MCP listener.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.ServeHTTP)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleSSE(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// resolveSession maps the request header to a session, recreating unknown
// ids and allocating a fresh one when the header is absent.
func (s *Server) resolveSession(r *http.Request) session.Session {
	if id := r.Header.Get(sessionHeader); id != "" {
		return s.sessions.GetOrRecreate(id)
	}
	return s.sessions.Create(session.ClientInfo{}, "")
}

// acceptsBoth checks the POST Accept requirement: the header must accept
// both application/json and text/event-stream.
func acceptsBoth(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return (strings.Contains(accept, "application/json") || strings.Contains(accept, "*/*")) &&
		(strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "*/*"))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if !acceptsBoth(r) {
		http.Error(w, "Accept must include application/json and text/event-stream", http.StatusBadRequest)
		return
	}

	sess := s.resolveSession(r)
	w.Header().Set(sessionHeader, sess.ID)

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		s.writeRPC(w, errResponse(nil, codeParseError, "failed to read request body"))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		s.writeRPC(w, errResponse(nil, codeInvalidRequest, "empty request"))
		return
	}

	if trimmed[0] == '[' {
		s.handleBatch(w, r.Context(), sess, trimmed)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		s.writeRPC(w, errResponse(nil, codeParseError, "parse error"))
		return
	}
	resp, respond := s.dispatch(r.Context(), sess, req)
	if !respond {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeRPC(w, resp)
}

// handleBatch dispatches a top-level array in order. Notifications produce
// no entries; an empty result set returns 202 with no body.
func (s *Server) handleBatch(w http.ResponseWriter, ctx context.Context, sess session.Session, body []byte) {
	var reqs []json.RawMessage
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeRPC(w, errResponse(nil, codeParseError, "parse error"))
		return
	}
	if len(reqs) == 0 {
		s.writeRPC(w, errResponse(nil, codeInvalidRequest, "empty batch"))
		return
	}

	responses := make([]rpcResponse, 0, len(reqs))
	for _, raw := range reqs {
		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, errResponse(nil, codeInvalidRequest, "invalid request"))
			continue
		}
		if resp, respond := s.dispatch(ctx, sess, req); respond {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id required", http.StatusBadRequest)
		return
	}
	s.sessions.Delete(id)
	s.dropConn(id)
	w.Header().Set(sessionHeader, id)
	s.writeJSON(w, http.StatusOK, map[string]any{})
	s.logger.Info("session terminated", zap.String("id", id))
}

// handleSSE opens the back-channel: an SSE stream kept alive by heartbeats,
// over which server-initiated notifications reach the client.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusBadRequest)
		return
	}
	sess := s.resolveSession(r)
	w.Header().Set(sessionHeader, sess.ID)

	em, err := broker.NewSSEEmitter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// acknowledge the stream before the first heartbeat tick
	if err := em.Comment("connected"); err != nil {
		return
	}

	s.connMu.Lock()
	s.conns[sess.ID] = em
	s.connMu.Unlock()
	defer s.dropConn(sess.ID)

	s.logger.Debug("back-channel opened", zap.String("session", sess.ID))

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := em.Heartbeat(); err != nil {
				// write failure removes the entry, nothing else
				return
			}
		}
	}
}

func (s *Server) dropConn(sessionID string) {
	s.connMu.Lock()
	delete(s.conns, sessionID)
	s.connMu.Unlock()
}

// Notify pushes a server-initiated notification over the session's
// back-channel, if one is open.
func (s *Server) Notify(sessionID, method string, params any) bool {
	s.connMu.Lock()
	em, ok := s.conns[sessionID]
	s.connMu.Unlock()
	if !ok {
		return false
	}
	env := map[string]any{"jsonrpc": "2.0", "method": method, "params": params}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if err := em.Event("message", data); err != nil {
		s.dropConn(sessionID)
		return false
	}
	return true
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("mcp response encode failed", zap.Error(err))
	}
}
