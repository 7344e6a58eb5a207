package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/mcp/session"
	"github.com/owner888/smartbook/internal/tools"
)

type handlerFunc func(s *Server, ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError)

var methodTable = map[string]handlerFunc{
	"initialize":               (*Server).handleInitialize,
	"ping":                     (*Server).handlePing,
	"tools/list":               (*Server).handleToolsList,
	"tools/call":               (*Server).handleToolsCall,
	"resources/list":           (*Server).handleResourcesList,
	"resources/read":           (*Server).handleResourcesRead,
	"resources/templates/list": (*Server).handleResourceTemplates,
	"prompts/list":             (*Server).handlePromptsList,
	"prompts/get":              (*Server).handlePromptsGet,
	"completion/complete":      (*Server).handleComplete,
	"tasks/list":               (*Server).handleTasksList,
	"tasks/get":                (*Server).handleTasksGet,
	"tasks/cancel":             (*Server).handleTasksCancel,
	"tasks/result":             (*Server).handleTasksResult,
	"logging/setLevel":         (*Server).handleSetLevel,
}

// dispatch routes one request. The bool result is false for notifications,
// which produce no response.
func (s *Server) dispatch(ctx context.Context, sess session.Session, req rpcRequest) (rpcResponse, bool) {
	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.notification() {
			return rpcResponse{}, false
		}
		return errResponse(req.ID, codeInvalidRequest, "invalid request"), true
	}

	switch req.Method {
	case "notifications/initialized":
		return rpcResponse{}, false
	case "notifications/cancelled":
		s.handleCancelled(req.Params)
		return rpcResponse{}, false
	}

	handler, ok := methodTable[req.Method]
	if !ok {
		if req.notification() {
			return rpcResponse{}, false
		}
		return errResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method), true
	}

	result, rpcErr := handler(s, ctx, sess, req.Params)
	if req.notification() {
		return rpcResponse{}, false
	}
	if rpcErr != nil {
		rpcErr.Message = simplify(rpcErr.Message, s.debug)
		resp := errResponse(req.ID, rpcErr.Code, rpcErr.Message)
		resp.Error.Data = rpcErr.Data
		return resp, true
	}
	return okResponse(req.ID, result), true
}

func invalidParams(format string, args ...any) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *rpcError {
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}

func (s *Server) handleInitialize(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ClientInfo      session.ClientInfo `json:"clientInfo"`
		Capabilities    map[string]any     `json:"capabilities"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid initialize params")
		}
	}
	s.sessions.Update(sess.ID, func(st *session.Session) {
		st.ClientInfo = p.ClientInfo
		st.ProtocolVersion = p.ProtocolVersion
	})
	s.logger.Info("session initialized",
		zap.String("session", sess.ID),
		zap.String("client", p.ClientInfo.Name))

	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": false},
			"resources":   map[string]any{"subscribe": false, "listChanged": false},
			"prompts":     map[string]any{"listChanged": false},
			"completions": map[string]any{},
			"logging":     map[string]any{},
		},
		"instructions": "Book-analysis server. Select a book with select_book, " +
			"then use search_book to retrieve passages and the book:// resources " +
			"for metadata and structure.",
	}, nil
}

func (s *Server) handlePing(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	return map[string]any{}, nil
}

func (s *Server) handleToolsList(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	return map[string]any{"tools": s.registry.List()}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, invalidParams("tools/call requires a name")
	}

	out, err := s.registry.Call(withSessionID(ctx, sess.ID), p.Name, p.Arguments)
	if errors.Is(err, tools.ErrUnknownTool) {
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown tool: " + p.Name}
	}
	if err != nil {
		// tool execution failures are results, not protocol errors
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": simplify(err.Error(), s.debug)}},
			"isError": true,
		}, nil
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": out}},
	}, nil
}

func (s *Server) handleCancelled(params json.RawMessage) {
	var p struct {
		TaskID    string `json:"taskId"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	id := p.TaskID
	if id == "" {
		id = p.RequestID
	}
	if id == "" {
		return
	}
	if _, err := s.sessions.CancelTask(id); err != nil {
		s.logger.Debug("cancellation ignored", zap.String("task", id), zap.Error(err))
	}
}

func (s *Server) handleTasksList(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	return map[string]any{"tasks": s.sessions.ListTasks()}, nil
}

func taskIDParam(params json.RawMessage) (string, *rpcError) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return "", invalidParams("taskId is required")
	}
	return p.TaskID, nil
}

func (s *Server) handleTasksGet(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	id, rpcErr := taskIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.sessions.GetTask(id)
	if err != nil {
		return nil, invalidParams("unknown task: %s", id)
	}
	return map[string]any{"task": t}, nil
}

func (s *Server) handleTasksCancel(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	id, rpcErr := taskIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.sessions.CancelTask(id)
	switch {
	case errors.Is(err, session.ErrTaskTerminal):
		return nil, invalidParams("task %s is already in a terminal state", id)
	case errors.Is(err, session.ErrTaskNotFound):
		return nil, invalidParams("unknown task: %s", id)
	case err != nil:
		return nil, internalError(err)
	}
	return map[string]any{"task": t}, nil
}

func (s *Server) handleTasksResult(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	id, rpcErr := taskIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, err := s.sessions.GetTask(id)
	if err != nil {
		return nil, invalidParams("unknown task: %s", id)
	}
	if t.Status != session.StatusCompleted {
		return nil, invalidParams("task %s has no result (status %s)", id, t.Status)
	}
	return map[string]any{"result": t.Result}, nil
}

func (s *Server) handleSetLevel(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Level == "" {
		return nil, invalidParams("level is required")
	}
	switch p.Level {
	case "debug", "info", "notice", "warning", "error", "critical", "alert", "emergency":
	default:
		return nil, invalidParams("unknown log level %q", p.Level)
	}
	s.sessions.Update(sess.ID, func(st *session.Session) {
		st.LogLevel = p.Level
	})
	return map[string]any{}, nil
}
