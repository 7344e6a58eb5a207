package mcp

import (
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/mcp/session"
)

// The server observes index builds so clients can follow them through the
// tasks methods and the back-channel.

// BuildStarted registers the build as a running task and announces it on
// every open back-channel.
func (s *Server) BuildStarted(file string) string {
	t := s.sessions.CreateTask("index_build", map[string]any{"book": file})
	t, err := s.sessions.UpdateTask(t.ID, func(tk *session.Task) {
		tk.Status = session.StatusRunning
	})
	if err != nil {
		s.logger.Warn("build task start failed", zap.String("book", file), zap.Error(err))
		return t.ID
	}
	s.broadcast("notifications/message", map[string]any{
		"level":  "info",
		"logger": "index",
		"data":   map[string]any{"taskId": t.ID, "book": file, "status": t.Status},
	})
	return t.ID
}

// BuildFinished moves the task to its terminal state and announces the
// outcome.
func (s *Server) BuildFinished(id, file string, chunks int, buildErr error) {
	t, err := s.sessions.UpdateTask(id, func(tk *session.Task) {
		if buildErr != nil {
			tk.Status = session.StatusFailed
			tk.Result = map[string]any{"error": simplify(buildErr.Error(), s.debug)}
			return
		}
		tk.Status = session.StatusCompleted
		tk.Result = map[string]any{"book": file, "chunks": chunks}
	})
	if err != nil {
		s.logger.Warn("build task finish failed", zap.String("task", id), zap.Error(err))
		return
	}
	s.broadcast("notifications/message", map[string]any{
		"level":  "info",
		"logger": "index",
		"data":   map[string]any{"taskId": t.ID, "book": file, "status": t.Status, "chunks": chunks},
	})
}

// broadcast pushes a server-initiated notification to every open
// back-channel.
func (s *Server) broadcast(method string, params any) {
	s.connMu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.connMu.Unlock()
	for _, id := range ids {
		s.Notify(id, method, params)
	}
}
