package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/llm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the web front-end is served from a different origin in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsInbound is one client frame. Action selects the ingress kind; the other
// fields apply per action.
type wsInbound struct {
	Action   string        `json:"action"` // "ask" | "chat" | "continue"
	Question string        `json:"question"`
	TopK     int           `json:"top_k"`
	Messages []llm.Message `json:"messages"`
	ChatID   string        `json:"chat_id"`
	Prompt   string        `json:"prompt"`
}

// HandleWS upgrades the connection and serves inbound frames sequentially.
// Each frame runs the broker state machine with a WebSocket emitter.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	em := broker.NewWSEmitter(conn)
	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		s.serveWSFrame(r, in, em)
	}
}

func (s *Server) serveWSFrame(r *http.Request, in wsInbound, em *broker.WSEmitter) {
	ctx := r.Context()
	switch in.Action {
	case "ask":
		if in.Question == "" {
			_ = em.Error("question is required")
			return
		}
		entry, err := s.currentBook(ctx)
		if err != nil {
			_ = em.Error(err.Error())
			return
		}
		s.broker.RAGStream(ctx, "ws_ask", entry.Engine, in.Question, in.TopK, in.ChatID, em)
	case "chat":
		if len(in.Messages) == 0 {
			_ = em.Error("messages is required")
			return
		}
		s.broker.ChatStream(ctx, "ws_chat", in.Messages, in.ChatID, em)
	case "continue":
		text, err := s.continuationText(ctx, in.Prompt)
		if err != nil {
			_ = em.Error(err.Error())
			return
		}
		s.broker.ContinueStream(ctx, "ws_continue", text, em)
	default:
		_ = em.Error("unknown action " + in.Action)
	}
}

// WSRoutes builds the mux for the dedicated WebSocket listener.
func (s *Server) WSRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	return mux
}
