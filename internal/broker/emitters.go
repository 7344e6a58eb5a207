package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SSEEmitter writes broker events as Server-Sent Events. Writes are
// serialized so a heartbeat goroutine can share the connection.
type SSEEmitter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSEEmitter sets the SSE response headers and returns the emitter.
// Fails when the ResponseWriter cannot flush.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	return &SSEEmitter{w: w, flusher: flusher}, nil
}

func (e *SSEEmitter) Kind() string { return "sse" }

// writeEvent frames one event. Multi-line payloads become one data: line per
// line, per the SSE format.
func (e *SSEEmitter) writeEvent(name, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("stream closed")
	}
	var sb strings.Builder
	sb.WriteString("event: " + name + "\n")
	if payload == "" {
		sb.WriteString("data: \n")
	} else {
		for _, line := range strings.Split(payload, "\n") {
			sb.WriteString("data: " + line + "\n")
		}
	}
	sb.WriteString("\n")
	if _, err := fmt.Fprint(e.w, sb.String()); err != nil {
		e.closed = true
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *SSEEmitter) Sources(data json.RawMessage) error {
	return e.writeEvent("sources", string(data))
}

func (e *SSEEmitter) Cached(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.writeEvent("cached", string(data))
}

func (e *SSEEmitter) Content(text string) error { return e.writeEvent("content", text) }
func (e *SSEEmitter) Error(msg string) error    { return e.writeEvent("error", msg) }
func (e *SSEEmitter) Done() error               { return e.writeEvent("done", "") }

// Heartbeat writes an SSE comment line. Only long-lived channels call this.
func (e *SSEEmitter) Heartbeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(e.w, ": heartbeat %d\n\n", time.Now().Unix()); err != nil {
		e.closed = true
		return err
	}
	e.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line. Long-lived channels send one right
// after connecting so the response headers flush before the first event.
func (e *SSEEmitter) Comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		e.closed = true
		return err
	}
	e.flusher.Flush()
	return nil
}

// Event writes an arbitrary named event; the MCP back-channel uses this to
// push JSON-RPC envelopes as event: message.
func (e *SSEEmitter) Event(name string, data []byte) error {
	return e.writeEvent(name, string(data))
}

// WSEmitter frames broker events as WebSocket text frames
// {type: sources|cached|content|done|error, ...}.
type WSEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSEmitter(conn *websocket.Conn) *WSEmitter {
	return &WSEmitter{conn: conn}
}

func (e *WSEmitter) Kind() string { return "ws" }

func (e *WSEmitter) writeFrame(frame any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(frame)
}

func (e *WSEmitter) Sources(data json.RawMessage) error {
	return e.writeFrame(map[string]any{"type": "sources", "sources": data})
}

func (e *WSEmitter) Cached(payload any) error {
	return e.writeFrame(map[string]any{"type": "cached", "cached": payload})
}

func (e *WSEmitter) Content(text string) error {
	return e.writeFrame(map[string]any{"type": "content", "content": text})
}

func (e *WSEmitter) Error(msg string) error {
	return e.writeFrame(map[string]any{"type": "error", "error": msg})
}

func (e *WSEmitter) Done() error {
	return e.writeFrame(map[string]any{"type": "done"})
}

// BufferEmitter accumulates a whole stream in memory. The sync /api/ask,
// /api/chat, and /api/continue endpoints run the same state machine through
// this emitter.
type BufferEmitter struct {
	SourcesJSON json.RawMessage
	CachedInfo  any
	answer      strings.Builder
	ErrMsg      string
	Finished    bool
}

func (e *BufferEmitter) Kind() string { return "buffer" }

func (e *BufferEmitter) Sources(data json.RawMessage) error {
	e.SourcesJSON = data
	return nil
}

func (e *BufferEmitter) Cached(payload any) error {
	e.CachedInfo = payload
	return nil
}

func (e *BufferEmitter) Content(text string) error {
	e.answer.WriteString(text)
	return nil
}

func (e *BufferEmitter) Error(msg string) error {
	e.ErrMsg = msg
	e.Finished = true
	return nil
}

func (e *BufferEmitter) Done() error {
	e.Finished = true
	return nil
}

// Answer returns the accumulated content.
func (e *BufferEmitter) Answer() string { return e.answer.String() }

// WasCached reports whether the response was served from cache.
func (e *BufferEmitter) WasCached() bool { return e.CachedInfo != nil }
