package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryRegisterListCall(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Tool{
		Descriptor: Descriptor{Name: "echo", Description: "echoes input"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	r.Register(Tool{
		Descriptor: Descriptor{Name: "fail"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("nope")
		},
	})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "echo", list[0].Name)
	assert.Equal(t, "fail", list[1].Name)

	out, err := r.Call(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Call(context.Background(), "fail", nil)
	assert.Error(t, err)

	_, err = r.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegisterReplacesKeepingOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Tool{Descriptor: Descriptor{Name: "a"}, Handler: func(context.Context, map[string]any) (string, error) { return "1", nil }})
	r.Register(Tool{Descriptor: Descriptor{Name: "b"}, Handler: func(context.Context, map[string]any) (string, error) { return "", nil }})
	r.Register(Tool{Descriptor: Descriptor{Name: "a"}, Handler: func(context.Context, map[string]any) (string, error) { return "2", nil }})

	assert.Equal(t, []string{"a", "b"}, r.Names())
	out, err := r.Call(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

// fakeRemote is a minimal MCP endpoint for the proxy client.
func fakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		w.Header().Set("Mcp-Session-Id", "remote-session-1")
		w.Header().Set("Content-Type", "application/json")

		var result any
		switch env.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2025-03-26"}
		case "tools/list":
			result = map[string]any{"tools": []Descriptor{
				{Name: "weather", Description: "current weather"},
			}}
		case "tools/call":
			// session must have been carried over from initialize
			assert.Equal(t, "remote-session-1", r.Header.Get("Mcp-Session-Id"))
			result = map[string]any{"content": []map[string]any{
				{"type": "text", "text": "sunny"},
			}}
		default:
			t.Fatalf("unexpected method %s", env.Method)
		}
		resultJSON, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcEnvelope{JSONRPC: "2.0", ID: env.ID, Result: resultJSON})
	}))
}

func TestRegisterRemoteProxiesCalls(t *testing.T) {
	srv := fakeRemote(t)
	t.Cleanup(srv.Close)

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.RegisterRemote(context.Background(), "wx", srv.URL))

	require.True(t, r.Has("wx_weather"))
	out, err := r.Call(context.Background(), "wx_weather", map[string]any{"city": "SF"})
	require.NoError(t, err)
	assert.Equal(t, "sunny", out)
}

func TestRemoteClientSSEReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		reply := rpcEnvelope{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`{"ok":true}`)}
		data, _ := json.Marshal(reply)
		w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewRemoteClient("r", srv.URL, zap.NewNop())
	result, err := c.call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRemoteClientRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcEnvelope{
			JSONRPC: "2.0", ID: 1,
			Error: &rpcError{Code: -32601, Message: "unknown method"},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewRemoteClient("r", srv.URL, zap.NewNop())
	_, err := c.call(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-32601")
}
