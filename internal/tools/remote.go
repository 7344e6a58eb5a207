package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// remoteTimeout caps one proxied single-shot HTTP call.
const remoteTimeout = 10 * time.Second

// RemoteClient speaks MCP JSON-RPC over Streamable HTTP to an external
// server so its tools can be re-exported from the local registry.
type RemoteClient struct {
	name      string
	endpoint  string
	http      *http.Client
	sessionID atomic.Value // string
	nextID    atomic.Int64
	logger    *zap.Logger
}

func NewRemoteClient(name, endpoint string, logger *zap.Logger) *RemoteClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RemoteClient{
		name:     name,
		endpoint: endpoint,
		http:     &http.Client{Timeout: remoteTimeout},
		logger:   logger,
	}
	c.sessionID.Store("")
	return c
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one request/response round trip, tracking the session id
// the server hands back.
func (c *RemoteClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	env := rpcEnvelope{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.sessionID.Load().(string); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote %s %s: %w", c.name, method, err)
	}
	defer resp.Body.Close()
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID.Store(sid)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("remote %s %s: status %d", c.name, method, resp.StatusCode)
	}

	var reply rpcEnvelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err := firstSSEMessage(resp)
		if err != nil {
			return nil, fmt.Errorf("remote %s %s: %w", c.name, method, err)
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("remote %s %s: parse stream reply: %w", c.name, method, err)
		}
	} else if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("remote %s %s: parse reply: %w", c.name, method, err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("remote %s %s: rpc error %d: %s", c.name, method, reply.Error.Code, reply.Error.Message)
	}
	return reply.Result, nil
}

// firstSSEMessage returns the first data payload of an SSE response body.
func firstSSEMessage(resp *http.Response) ([]byte, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream closed without a message")
}

// Connect initializes the remote session and returns its advertised tools.
func (c *RemoteClient) Connect(ctx context.Context) ([]Descriptor, error) {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "smartbook", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, err
	}

	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var listed struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("remote %s: parse tools/list: %w", c.name, err)
	}
	return listed.Tools, nil
}

// CallTool proxies one tools/call and flattens the text content blocks.
func (c *RemoteClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("remote %s: parse tools/call result: %w", c.name, err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// RegisterRemote connects to an external MCP server and re-exports its tools
// under "{server}_{tool}" names.
func (r *Registry) RegisterRemote(ctx context.Context, name, endpoint string) error {
	client := NewRemoteClient(name, endpoint, r.logger)
	descriptors, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect remote %s: %w", name, err)
	}
	for _, d := range descriptors {
		remoteName := d.Name
		d.Name = name + "_" + d.Name
		if d.Description == "" {
			d.Description = fmt.Sprintf("proxied from %s", name)
		}
		r.Register(Tool{
			Descriptor: d,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return client.CallTool(ctx, remoteName, args)
			},
		})
	}
	r.logger.Info("remote tools registered",
		zap.String("server", name), zap.Int("tools", len(descriptors)))
	return nil
}
