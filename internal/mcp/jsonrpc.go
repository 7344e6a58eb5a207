// Package mcp implements the Model-Context-Protocol JSON-RPC server over
// Streamable HTTP: method dispatch, tools, resources, prompts, completions,
// tasks, and the SSE back-channel.
package mcp

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// JSON-RPC error codes used by the server.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request expects no response.
func (r rpcRequest) notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

func errResponse(id json.RawMessage, code int, message string) rpcResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func okResponse(id json.RawMessage, result any) rpcResponse {
	if result == nil {
		result = map[string]any{}
	}
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

var (
	pathPattern = regexp.MustCompile(`(/[^\s:]+)+`)
	linePattern = regexp.MustCompile(`(?i)\b(line|offset|position)\s+\d+`)
)

// simplify strips file paths and line positions from error text so clients
// see stable, terse messages. Debug mode returns the raw text.
func simplify(msg string, debug bool) string {
	if debug {
		return msg
	}
	msg = pathPattern.ReplaceAllString(msg, "...")
	msg = linePattern.ReplaceAllString(msg, "")
	return msg
}
