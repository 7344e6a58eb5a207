package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/owner888/smartbook/internal/metrics"
)

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
// Reasoning deltas (o-series "reasoning_content") are surfaced as thought
// tokens so the broker can drop them.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	http       *http.Client
	streamHTTP *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type OpenAIOption func(*OpenAIClient)

func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithOpenAITimeouts(call, stream time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		c.http.Timeout = call
		c.streamHTTP.Timeout = stream
	}
}

func NewOpenAIClient(apiKey, baseURL, model, embedModel string, logger *zap.Logger, opts ...OpenAIOption) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
		http:       &http.Client{Timeout: 30 * time.Second},
		streamHTTP: &http.Client{Timeout: 120 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(8), 16),
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *OpenAIClient) Name() string { return "openai" }

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAIClient) messagesFor(req GenerateRequest) []oaiMessage {
	var msgs []oaiMessage
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, oaiMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func (c *OpenAIClient) modelFor(req GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func (c *OpenAIClient) do(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return client.Do(httpReq)
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.do(ctx, c.http, "/chat/completions", oaiChatRequest{
		Model:    c.modelFor(req),
		Messages: c.messagesFor(req),
	})
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("generate", "error").Inc()
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues("generate", "error").Inc()
		return "", err
	}
	var cr oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("openai decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	metrics.UpstreamRequests.WithLabelValues("generate", "ok").Inc()
	return cr.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, c.streamHTTP, "/chat/completions", oaiChatRequest{
		Model:    c.modelFor(req),
		Messages: c.messagesFor(req),
		Stream:   true,
	})
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("openai stream open: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues("stream", "error").Inc()
		return nil, err
	}
	metrics.UpstreamRequests.WithLabelValues("stream", "ok").Inc()

	ch := make(chan StreamEvent, 16)
	go c.pump(ctx, resp.Body, ch)
	return ch, nil
}

func (c *OpenAIClient) pump(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			send(StreamEvent{Type: EventDone})
			return
		}
		var chunk oaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream payload", zap.Error(err))
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.ReasoningContent != "" {
				if !send(StreamEvent{Type: EventToken, Text: choice.Delta.ReasoningContent, Thought: true}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !send(StreamEvent{Type: EventToken, Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(StreamEvent{Type: EventError, Err: err.Error()})
		return
	}
	if ctx.Err() != nil {
		return
	}
	// Stream ended without an explicit [DONE]; treat as a clean end.
	send(StreamEvent{Type: EventDone})
}

type oaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, c.http, "/embeddings", oaiEmbedRequest{Model: c.embedModel, Input: texts})
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed_batch", "error").Inc()
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed_batch", "error").Inc()
		return nil, err
	}
	var er oaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("openai embed decode: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(er.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, d := range er.Data {
		out[i] = d.Embedding
	}
	metrics.UpstreamRequests.WithLabelValues("embed_batch", "ok").Inc()
	return out, nil
}
