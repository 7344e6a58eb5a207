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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient talks to the Gemini REST API: single-shot and SSE-streaming
// generateContent plus embedContent / batchEmbedContents.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	http       *http.Client
	streamHTTP *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type GeminiOption func(*GeminiClient)

// WithGeminiBaseURL overrides the API endpoint (used by tests).
func WithGeminiBaseURL(u string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithGeminiTimeouts(call, stream time.Duration) GeminiOption {
	return func(c *GeminiClient) {
		c.http.Timeout = call
		c.streamHTTP.Timeout = stream
	}
}

func NewGeminiClient(apiKey, model, embedModel string, logger *zap.Logger, opts ...GeminiOption) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &GeminiClient{
		baseURL:    defaultGeminiBaseURL,
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

func (c *GeminiClient) Name() string { return "gemini" }

// Wire types for the Gemini API.

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiGenCfg struct {
	ThinkingConfig *struct {
		IncludeThoughts bool `json:"includeThoughts"`
	} `json:"thinkingConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GeminiClient) buildRequest(req GenerateRequest) geminiRequest {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		switch role {
		case "assistant":
			role = "model"
		case "system":
			// Gemini has no system role inside contents; fold into the
			// system instruction instead.
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
			}
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if req.EnableSearch {
		out.Tools = append(out.Tools, geminiTool{GoogleSearch: &struct{}{}})
	}
	if req.IncludeThoughts {
		out.GenerationConfig = &geminiGenCfg{ThinkingConfig: &struct {
			IncludeThoughts bool `json:"includeThoughts"`
		}{IncludeThoughts: true}}
	}
	return out
}

func (c *GeminiClient) modelFor(req GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

// Generate performs a single-shot completion. Thought parts are dropped.
func (c *GeminiClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.modelFor(req), c.apiKey)
	body, _ := json.Marshal(c.buildRequest(req))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("generate", "error").Inc()
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues("generate", "error").Inc()
		return "", err
	}
	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("gemini decode: %w", err)
	}
	metrics.UpstreamRequests.WithLabelValues("generate", "ok").Inc()
	return joinParts(gr), nil
}

// Stream opens a streaming completion over SSE (alt=sse). The returned
// channel yields tokens in arrival order and closes after Done or Error.
func (c *GeminiClient) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.modelFor(req), c.apiKey)
	body, _ := json.Marshal(c.buildRequest(req))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamHTTP.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("gemini stream open: %w", err)
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

// pump reads SSE data lines from the upstream body and forwards token events.
func (c *GeminiClient) pump(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
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
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			c.logger.Debug("skipping malformed stream payload", zap.Error(err))
			continue
		}
		if gr.Error != nil {
			send(StreamEvent{Type: EventError, Err: gr.Error.Message})
			return
		}
		for _, cand := range gr.Candidates {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				if !send(StreamEvent{Type: EventToken, Text: p.Text, Thought: p.Thought}) {
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
	send(StreamEvent{Type: EventDone})
}

type geminiEmbedRequest struct {
	Model   string        `json:"model,omitempty"`
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed returns the embedding vector for a single text.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", c.baseURL, c.embedModel, c.apiKey)
	body, _ := json.Marshal(geminiEmbedRequest{
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed", "error").Inc()
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed", "error").Inc()
		return nil, err
	}
	var er geminiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("gemini embed decode: %w", err)
	}
	metrics.UpstreamRequests.WithLabelValues("embed", "ok").Inc()
	return er.Embedding.Values, nil
}

// EmbedBatch embeds multiple texts in one request.
func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	reqs := make([]geminiEmbedRequest, len(texts))
	for i, t := range texts {
		reqs[i] = geminiEmbedRequest{
			Model:   "models/" + c.embedModel,
			Content: geminiContent{Parts: []geminiPart{{Text: t}}},
		}
	}
	body, _ := json.Marshal(map[string]any{"requests": reqs})

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", c.baseURL, c.embedModel, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed_batch", "error").Inc()
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues("embed_batch", "error").Inc()
		return nil, err
	}
	var er geminiBatchEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("gemini batch embed decode: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range er.Embeddings {
		out[i] = e.Values
	}
	metrics.UpstreamRequests.WithLabelValues("embed_batch", "ok").Inc()
	return out, nil
}

func joinParts(gr geminiResponse) string {
	var sb strings.Builder
	for _, cand := range gr.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Thought {
				continue
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// checkStatus maps non-200 upstream responses to errors, annotating 429.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
