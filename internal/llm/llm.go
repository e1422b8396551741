// Package llm is a client for OpenAI-compatible chat completion endpoints.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/rowpilot/internal/config"
	"go.uber.org/zap"
)

const defaultSystemPrompt = "You are a helpful assistant."

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   float32        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// Result is the outcome of one successful generation.
type Result struct {
	Text    string
	Tokens  int
	Elapsed time.Duration
}

type Client struct {
	fallback     Endpoint
	systemPrompt string
	temperature  float32
	maxTokens    int
	retryCount   int
	retryDelay   time.Duration
	timeout      time.Duration
	http         *http.Client
	log          *zap.SugaredLogger
}

func NewClient(cfg config.LLMConfig, log *zap.SugaredLogger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 1
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &Client{
		fallback: Endpoint{
			Name:    "config",
			BaseURL: normalizeBaseURL(cfg.BaseURL),
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Stream:  cfg.Stream,
		},
		systemPrompt: systemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		retryCount:   retryCount,
		retryDelay:   cfg.RetryDelay,
		timeout:      timeout,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		log: log,
	}
}

// Generate sends the prompt and optional base64 images to the endpoint bound
// to ctx, or to the configured one. Failed attempts are retried up to the
// configured count with a fixed delay.
func (c *Client) Generate(ctx context.Context, prompt string, images []string) (Result, error) {
	ep, ok := EndpointFrom(ctx)
	if !ok {
		ep = c.fallback
	}
	if ep.BaseURL == "" {
		return Result{}, errors.New("llm base URL is not configured")
	}

	payload, err := c.buildPayload(ep, prompt, images)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		text, tokens, err := c.call(ctx, ep, payload)
		if err == nil {
			return Result{Text: text, Tokens: tokens, Elapsed: time.Since(start)}, nil
		}
		lastErr = err

		c.log.Warnw("llm_call_failed",
			"attempt", attempt,
			"max_attempts", c.retryCount,
			"endpoint", ep.Name,
			"model", ep.Model,
			"stream", ep.Stream,
			"error", err,
		)

		if ctx.Err() != nil || attempt == c.retryCount {
			break
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	return Result{}, fmt.Errorf("llm request failed after %d attempts: %w", c.retryCount, lastErr)
}

// buildPayload encodes the request. Endpoint params override request fields
// except the messages and the stream settings.
func (c *Client) buildPayload(ep Endpoint, prompt string, images []string) ([]byte, error) {
	req := ChatRequest{
		Model:       ep.Model,
		Messages:    BuildMessages(c.systemPrompt, prompt, images),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      ep.Stream,
	}
	if ep.Stream {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(ep.Params) == 0 {
		return payload, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(payload, &merged); err != nil {
		return nil, fmt.Errorf("merge params: %w", err)
	}
	for k, v := range ep.Params {
		switch k {
		case "messages", "stream", "stream_options":
			continue
		}
		merged[k] = v
	}

	payload, err = json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return payload, nil
}

// BuildMessages assembles the system and user messages. Images are attached
// as data URIs; empty payloads are skipped.
func BuildMessages(systemPrompt, prompt string, images []string) []Message {
	messages := []Message{{Role: "system", Content: systemPrompt}}

	parts := []ContentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		if img == "" {
			continue
		}
		url := img
		if !strings.HasPrefix(img, "data:image") {
			url = "data:image/jpeg;base64," + img
		}
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
	}

	if len(parts) == 1 {
		return append(messages, Message{Role: "user", Content: prompt})
	}
	return append(messages, Message{Role: "user", Content: parts})
}

func (c *Client) call(ctx context.Context, ep Endpoint, payload []byte) (string, int, error) {
	timeout := c.timeout
	if ep.Stream {
		timeout *= 2
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if ep.Stream {
		return readStream(resp.Body)
	}
	return readCompletion(resp.Body)
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func readCompletion(body io.Reader) (string, int, error) {
	var decoded chatCompletionResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", 0, errors.New("response missing choices")
	}

	tokens := 0
	if decoded.Usage != nil {
		tokens = decoded.Usage.TotalTokens
	}
	return decoded.Choices[0].Message.Content, tokens, nil
}

// readStream consumes a server-sent event stream. When the server reports no
// usage the token count is estimated from the word count.
func readStream(body io.Reader) (string, int, error) {
	var (
		content strings.Builder
		tokens  int
		chunks  int
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", 0, fmt.Errorf("decode stream chunk: %w", err)
		}
		chunks++
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
			tokens = chunk.Usage.TotalTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("read stream: %w", err)
	}
	if chunks == 0 {
		return "", 0, errors.New("stream returned no chunks")
	}

	text := content.String()
	if tokens == 0 {
		tokens = EstimateTokens(text)
	}
	return text, tokens, nil
}

func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, "/chat/completions")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
