// Package openaicompat implements a Generator against any
// OpenAI-compatible chat completions endpoint.
package openaicompat

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

	"github.com/veyra/creditgate"
)

// Backend calls an OpenAI-compatible /chat/completions endpoint and
// streams deltas back through the request callback.
type Backend struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

var _ creditgate.Generator = (*Backend)(nil)

// Option configures Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithModel sets the model name sent upstream (default "gpt-4o-mini").
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// New creates a backend for the given base URL and API key.
func New(baseURL, apiKey string, opts ...Option) *Backend {
	b := &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   "gpt-4o-mini",
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate sends the conversation upstream and accumulates the streamed
// deltas, invoking stream with the cumulative text after each one.
func (b *Backend) Generate(ctx context.Context, req creditgate.GenerationRequest, stream func(string)) (string, error) {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:    b.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openaicompat: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("openaicompat: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
			if stream != nil {
				stream(sb.String())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("openaicompat: read stream: %w", err)
	}
	return sb.String(), nil
}
