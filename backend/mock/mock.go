// Package mock provides a scriptable Generator for tests and examples.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/veyra/creditgate"
)

// Backend is a Generator that replays scripted outputs.
type Backend struct {
	mu      sync.Mutex
	outputs []string
	err     error
	latency time.Duration
	chunk   int
	calls   int
	reqs    []creditgate.GenerationRequest
}

var _ creditgate.Generator = (*Backend)(nil)

// Option configures Backend.
type Option func(*Backend)

// WithOutputs sets the sequence of outputs; call N replays output
// min(N, len(outputs)-1).
func WithOutputs(outputs ...string) Option {
	return func(b *Backend) { b.outputs = outputs }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(b *Backend) { b.err = err }
}

// WithLatency adds a delay before each call completes; the delay
// respects context cancellation.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// WithStreamChunk streams the output to the callback in rune chunks of
// the given size instead of one shot.
func WithStreamChunk(n int) Option {
	return func(b *Backend) { b.chunk = n }
}

// New creates a mock Backend. Without options it echoes the prompt.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Generate replays the next scripted output, streaming cumulative text
// to the callback.
func (b *Backend) Generate(ctx context.Context, req creditgate.GenerationRequest, stream func(string)) (string, error) {
	b.mu.Lock()
	call := b.calls
	b.calls++
	b.reqs = append(b.reqs, req)
	out := "echo: " + req.Prompt
	if len(b.outputs) > 0 {
		if call >= len(b.outputs) {
			call = len(b.outputs) - 1
		}
		out = b.outputs[call]
	}
	err := b.err
	latency := b.latency
	chunk := b.chunk
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	if stream != nil {
		if chunk > 0 {
			runes := []rune(out)
			var sb strings.Builder
			for i := 0; i < len(runes); i += chunk {
				end := min(i+chunk, len(runes))
				sb.WriteString(string(runes[i:end]))
				stream(sb.String())
			}
		} else {
			stream(out)
		}
	}
	return out, nil
}

// Calls reports how many times Generate has been invoked.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Requests returns a copy of the requests seen so far.
func (b *Backend) Requests() []creditgate.GenerationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]creditgate.GenerationRequest, len(b.reqs))
	copy(out, b.reqs)
	return out
}
