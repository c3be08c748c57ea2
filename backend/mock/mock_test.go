package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/creditgate"
	"github.com/veyra/creditgate/backend/mock"
)

func TestMockReplaysOutputsInOrder(t *testing.T) {
	b := mock.New(mock.WithOutputs("first", "second"))
	ctx := context.Background()
	req := creditgate.GenerationRequest{Prompt: "hi"}

	out, err := b.Generate(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = b.Generate(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	// The last output repeats once the script runs out.
	out, err = b.Generate(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, 3, b.Calls())
}

func TestMockStreamChunking(t *testing.T) {
	b := mock.New(mock.WithOutputs("abcdef"), mock.WithStreamChunk(2))

	var seen []string
	out, err := b.Generate(context.Background(), creditgate.GenerationRequest{Prompt: "hi"},
		func(cumulative string) { seen = append(seen, cumulative) })
	require.NoError(t, err)

	assert.Equal(t, "abcdef", out)
	assert.Equal(t, []string{"ab", "abcd", "abcdef"}, seen)
}

func TestMockError(t *testing.T) {
	boom := errors.New("boom")
	b := mock.New(mock.WithError(boom))

	_, err := b.Generate(context.Background(), creditgate.GenerationRequest{Prompt: "hi"}, nil)
	assert.ErrorIs(t, err, boom)
}
