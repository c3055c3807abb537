package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careerline/internal/config"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	boom := errors.New("boom")
	s := &Scripted{Responses: []any{"first", boom, "last"}}
	ctx := context.Background()

	out, err := s.Generate(ctx, "p1", 0.3)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	_, err = s.Generate(ctx, "p2", 0.3)
	require.ErrorIs(t, err, boom)

	for i := 0; i < 2; i++ {
		out, err = s.Generate(ctx, "p", 0.5)
		require.NoError(t, err)
		assert.Equal(t, "last", out)
	}
	assert.Equal(t, 4, s.Calls())
	assert.Equal(t, []string{"p1", "p2", "p", "p"}, s.Prompts)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Generate(context.Background(), "x", 0)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestNewGenAIRequiresKey(t *testing.T) {
	_, err := NewGenAI(context.Background(), config.LLMConfig{Backend: config.LLMBackendGemini, Model: "gemini-1.5-pro"})
	require.Error(t, err)
}
