// Package llm exposes text generation as a prompt-in, text-out capability.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"careerline/internal/config"
)

// TextGenerator turns a prompt into model text.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, temperature float32) (string, error)
}

// ErrDisabled is returned by the generator used when llm.backend is none.
var ErrDisabled = errors.New("llm backend disabled")

// GenAI is a TextGenerator backed by the Gemini API or Vertex AI.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI builds a client from cfg. The client holds no background
// resources; Close exists to satisfy the process teardown contract.
func NewGenAI(ctx context.Context, cfg config.LLMConfig) (*GenAI, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Backend {
	case config.LLMBackendVertex:
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	default:
		if !cfg.APIKey.IsSet() {
			return nil, fmt.Errorf("llm.api_key is required for backend %s", cfg.Backend)
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey.Value()
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAI{client: client, model: cfg.Model}, nil
}

func (g *GenAI) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)},
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("empty model response")
	}
	return text, nil
}

func (g *GenAI) Close() error { return nil }

// Disabled fails every call; it stands in when no backend is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, float32) (string, error) {
	return "", ErrDisabled
}

// Scripted replays canned responses in order; the last one repeats.
// Entries that are errors are returned as such.
type Scripted struct {
	Responses []any
	Prompts   []string

	mu    sync.Mutex
	calls int
}

func (s *Scripted) Generate(_ context.Context, prompt string, _ float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if len(s.Responses) == 0 {
		return "", errors.New("no scripted response")
	}
	idx := s.calls
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	s.calls++
	switch v := s.Responses[idx].(type) {
	case error:
		return "", v
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("unsupported scripted response %T", v)
	}
}

// Calls reports how many times Generate ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
