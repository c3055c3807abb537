// Package pipeline turns a PR diff into a candidate artifact through an
// extract step and a synthesize step, validating the result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"careerline/internal/domain"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/metrics"
)

const (
	DefaultMaxRetries            = 2
	DefaultExtractTemperature    = 0.3
	DefaultSynthesizeTemperature = 0.5
)

var (
	ErrNoJSON = errors.New("No JSON found in LLM response")

	jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)
)

type Runner struct {
	Gen                   llm.TextGenerator
	MaxRetries            int
	ExtractTemperature    float32
	SynthesizeTemperature float32
	Logger                *logging.Logger
}

// NewRunner returns a Runner with the default retry budget and
// temperatures.
func NewRunner(gen llm.TextGenerator, logger *logging.Logger) Runner {
	return Runner{
		Gen:                   gen,
		MaxRetries:            DefaultMaxRetries,
		ExtractTemperature:    DefaultExtractTemperature,
		SynthesizeTemperature: DefaultSynthesizeTemperature,
		Logger:                logger,
	}
}

type Input struct {
	Event domain.InboundEvent
	Diff  string
	Stats domain.DiffStats
}

type Output struct {
	Card     map[string]any
	Valid    bool
	Errors   []domain.ValidationError
	Attempts int
}

// Run executes extract and synthesize, retrying the whole cycle while the
// candidate is invalid or a step fails and the retry budget allows. An
// invalid card after the last attempt is returned with Valid=false; a
// step error after the last attempt is returned as an error.
func (r Runner) Run(ctx context.Context, in Input) (Output, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	for attempt := 0; ; attempt++ {
		out := Output{Attempts: attempt + 1}
		card, err := r.cycle(ctx, in)
		if err != nil {
			metrics.PipelineAttempts.WithLabelValues("error").Inc()
			logger.Warn(ctx, "generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt < retries && ctx.Err() == nil {
				continue
			}
			return out, err
		}
		out.Card = card
		errs := ValidateCard(card)
		if len(errs) == 0 {
			metrics.PipelineAttempts.WithLabelValues("valid").Inc()
			out.Valid = true
			return out, nil
		}
		metrics.PipelineAttempts.WithLabelValues("invalid").Inc()
		logger.Warn(ctx, "generated card failed validation", zap.Int("attempt", attempt), zap.Strings("errors", FormatErrors(errs)))
		if attempt < retries && ctx.Err() == nil {
			continue
		}
		out.Errors = errs
		return out, nil
	}
}

func (r Runner) cycle(ctx context.Context, in Input) (map[string]any, error) {
	facts, err := r.Gen.Generate(ctx, extractPrompt(in), r.ExtractTemperature)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	text, err := r.Gen.Generate(ctx, synthesizePrompt(in.Event, facts), r.SynthesizeTemperature)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return ParseCard(text)
}

// ParseCard pulls the outermost JSON object out of model text, repairing
// it when it does not decode as is.
func ParseCard(text string) (map[string]any, error) {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return nil, ErrNoJSON
	}
	var card map[string]any
	if err := json.Unmarshal([]byte(raw), &card); err == nil {
		return card, nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair model json: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &card); err != nil {
		return nil, fmt.Errorf("decode repaired model json: %w", err)
	}
	return card, nil
}
