// Package engine wraps the local language model behind a uniform
// text-completion call. The model is served by Ollama and reached through
// langchaingo; everything above this package treats it as an opaque, slow,
// blocking capability.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/quill/internal/retry"
	"github.com/quill/pkg/models"
)

// Gateway is the inference boundary consumed by the router.
type Gateway interface {
	Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error)
}

// Options configures the Ollama-backed gateway.
type Options struct {
	ServerURL string        // defaults to http://localhost:11434
	Model     string        // e.g. "qwen2.5:1.5b"
	Timeout   time.Duration // per-call deadline; 0 means no gateway-imposed deadline
	Retry     retry.Config
}

// OllamaGateway generates completions against a locally hosted model.
type OllamaGateway struct {
	llm     llms.Model
	timeout time.Duration
	retry   retry.Config
}

// NewOllamaGateway connects to the local Ollama server. Construction does
// not touch the network; a dead server surfaces on the first Generate call.
func NewOllamaGateway(opts Options) (*OllamaGateway, error) {
	if opts.ServerURL == "" {
		opts.ServerURL = "http://localhost:11434"
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("engine: model name is required")
	}

	llm, err := ollama.New(
		ollama.WithServerURL(opts.ServerURL),
		ollama.WithModel(opts.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create ollama client: %w", err)
	}

	log.Debug().
		Str("server_url", opts.ServerURL).
		Str("model", opts.Model).
		Dur("timeout", opts.Timeout).
		Msg("Inference gateway ready")

	return newGateway(llm, opts.Timeout, opts.Retry), nil
}

// newGateway wraps an already-constructed model. Production code goes
// through NewOllamaGateway; tests substitute the model here.
func newGateway(llm llms.Model, timeout time.Duration, rc retry.Config) *OllamaGateway {
	return &OllamaGateway{llm: llm, timeout: timeout, retry: rc}
}

// Generate runs one completion. Deadline expiry maps to ErrEngineTimeout,
// a blank completion to ErrEngineFailure, and caller cancellation is
// returned as context.Canceled untouched. Transient transport errors are
// retried inside the call, bounded by the deadline.
func (g *OllamaGateway) Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	callOptions := []llms.CallOption{}
	if params.Temperature > 0 {
		callOptions = append(callOptions, llms.WithTemperature(params.Temperature))
	}
	if params.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(params.MaxTokens))
	}
	if len(params.StopSequences) > 0 {
		callOptions = append(callOptions, llms.WithStopWords(params.StopSequences))
	}

	start := time.Now()
	var completion string
	result := retry.Do(ctx, g.retry, func() error {
		out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, callOptions...)
		if err != nil {
			return err
		}
		completion = out
		return nil
	})

	if !result.Success {
		return "", g.classify(ctx, result.LastError, result.Attempts, time.Since(start))
	}

	completion = strings.TrimSpace(completion)
	if completion == "" {
		return "", models.ErrEngineFailure
	}

	log.Debug().
		Int("attempts", result.Attempts).
		Dur("duration", time.Since(start)).
		Int("completion_len", len(completion)).
		Msg("Generation finished")
	return completion, nil
}

// classify folds the raw transport error into the pipeline's error kinds.
func (g *OllamaGateway) classify(ctx context.Context, err error, attempts int, elapsed time.Duration) error {
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Debug().
			Dur("elapsed", elapsed).
			Dur("configured_timeout", g.timeout).
			Msg("Generation timed out")
		return fmt.Errorf("%w: %v", models.ErrEngineTimeout, err)
	default:
		log.Debug().
			Int("attempts", attempts).
			Err(err).
			Msg("Generation failed")
		return fmt.Errorf("%w: %v", models.ErrEngineFailure, err)
	}
}
