package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/quill/internal/retry"
	"github.com/quill/pkg/models"
)

// fakeModel scripts the model boundary: each call pops the next step, so a
// test can stage failures before a success or block until the deadline.
type fakeModel struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (string, error)
	calls int
}

func (m *fakeModel) next() func(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.steps) == 0 {
		return func(context.Context) (string, error) { return "", errors.New("no scripted response") }
	}
	step := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	return step
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	out, err := m.next()(ctx)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: out}},
	}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return m.next()(ctx)
}

func respond(text string) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) { return text, nil }
}

func fail(msg string) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", errors.New(msg) }
}

// blockUntilDone parks until the call's context expires, like a model that
// never answers.
func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func noRetries() retry.Config {
	return retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestGenerateReturnsTrimmedCompletion(t *testing.T) {
	model := &fakeModel{steps: []func(ctx context.Context) (string, error){respond("  a fine completion\n")}}
	g := newGateway(model, time.Second, noRetries())

	out, err := g.Generate(context.Background(), "prompt", models.GenerationParams{Temperature: 0.7, MaxTokens: 64})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "a fine completion" {
		t.Errorf("expected trimmed completion, got %q", out)
	}
	if model.callCount() != 1 {
		t.Errorf("expected a single model call, got %d", model.callCount())
	}
}

func TestGenerateTimeoutMapsToEngineTimeout(t *testing.T) {
	model := &fakeModel{steps: []func(ctx context.Context) (string, error){blockUntilDone}}
	g := newGateway(model, 30*time.Millisecond, noRetries())

	start := time.Now()
	_, err := g.Generate(context.Background(), "prompt", models.GenerationParams{})
	if !errors.Is(err, models.ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("deadline did not bound the call, took %v", elapsed)
	}
}

func TestGenerateCallerCancelPassesThrough(t *testing.T) {
	model := &fakeModel{steps: []func(ctx context.Context) (string, error){blockUntilDone}}
	g := newGateway(model, time.Second, noRetries())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := g.Generate(ctx, "prompt", models.GenerationParams{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, models.ErrEngineFailure) || errors.Is(err, models.ErrEngineTimeout) {
		t.Errorf("cancellation must not be reported as an engine error, got %v", err)
	}
}

func TestGenerateBlankCompletionFails(t *testing.T) {
	for _, blank := range []string{"", "   ", "\n\t \n"} {
		model := &fakeModel{steps: []func(ctx context.Context) (string, error){respond(blank)}}
		g := newGateway(model, time.Second, noRetries())

		_, err := g.Generate(context.Background(), "prompt", models.GenerationParams{})
		if !errors.Is(err, models.ErrEngineFailure) {
			t.Errorf("blank completion %q: expected ErrEngineFailure, got %v", blank, err)
		}
	}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{steps: []func(ctx context.Context) (string, error){
		fail("connection refused"),
		fail("connection refused"),
		respond("third time lucky"),
	}}
	g := newGateway(model, time.Second, retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	out, err := g.Generate(context.Background(), "prompt", models.GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "third time lucky" {
		t.Errorf("unexpected completion %q", out)
	}
	if model.callCount() != 3 {
		t.Errorf("expected 3 model calls, got %d", model.callCount())
	}
}

func TestGenerateNonRetryableFailsFast(t *testing.T) {
	model := &fakeModel{steps: []func(ctx context.Context) (string, error){fail("model not found")}}
	g := newGateway(model, time.Second, retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	_, err := g.Generate(context.Background(), "prompt", models.GenerationParams{})
	if !errors.Is(err, models.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}
	if model.callCount() != 1 {
		t.Errorf("non-retryable error must not be retried, got %d calls", model.callCount())
	}
}
