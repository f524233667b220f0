package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quill/internal/buffer"
	"github.com/quill/internal/persona"
	"github.com/quill/internal/redact"
	"github.com/quill/pkg/models"
)

// blockingGateway simulates a slow engine. Calls wait for release (or the
// request context, unless ignoreCtx is set, which models an engine that
// cannot abort mid-flight).
type blockingGateway struct {
	mu        sync.Mutex
	prompts   []string
	started   chan struct{}
	release   chan struct{}
	result    string
	err       error
	ignoreCtx bool
}

func newBlockingGateway(result string) *blockingGateway {
	return &blockingGateway{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		result:  result,
	}
}

// newInstantGateway returns without blocking.
func newInstantGateway(result string, err error) *blockingGateway {
	g := newBlockingGateway(result)
	g.err = err
	close(g.release)
	return g
}

func (g *blockingGateway) Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	g.started <- struct{}{}

	if g.ignoreCtx {
		<-g.release
		return g.result, g.err
	}
	select {
	case <-g.release:
		return g.result, g.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *blockingGateway) recordedPrompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// recordingListener captures deliveries and signals each one.
type recordingListener struct {
	mu        sync.Mutex
	results   map[string]string           // handle ID -> text
	failures  map[string]models.ErrorKind // handle ID -> kind
	fallbacks []models.RoleTag
	delivered chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		results:   make(map[string]string),
		failures:  make(map[string]models.ErrorKind),
		delivered: make(chan struct{}, 32),
	}
}

func (l *recordingListener) OnResult(h Handle, text string) {
	l.mu.Lock()
	l.results[h.ID] = text
	l.mu.Unlock()
	l.delivered <- struct{}{}
}

func (l *recordingListener) OnFailure(h Handle, kind models.ErrorKind) {
	l.mu.Lock()
	l.failures[h.ID] = kind
	l.mu.Unlock()
	l.delivered <- struct{}{}
}

func (l *recordingListener) OnPersonaFallback(h Handle, requested models.RoleTag) {
	l.mu.Lock()
	l.fallbacks = append(l.fallbacks, requested)
	l.mu.Unlock()
	l.delivered <- struct{}{}
}

func (l *recordingListener) waitDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-l.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
	}
}

func (l *recordingListener) counts() (results, failures, fallbacks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results), len(l.failures), len(l.fallbacks)
}

// fixedContext is a ContextProvider pinned to one role.
type fixedContext struct{ role models.RoleTag }

func (f fixedContext) Current() models.Snapshot {
	return models.Snapshot{AppID: "test", Role: f.role, At: time.Now()}
}

func testRegistry() *persona.Registry {
	return persona.NewRegistry(map[models.RoleTag]models.Persona{
		models.RoleCode: {
			Role:         models.RoleCode,
			SystemPrompt: "Code persona.",
			Params:       models.GenerationParams{MaxTokens: 64, Temperature: 0.2},
		},
		models.RoleDefault: {
			Role:         models.RoleDefault,
			SystemPrompt: "Default persona.",
			Params:       models.GenerationParams{MaxTokens: 256, Temperature: 0.7},
		},
	})
}

func newTestRouter(gw *blockingGateway, l Listener, buf *buffer.Buffer, role models.RoleTag, cfg Config) *Router {
	return New(redact.NewDefault(), testRegistry(), fixedContext{role: role}, buf, gw, l, cfg)
}

func waitForIdle(t *testing.T, r *Router, slot string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.SlotState(slot) != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("slot %q never returned to idle (state %v)", slot, r.SlotState(slot))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitDeliversResult(t *testing.T) {
	gw := newInstantGateway("a completion", nil)
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h, err := r.Submit(models.Request{Text: "write me something", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	l.waitDelivery(t)

	l.mu.Lock()
	got := l.results[h.ID]
	l.mu.Unlock()
	if got != "a completion" {
		t.Errorf("expected delivered completion, got %q", got)
	}
	waitForIdle(t, r, h.Slot)
	if r.LastOutcome(h.Slot) != StateCompleted {
		t.Errorf("expected completed outcome, got %v", r.LastOutcome(h.Slot))
	}
}

func TestPromptCarriesRedactedTextOnly(t *testing.T) {
	gw := newInstantGateway("ok", nil)
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	_, err := r.Submit(models.Request{
		Text:    "Contact me at john@example.com or 555-123-4567",
		Trigger: models.TriggerManual,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	l.waitDelivery(t)

	prompts := gw.recordedPrompts()
	if len(prompts) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(prompts))
	}
	if strings.Contains(prompts[0], "john@example.com") || strings.Contains(prompts[0], "555-123-4567") {
		t.Error("original sensitive text reached the gateway")
	}
	if !strings.Contains(prompts[0], "[EMAIL_REDACTED]") || !strings.Contains(prompts[0], "[PHONE_REDACTED]") {
		t.Error("placeholders missing from the assembled prompt")
	}
	if !strings.Contains(prompts[0], "Code persona.") {
		t.Error("persona system prompt missing from the assembled prompt")
	}
}

func TestSecondSubmitSupersedesFirst(t *testing.T) {
	gw := newBlockingGateway("late but wanted")
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h1, err := r.Submit(models.Request{Text: "first request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	<-gw.started
	if st := r.SlotState(h1.Slot); st != StateGenerating {
		t.Fatalf("expected generating, got %v", st)
	}

	// The second submit cancels the first and waits for it to stand down.
	h2, err := r.Submit(models.Request{Text: "second request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	<-gw.started
	close(gw.release)
	l.waitDelivery(t)

	l.mu.Lock()
	_, firstDelivered := l.results[h1.ID]
	secondText := l.results[h2.ID]
	l.mu.Unlock()
	if firstDelivered {
		t.Error("superseded request must never be delivered")
	}
	if secondText != "late but wanted" {
		t.Errorf("expected second request's result, got %q", secondText)
	}

	waitForIdle(t, r, h2.Slot)
	results, failures, _ := l.counts()
	if results != 1 || failures != 0 {
		t.Errorf("expected exactly one delivery, got %d results, %d failures", results, failures)
	}
}

func TestCancelDiscardsLateResult(t *testing.T) {
	// The engine here cannot abort mid-flight: it keeps computing and
	// returns a result after cancellation. That result must be discarded.
	gw := newBlockingGateway("stale completion")
	gw.ignoreCtx = true
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h, err := r.Submit(models.Request{Text: "some request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-gw.started

	r.Cancel(h)
	close(gw.release) // engine finishes anyway

	waitForIdle(t, r, h.Slot)
	if r.LastOutcome(h.Slot) != StateCancelled {
		t.Errorf("expected cancelled outcome, got %v", r.LastOutcome(h.Slot))
	}
	results, failures, _ := l.counts()
	if results != 0 || failures != 0 {
		t.Errorf("cancelled request leaked a delivery: %d results, %d failures", results, failures)
	}
}

func TestEngineTimeoutBecomesFailure(t *testing.T) {
	gw := newInstantGateway("", fmt.Errorf("%w: context deadline exceeded", models.ErrEngineTimeout))
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h, err := r.Submit(models.Request{Text: "some request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	l.waitDelivery(t)

	l.mu.Lock()
	kind := l.failures[h.ID]
	l.mu.Unlock()
	if kind != models.KindEngineTimeout {
		t.Errorf("expected engine_timeout, got %q", kind)
	}

	waitForIdle(t, r, h.Slot)
	if r.LastOutcome(h.Slot) != StateFailed {
		t.Errorf("expected failed outcome, got %v", r.LastOutcome(h.Slot))
	}
}

func TestEmptyInputFailsWithoutGatewayCall(t *testing.T) {
	gw := newInstantGateway("never used", nil)
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h, err := r.Submit(models.Request{Text: "   ", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	l.waitDelivery(t)

	l.mu.Lock()
	kind := l.failures[h.ID]
	l.mu.Unlock()
	if kind != models.KindInputEmpty {
		t.Errorf("expected input_empty, got %q", kind)
	}
	if len(gw.recordedPrompts()) != 0 {
		t.Error("empty input must not reach the gateway")
	}
}

func TestPersonaFallbackIsSignalled(t *testing.T) {
	gw := newInstantGateway("done", nil)
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleTag("gaming"), Config{})

	h, err := r.Submit(models.Request{Text: "some request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	// Two deliveries: the fallback signal and the result.
	l.waitDelivery(t)
	l.waitDelivery(t)

	l.mu.Lock()
	text := l.results[h.ID]
	fallbacks := append([]models.RoleTag(nil), l.fallbacks...)
	l.mu.Unlock()
	if text != "done" {
		t.Errorf("fallback is non-fatal; expected a result, got %q", text)
	}
	if len(fallbacks) != 1 || fallbacks[0] != models.RoleTag("gaming") {
		t.Errorf("expected one fallback signal for role gaming, got %v", fallbacks)
	}
	prompts := gw.recordedPrompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "Default persona.") {
		t.Error("expected the default persona to be used")
	}
}

func TestUseBufferReadsLatestSnapshot(t *testing.T) {
	gw := newInstantGateway("ok", nil)
	l := newRecordingListener()
	buf := buffer.New(0)
	buf.Append("the quick brown fox jumps")
	r := newTestRouter(gw, l, buf, models.RoleCode, Config{})

	_, err := r.Submit(models.Request{UseBuffer: true, Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	l.waitDelivery(t)

	prompts := gw.recordedPrompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "the quick brown fox jumps") {
		t.Error("buffer snapshot missing from the assembled prompt")
	}
}

func TestAutoTriggerCooldown(t *testing.T) {
	gw := newInstantGateway("ok", nil)
	l := newRecordingListener()
	buf := buffer.New(0)
	buf.Append("plenty of context in the buffer")
	r := newTestRouter(gw, l, buf, models.RoleCode, Config{AutoCooldown: time.Hour})

	if _, err := r.Submit(models.Request{UseBuffer: true, Trigger: models.TriggerAuto}); err != nil {
		t.Fatalf("first auto submit failed: %v", err)
	}
	_, err := r.Submit(models.Request{UseBuffer: true, Trigger: models.TriggerAuto})
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}

	// Manual triggers bypass the cooldown.
	if _, err := r.Submit(models.Request{UseBuffer: true, Trigger: models.TriggerManual}); err != nil {
		t.Errorf("manual submit must bypass cooldown, got %v", err)
	}
}

func TestAutoTriggerNeedsMinimumContext(t *testing.T) {
	gw := newInstantGateway("ok", nil)
	l := newRecordingListener()
	buf := buffer.New(0)
	buf.Append("short")
	r := newTestRouter(gw, l, buf, models.RoleCode, Config{AutoCooldown: time.Nanosecond, MinContext: 10})

	_, err := r.Submit(models.Request{UseBuffer: true, Trigger: models.TriggerAuto})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if len(gw.recordedPrompts()) != 0 {
		t.Error("below-threshold auto trigger must not reach the gateway")
	}
}

func TestCancelAckTimeoutForceResetsSlot(t *testing.T) {
	// First engine call never acknowledges cancellation; the second submit
	// must stop waiting after CancelWait and still run to completion.
	gw := newBlockingGateway("fresh result")
	gw.ignoreCtx = true
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{CancelWait: 20 * time.Millisecond})

	h1, err := r.Submit(models.Request{Text: "first request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	<-gw.started

	start := time.Now()
	h2, err := r.Submit(models.Request{Text: "second request text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("force reset took too long: %v", waited)
	}
	<-gw.started

	// Both stalled calls finish now; only the second may be delivered.
	close(gw.release)
	l.waitDelivery(t)

	l.mu.Lock()
	_, firstDelivered := l.results[h1.ID]
	secondText := l.results[h2.ID]
	l.mu.Unlock()
	if firstDelivered {
		t.Error("stale result delivered after force reset")
	}
	if secondText != "fresh result" {
		t.Errorf("expected the fresh result, got %q", secondText)
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	gw := newBlockingGateway("slot result")
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})

	h1, err := r.Submit(models.Request{Slot: "popup", Text: "first slot text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit to popup failed: %v", err)
	}
	<-gw.started

	// A submit on a different slot must not cancel the popup request.
	h2, err := r.Submit(models.Request{Slot: "dialog", Text: "second slot text", Trigger: models.TriggerManual})
	if err != nil {
		t.Fatalf("submit to dialog failed: %v", err)
	}
	<-gw.started

	close(gw.release)
	l.waitDelivery(t)
	l.waitDelivery(t)

	l.mu.Lock()
	_, first := l.results[h1.ID]
	_, second := l.results[h2.ID]
	l.mu.Unlock()
	if !first || !second {
		t.Error("requests on distinct slots must both be delivered")
	}
}

func TestIntakeFeedsRouterAndDropsWhenFull(t *testing.T) {
	gw := newInstantGateway("ok", nil)
	l := newRecordingListener()
	r := newTestRouter(gw, l, nil, models.RoleCode, Config{})
	in := NewIntake(r, 1)

	// Not started yet: the queue holds one request, the second is dropped.
	if !in.Push(models.Request{Text: "queued text", Trigger: models.TriggerManual}) {
		t.Fatal("first push should be accepted")
	}
	if in.Push(models.Request{Text: "overflow text", Trigger: models.TriggerManual}) {
		t.Fatal("second push should be dropped when the queue is full")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop()

	l.waitDelivery(t)
	results, _, _ := l.counts()
	if results != 1 {
		t.Errorf("expected the queued request to be delivered once, got %d", results)
	}
}
