// Package router coordinates the generation pipeline: it resolves input
// text, redacts it, binds a persona from the current context, and dispatches
// the assembled prompt to the inference gateway on a background goroutine.
//
// Each logical slot holds at most one in-flight generation. Submitting to an
// occupied slot cancels the prior request first; a result that arrives after
// its request was superseded or cancelled is discarded, never delivered.
package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quill/internal/engine"
	"github.com/quill/internal/persona"
	"github.com/quill/internal/redact"
	"github.com/quill/pkg/models"
)

// DefaultSlot is used when a request does not name a slot.
const DefaultSlot = "main"

// State is the per-request lifecycle position within a slot.
type State int32

const (
	StateIdle State = iota
	StateRedacting
	StateRouting
	StateGenerating
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRedacting:
		return "redacting"
	case StateRouting:
		return "routing"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state ends a request.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

var (
	// ErrThrottled means an auto-triggered submission was dropped by the
	// cooldown gate. Not a failure; no delivery happens.
	ErrThrottled = errors.New("auto trigger dropped by cooldown")
	// ErrNotReady means the buffer is still below the minimum context
	// length for auto triggers.
	ErrNotReady = errors.New("buffer below minimum context length")
	// ErrSuperseded means a newer submission claimed the slot while this
	// one was waiting for the prior generation to stand down.
	ErrSuperseded = errors.New("request superseded before dispatch")
)

// Handle identifies a submitted request for cancellation and delivery.
type Handle struct {
	ID   string
	Slot string
}

// Listener receives pipeline outcomes. Calls are fire-and-forget from the
// router's perspective; delivery happens off the router's goroutines.
type Listener interface {
	OnResult(h Handle, text string)
	OnFailure(h Handle, kind models.ErrorKind)
	OnPersonaFallback(h Handle, requested models.RoleTag)
}

// ContextProvider supplies the latest context snapshot.
type ContextProvider interface {
	Current() models.Snapshot
}

// BufferSource supplies the latest shared-buffer snapshot.
type BufferSource interface {
	Snapshot() (string, uint64)
}

// Config tunes router behavior. Zero values select the defaults.
type Config struct {
	// CancelWait bounds how long Submit waits for a prior generation to
	// acknowledge cancellation before force-resetting the slot.
	CancelWait time.Duration
	// AutoCooldown is the minimum spacing between accepted auto triggers.
	AutoCooldown time.Duration
	// MinContext is the minimum buffer length required for auto triggers.
	MinContext int
}

const (
	defaultCancelWait   = 2 * time.Second
	defaultAutoCooldown = 500 * time.Millisecond
	defaultMinContext   = 10
)

// Router is the pipeline coordinator.
type Router struct {
	redactor *redact.Redactor
	registry *persona.Registry
	tracker  ContextProvider
	buffer   BufferSource
	gateway  engine.Gateway
	listener Listener
	cooldown *rate.Limiter
	cfg      Config

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu          sync.Mutex
	state       State
	lastOutcome State
	gen         uint64
	active      *inflight
}

type inflight struct {
	handle     Handle
	cancel     context.CancelFunc
	done       chan struct{}
	superseded atomic.Bool
}

// New creates a Router. tracker and buffer may be nil when the caller only
// ever submits explicit text.
func New(redactor *redact.Redactor, registry *persona.Registry, tracker ContextProvider, buffer BufferSource, gateway engine.Gateway, listener Listener, cfg Config) *Router {
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = defaultCancelWait
	}
	if cfg.AutoCooldown <= 0 {
		cfg.AutoCooldown = defaultAutoCooldown
	}
	if cfg.MinContext <= 0 {
		cfg.MinContext = defaultMinContext
	}
	return &Router{
		redactor: redactor,
		registry: registry,
		tracker:  tracker,
		buffer:   buffer,
		gateway:  gateway,
		listener: listener,
		cooldown: rate.NewLimiter(rate.Every(cfg.AutoCooldown), 1),
		cfg:      cfg,
	}
}

// Submit runs the fast pipeline stages synchronously and hands the prompt to
// the gateway on a background goroutine. If the slot is occupied, the prior
// request is cancelled first and Submit waits (bounded by CancelWait) for it
// to stand down. The returned handle is valid even when an error is
// returned; errors mean no generation was dispatched and nothing will be
// delivered for this handle.
func (r *Router) Submit(req models.Request) (Handle, error) {
	if req.Slot == "" {
		req.Slot = DefaultSlot
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !req.Mode.Valid() {
		req.Mode = models.ModeComplete
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	h := Handle{ID: req.ID, Slot: req.Slot}

	// Auto triggers are droppable: cooldown first, then the minimum
	// context gate. Manual triggers bypass both.
	if req.Trigger == models.TriggerAuto {
		if !r.cooldown.Allow() {
			return h, ErrThrottled
		}
		if req.UseBuffer && r.buffer != nil {
			if text, _ := r.buffer.Snapshot(); len(text) < r.cfg.MinContext {
				return h, ErrNotReady
			}
		}
	}

	s := r.slot(req.Slot)

	// Claim the slot: supersede whatever is in flight.
	s.mu.Lock()
	prior := s.active
	if prior != nil {
		prior.superseded.Store(true)
		prior.cancel()
	}
	s.gen++
	myGen := s.gen
	s.mu.Unlock()

	if prior != nil {
		select {
		case <-prior.done:
		case <-time.After(r.cfg.CancelWait):
			// The engine did not stand down in time. The superseded
			// flag already guarantees its result is discarded, so the
			// slot is safe to reuse.
			log.Warn().
				Str("slot", req.Slot).
				Str("stale_request", prior.handle.ID).
				Msg("Cancel acknowledgement timed out, force-resetting slot")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	fl := &inflight{handle: h, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.gen != myGen {
		// A fresher Submit claimed the slot while we waited.
		s.mu.Unlock()
		cancel()
		close(fl.done)
		return h, ErrSuperseded
	}
	s.active = fl
	s.state = StateRedacting
	s.mu.Unlock()

	// Redacting: resolve source text and strip PII.
	text := strings.TrimSpace(req.Text)
	if req.UseBuffer && r.buffer != nil {
		text, _ = r.buffer.Snapshot()
	}
	if text == "" {
		r.finish(s, fl, myGen, StateFailed)
		r.deliver(fl, func(l Listener) { l.OnFailure(h, models.KindInputEmpty) })
		return h, nil
	}
	cleaned, matches := r.redactor.Redact(text)
	if len(matches) > 0 {
		log.Debug().
			Str("request", req.ID).
			Int("pii_matches", len(matches)).
			Msg("Redacted sensitive spans from input")
	}

	if fl.superseded.Load() {
		r.finish(s, fl, myGen, StateCancelled)
		return h, nil
	}

	// Routing: classify context, bind persona, assemble the prompt.
	s.setState(myGen, StateRouting)
	role := models.RoleDefault
	if r.tracker != nil {
		role = r.tracker.Current().Role
	}
	p, fellBack := r.registry.Resolve(role)
	if fellBack {
		log.Debug().
			Str("request", req.ID).
			Str("requested_role", string(role)).
			Msg("Persona not found, using default")
		r.deliver(fl, func(l Listener) { l.OnPersonaFallback(h, role) })
	}
	prompt := persona.BuildPrompt(p, cleaned, req.Mode)

	// Generating: the only slow stage, off the interactive path.
	s.setState(myGen, StateGenerating)
	log.Debug().
		Str("request", req.ID).
		Str("slot", req.Slot).
		Str("role", string(p.Role)).
		Str("mode", string(req.Mode)).
		Str("trigger", string(req.Trigger)).
		Msg("Dispatching generation")
	go r.generate(ctx, s, fl, myGen, prompt, p.Params)
	return h, nil
}

// Cancel requests cooperative cancellation of an in-flight generation. It is
// a no-op when the handle no longer occupies its slot.
func (r *Router) Cancel(h Handle) {
	if h.Slot == "" {
		h.Slot = DefaultSlot
	}
	s := r.slot(h.Slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.handle.ID == h.ID {
		s.active.superseded.Store(true)
		s.active.cancel()
		log.Debug().Str("request", h.ID).Str("slot", h.Slot).Msg("Cancellation requested")
	}
}

// SlotState returns the current activity state of a slot (StateIdle when
// nothing is in flight).
func (r *Router) SlotState(name string) State {
	s := r.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastOutcome returns the terminal state of the slot's most recently
// finished request.
func (r *Router) LastOutcome(name string) State {
	s := r.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

func (r *Router) slot(name string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots == nil {
		r.slots = make(map[string]*slot)
	}
	s, ok := r.slots[name]
	if !ok {
		s = &slot{state: StateIdle, lastOutcome: StateIdle}
		r.slots[name] = s
	}
	return s
}

// generate runs the gateway call and resolves the request. Runs on its own
// goroutine; everything it reports is gated on the superseded flag.
func (r *Router) generate(ctx context.Context, s *slot, fl *inflight, gen uint64, prompt string, params models.GenerationParams) {
	out, err := r.gateway.Generate(ctx, prompt, params)

	if fl.superseded.Load() || errors.Is(ctx.Err(), context.Canceled) {
		if err == nil {
			log.Debug().
				Str("request", fl.handle.ID).
				Msg("Discarding completion that arrived after cancellation")
		}
		r.finish(s, fl, gen, StateCancelled)
		return
	}

	if err != nil {
		kind := models.Kind(err)
		log.Debug().
			Str("request", fl.handle.ID).
			Str("kind", string(kind)).
			Msg("Generation failed")
		r.finish(s, fl, gen, StateFailed)
		r.deliver(fl, func(l Listener) { l.OnFailure(fl.handle, kind) })
		return
	}

	r.finish(s, fl, gen, StateCompleted)
	r.deliver(fl, func(l Listener) { l.OnResult(fl.handle, out) })
}

// finish records the terminal state, returns the slot to idle, and releases
// anyone waiting for this request to stand down.
func (r *Router) finish(s *slot, fl *inflight, gen uint64, terminal State) {
	s.mu.Lock()
	if s.gen == gen {
		s.lastOutcome = terminal
		s.state = StateIdle
		s.active = nil
	}
	s.mu.Unlock()
	fl.cancel()
	close(fl.done)
}

// setState updates the slot's activity state if this request still owns it.
func (s *slot) setState(gen uint64, st State) {
	s.mu.Lock()
	if s.gen == gen {
		s.state = st
	}
	s.mu.Unlock()
}

// deliver invokes the listener off the router's goroutines. The superseded
// check here is the last gate: once a request is superseded nothing about it
// reaches the sink.
func (r *Router) deliver(fl *inflight, f func(Listener)) {
	if r.listener == nil || fl.superseded.Load() {
		return
	}
	go f(r.listener)
}
