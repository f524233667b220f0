// Package appcontext tracks the foreground application and the role derived
// from it. The actual window observation is an external collaborator; this
// package only polls it and keeps the latest snapshot available.
package appcontext

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quill/internal/classify"
	"github.com/quill/pkg/models"
)

// Source supplies the current foreground application identifier. Returning
// an empty string is fine; it classifies to the default role.
type Source func() string

// DefaultPollInterval is used when the caller passes 0.
const DefaultPollInterval = 2 * time.Second

// Tracker polls a Source and maintains the latest context snapshot. Reads
// are lock-free; the poll loop runs on its own goroutine between Start and
// Stop.
type Tracker struct {
	source     Source
	classifier *classify.Classifier
	interval   time.Duration

	current atomic.Pointer[models.Snapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a Tracker. interval <= 0 selects DefaultPollInterval.
func NewTracker(source Source, classifier *classify.Classifier, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := &Tracker{source: source, classifier: classifier, interval: interval}
	t.current.Store(&models.Snapshot{Role: classifier.DefaultRole(), At: time.Now()})
	return t
}

// Refresh observes the source once and updates the snapshot. Safe to call
// directly, with or without the poll loop running.
func (t *Tracker) Refresh() models.Snapshot {
	appID := t.source()
	role := t.classifier.Classify(appID)

	prev := t.current.Load()
	snap := models.Snapshot{AppID: appID, Role: role, At: time.Now()}
	t.current.Store(&snap)

	if prev == nil || prev.Role != role {
		log.Debug().
			Str("role", string(role)).
			Msg("Context role switched")
	}
	return snap
}

// Current returns the latest snapshot without touching the source.
func (t *Tracker) Current() models.Snapshot {
	return *t.current.Load()
}

// Start launches the poll loop. Calling Start twice without Stop is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Refresh()
			}
		}
	}()
	log.Debug().Dur("interval", t.interval).Msg("Context tracker started")
}

// Stop halts the poll loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
