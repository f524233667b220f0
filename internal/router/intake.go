package router

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/quill/pkg/models"
)

// DefaultIntakeSize bounds the intake queue when the caller passes 0.
const DefaultIntakeSize = 8

// Intake decouples event producers (hotkey handlers, buffer debounce) from
// the router: producers push requests into a bounded queue and never block;
// the router drains it on its own schedule. A full queue drops the newest
// request, which is the right call for triggers that will fire again.
type Intake struct {
	router *Router
	queue  chan models.Request
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIntake creates an intake queue feeding r. size <= 0 selects
// DefaultIntakeSize.
func NewIntake(r *Router, size int) *Intake {
	if size <= 0 {
		size = DefaultIntakeSize
	}
	return &Intake{router: r, queue: make(chan models.Request, size)}
}

// Push enqueues a request without blocking. Returns false when the queue is
// full and the request was dropped.
func (i *Intake) Push(req models.Request) bool {
	select {
	case i.queue <- req:
		return true
	default:
		log.Debug().Str("slot", req.Slot).Str("trigger", string(req.Trigger)).Msg("Intake queue full, dropping request")
		return false
	}
}

// Start launches the consumer goroutine.
func (i *Intake) Start(ctx context.Context) {
	if i.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-i.queue:
				if _, err := i.router.Submit(req); err != nil {
					// Droppable submissions are routine, not errors.
					if errors.Is(err, ErrThrottled) || errors.Is(err, ErrNotReady) || errors.Is(err, ErrSuperseded) {
						continue
					}
					log.Debug().Err(err).Msg("Intake submission rejected")
				}
			}
		}
	}()
}

// Stop halts the consumer and waits for it to exit. Queued requests that
// were not yet submitted are abandoned.
func (i *Intake) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
	i.cancel = nil
}
