// Package envsched implements the EnvelopeScheduler (C6): a single
// long-lived coordinator that wakes pending envelopes whose deliverAt
// has arrived.
package envsched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evilpsycho42/hiboss"
)

// pollFloor bounds the sleep even with no known next deliverAt, so the
// scheduler tolerates clock jumps (§4.6, §9).
const pollFloor = 30 * time.Second

// Store is the subset of store.Store the scheduler needs.
type Store interface {
	GetDueDeferredEnvelopes(ctx context.Context, nowMs int64) ([]hiboss.Envelope, error)
	NextDeliverAt(ctx context.Context) (*int64, error)
}

// Dispatcher performs the same dispatch step the Router uses for a
// newly-due envelope (§4.5 step 3, reused from §4.6).
type Dispatcher interface {
	DispatchDue(ctx context.Context, e hiboss.Envelope)
}

// Scheduler is the envelope wake-up coordinator.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher

	mu     sync.Mutex
	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler; call Start to begin its loop.
func New(store Store, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		wakeCh:     make(chan struct{}, 1),
	}
}

// Start begins the coordinator loop in a goroutine. Idempotent: a
// second call while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
}

// Stop cancels the sleeper and waits for the current iteration to
// finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// OnEnvelopeCreated wakes the sleeper to recompute its next wake time
// (§4.6); it never blocks.
func (s *Scheduler) OnEnvelopeCreated(hiboss.Envelope) {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		sleep := s.nextSleep(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) nextSleep(ctx context.Context) time.Duration {
	next, err := s.store.NextDeliverAt(ctx)
	if err != nil {
		slog.Warn("envsched: NextDeliverAt failed", "error", err)
		return pollFloor
	}
	if next == nil {
		return pollFloor
	}
	d := time.Until(time.UnixMilli(*next))
	if d <= 0 {
		return 0
	}
	if d > pollFloor {
		return pollFloor
	}
	return d
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := s.store.GetDueDeferredEnvelopes(ctx, now)
	if err != nil {
		slog.Warn("envsched: GetDueDeferredEnvelopes failed", "error", err)
		return
	}
	for _, e := range due {
		s.dispatcher.DispatchDue(ctx, e)
	}
}
