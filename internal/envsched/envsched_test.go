package envsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss"
)

type fakeStore struct {
	mu        sync.Mutex
	due       []hiboss.Envelope
	nextMs    *int64
	callCount int
}

func (f *fakeStore) GetDueDeferredEnvelopes(ctx context.Context, nowMs int64) ([]hiboss.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeStore) NextDeliverAt(ctx context.Context) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextMs, nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []hiboss.Envelope
	done       chan struct{}
}

func (d *fakeDispatcher) DispatchDue(ctx context.Context, e hiboss.Envelope) {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, e)
	d.mu.Unlock()
	select {
	case d.done <- struct{}{}:
	default:
	}
}

func TestSchedulerWakesOnEnvelopeCreated(t *testing.T) {
	past := time.Now().Add(-time.Second).UnixMilli()
	store := &fakeStore{nextMs: &past}
	dispatcher := &fakeDispatcher{done: make(chan struct{}, 1)}
	s := New(store, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	store.mu.Lock()
	store.due = []hiboss.Envelope{{ID: "e1"}}
	store.mu.Unlock()
	s.OnEnvelopeCreated(hiboss.Envelope{ID: "e1"})

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0].ID != "e1" {
		t.Errorf("dispatched = %v", dispatcher.dispatched)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	store := &fakeStore{}
	dispatcher := &fakeDispatcher{done: make(chan struct{}, 1)}
	s := New(store, dispatcher)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // no-op
	s.Stop()
	s.Stop() // no-op
}
