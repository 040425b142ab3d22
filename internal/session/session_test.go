package session

import (
	"context"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss"
)

type fakeStore struct {
	agents map[string]hiboss.Agent
}

func newFakeStore(agents ...hiboss.Agent) *fakeStore {
	f := &fakeStore{agents: map[string]hiboss.Agent{}}
	for _, a := range agents {
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		f.agents[a.Name] = a
	}
	return f
}

func (f *fakeStore) GetAgent(ctx context.Context, name string) (*hiboss.Agent, error) {
	a, ok := f.agents[name]
	if !ok {
		return nil, hiboss.NewError(hiboss.ErrNotFound, "test", "no such agent")
	}
	cp := a
	cp.Metadata = map[string]any{}
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (f *fakeStore) UpdateAgent(ctx context.Context, agent hiboss.Agent) error {
	f.agents[agent.Name] = agent
	return nil
}

func TestDecideOpensWithNoSessionHandle(t *testing.T) {
	store := newFakeStore(hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude})
	m := New(store, nil)

	d, handle, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume {
		t.Error("expected open with no persisted handle")
	}
	if handle != nil {
		t.Error("expected nil handle on open")
	}
	if d.Reasons[0] != "no-session-handle" {
		t.Errorf("Reasons = %v", d.Reasons)
	}
}

func TestDecideResumesFreshHandle(t *testing.T) {
	store := newFakeStore(hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude})
	m := New(store, nil)
	now := time.Now()

	if err := m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	d, handle, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !d.Resume {
		t.Errorf("expected resume, got open with reasons %v", d.Reasons)
	}
	if handle == nil || handle.SessionID != "s1" {
		t.Errorf("handle = %+v", handle)
	}
}

func TestDecideProviderMismatchOpens(t *testing.T) {
	store := newFakeStore(hiboss.Agent{Name: "nex", Provider: hiboss.ProviderCodex})
	m := New(store, nil)
	now := time.Now()
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	})

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderCodex, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume || d.Reasons[0] != "persisted-provider-mismatch" {
		t.Errorf("Decision = %+v", d)
	}
}

func TestDecideIdleTimeoutOpens(t *testing.T) {
	agent := hiboss.Agent{
		Name: "nex", Provider: hiboss.ProviderClaude,
		SessionPolicy: hiboss.SessionPolicy{IdleTimeoutMs: 1000},
	}
	store := newFakeStore(agent)
	m := New(store, nil)
	now := time.Now()
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	})

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume {
		t.Error("expected open after idle timeout elapsed")
	}
}

func TestDecideDailyResetAtOpens(t *testing.T) {
	agent := hiboss.Agent{
		Name: "nex", Provider: hiboss.ProviderClaude,
		SessionPolicy: hiboss.SessionPolicy{DailyResetAt: "09:00"},
	}
	store := newFakeStore(agent)
	m := New(store, nil)

	// Session created yesterday at 08:00 UTC; now is today at 10:00 UTC,
	// so the 09:00 boundary today has already passed the session's
	// creation time.
	created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: created.UnixMilli(),
	})

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume {
		t.Error("expected open after daily reset boundary")
	}
}

func TestPendingRefreshTakesPriority(t *testing.T) {
	store := newFakeStore(hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude})
	m := New(store, nil)
	now := time.Now()
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	})
	m.RequestRefresh("nex", "manual")

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume || d.Reasons[0] != "manual" {
		t.Errorf("Decision = %+v", d)
	}

	// Draining should have cleared the pending list.
	d2, _, _ := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now)
	if !d2.Resume {
		t.Errorf("expected resume after pending refresh drained, got %+v", d2)
	}
}

func TestPostTurnUpdateRequestsRefreshOverMaxContext(t *testing.T) {
	agent := hiboss.Agent{
		Name: "nex", Provider: hiboss.ProviderClaude,
		SessionPolicy: hiboss.SessionPolicy{MaxContextLength: 1000},
	}
	store := newFakeStore(agent)
	m := New(store, nil)
	now := time.Now()
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	})

	if err := m.PostTurnUpdate(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	}, now.UnixMilli(), 2000); err != nil {
		t.Fatalf("PostTurnUpdate: %v", err)
	}

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume {
		t.Error("expected open on the next turn after contextLength exceeded maxContextLength")
	}
}

func TestRefreshSessionClearsHandle(t *testing.T) {
	store := newFakeStore(hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude})
	m := New(store, nil)
	now := time.Now()
	m.OpenSession(context.Background(), "nex", hiboss.SessionHandle{
		Provider: hiboss.ProviderClaude, SessionID: "s1", CreatedAtMs: now.UnixMilli(),
	})

	if err := m.RefreshSession(context.Background(), "nex", "manual"); err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}

	d, _, err := m.Decide(context.Background(), "nex", hiboss.ProviderClaude, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Resume {
		t.Error("expected open after RefreshSession cleared the handle")
	}
}
