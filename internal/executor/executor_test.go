package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/session"
	"github.com/evilpsycho42/hiboss/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	agent     hiboss.Agent
	pending   []hiboss.Envelope
	done      []string
	runs      []string
	completed []string
	failed    []string
	cancelled []string
}

func (f *fakeStore) GetAgent(ctx context.Context, name string) (*hiboss.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agent
	return &a, nil
}

func (f *fakeStore) GetPendingEnvelopesForAgent(ctx context.Context, agentName string, limit int, nowMs int64) ([]hiboss.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkEnvelopesDone(ctx context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, ids...)
	f.pending = nil
	return len(ids), nil
}

func (f *fakeStore) CreateAgentRun(ctx context.Context, agentName string, envelopeIDs []string, startedAtMs int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "run-" + agentName
	f.runs = append(f.runs, id)
	return id, nil
}

// The terminal-write fakes honor ctx the way database/sql's
// ExecContext does: a cancelled context refuses the write. This keeps
// the tests honest about which context the executor persists under.
func (f *fakeStore) CompleteAgentRun(ctx context.Context, id, response string, contextLength int64, usage store.TokenUsage, completedAtMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) FailAgentRun(ctx context.Context, id, errMsg string, completedAtMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) CancelAgentRun(ctx context.Context, id, reason string, completedAtMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeSessions struct {
	decision session.Decision
	handle   *hiboss.SessionHandle
	posted   []hiboss.SessionHandle
	refresh  []string
}

func (s *fakeSessions) Decide(ctx context.Context, agentName string, provider hiboss.Provider, now time.Time) (session.Decision, *hiboss.SessionHandle, error) {
	return s.decision, s.handle, nil
}
func (s *fakeSessions) PostTurnUpdate(ctx context.Context, agentName string, handle hiboss.SessionHandle, completedAtMs int64, contextLength int64) error {
	s.posted = append(s.posted, handle)
	return nil
}
func (s *fakeSessions) RefreshSession(ctx context.Context, agentName, reason string) error {
	s.refresh = append(s.refresh, reason)
	return nil
}

type fakeProvider struct {
	result hiboss.TurnResult
	err    error
	calls  int
}

func (p *fakeProvider) RunTurn(ctx context.Context, session *hiboss.SessionHandle, turnInput string, params hiboss.RunTurnParams) (hiboss.TurnResult, error) {
	p.calls++
	return p.result, p.err
}

type fakePrompt struct{}

func (fakePrompt) RenderSystemPrompt(agent hiboss.Agent) (string, error) { return "system", nil }

func waitForIdle(e *Executor, agentName string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.queueMu.Lock()
		_, busy := e.tails[agentName]
		e.queueMu.Unlock()
		if !busy {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestWakeRunsTurnAndCompletes(t *testing.T) {
	st := &fakeStore{
		agent:   hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude},
		pending: []hiboss.Envelope{{ID: "e1", From: hiboss.AgentAddress("boss"), Content: hiboss.Content{Text: "hi"}}},
	}
	sessions := &fakeSessions{decision: session.Decision{Resume: false, Reasons: []string{"no-session-handle"}}}
	provider := &fakeProvider{result: hiboss.TurnResult{Status: hiboss.TurnSuccess, FinalText: "ok", SessionID: "s1"}}
	e := New(st, sessions, provider, fakePrompt{}, nil, "/tmp/hiboss")

	e.Wake("nex")
	if !waitForIdle(e, "nex", 2*time.Second) {
		t.Fatal("timed out waiting for turn to complete")
	}

	if len(st.done) != 1 || st.done[0] != "e1" {
		t.Errorf("done = %v", st.done)
	}
	if len(st.completed) != 1 {
		t.Errorf("completed = %v", st.completed)
	}
	if len(sessions.posted) != 1 || sessions.posted[0].SessionID != "s1" {
		t.Errorf("posted = %v", sessions.posted)
	}
}

type fakeDoneNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *fakeDoneNotifier) OnEnvelopesDone(ctx context.Context, ids []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, ids...)
	return nil
}

type fakeReplyRouter struct {
	mu      sync.Mutex
	replies []string
}

func (r *fakeReplyRouter) RouteReply(ctx context.Context, agentName, text string, consumed []hiboss.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
}

func TestWakeNotifiesDoneAndRoutesReply(t *testing.T) {
	st := &fakeStore{
		agent:   hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude},
		pending: []hiboss.Envelope{{ID: "e1", From: hiboss.ChannelAddress("telegram", "42"), Content: hiboss.Content{Text: "hi"}}},
	}
	sessions := &fakeSessions{decision: session.Decision{Resume: false, Reasons: []string{"no-session-handle"}}}
	provider := &fakeProvider{result: hiboss.TurnResult{Status: hiboss.TurnSuccess, FinalText: "reply!"}}
	e := New(st, sessions, provider, fakePrompt{}, nil, "/tmp/hiboss")
	notifier := &fakeDoneNotifier{}
	replies := &fakeReplyRouter{}
	e.SetDoneNotifier(notifier)
	e.SetReplyRouter(replies)

	e.Wake("nex")
	if !waitForIdle(e, "nex", 2*time.Second) {
		t.Fatal("timed out")
	}

	notifier.mu.Lock()
	ids := notifier.ids
	notifier.mu.Unlock()
	if len(ids) != 1 || ids[0] != "e1" {
		t.Errorf("notifier.ids = %v, want [e1]", ids)
	}
	replies.mu.Lock()
	got := replies.replies
	replies.mu.Unlock()
	if len(got) != 1 || got[0] != "reply!" {
		t.Errorf("replies = %v, want [reply!]", got)
	}
}

func TestWakeWithNoPendingEnvelopesIsNoop(t *testing.T) {
	st := &fakeStore{agent: hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude}}
	sessions := &fakeSessions{decision: session.Decision{Resume: true}}
	provider := &fakeProvider{}
	e := New(st, sessions, provider, fakePrompt{}, nil, "/tmp/hiboss")

	e.Wake("nex")
	waitForIdle(e, "nex", time.Second)

	if provider.calls != 0 {
		t.Errorf("provider.calls = %d, want 0", provider.calls)
	}
}

func TestAbortCurrentRunWithNoInflightReturnsFalse(t *testing.T) {
	st := &fakeStore{agent: hiboss.Agent{Name: "nex"}}
	e := New(st, &fakeSessions{}, &fakeProvider{}, fakePrompt{}, nil, "/tmp")

	if e.AbortCurrentRun("nex", "manual") {
		t.Error("expected false with no in-flight run")
	}
}

func TestWakeCancelledRunRecordsCancellation(t *testing.T) {
	st := &fakeStore{
		agent:   hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude},
		pending: []hiboss.Envelope{{ID: "e1", From: hiboss.AgentAddress("boss")}},
	}
	sessions := &fakeSessions{decision: session.Decision{Resume: false}}
	provider := &fakeProvider{result: hiboss.TurnResult{Status: hiboss.TurnCancelled}}
	e := New(st, sessions, provider, fakePrompt{}, nil, "/tmp/hiboss")

	e.Wake("nex")
	if !waitForIdle(e, "nex", 2*time.Second) {
		t.Fatal("timed out")
	}
	if len(st.cancelled) != 1 {
		t.Errorf("cancelled = %v", st.cancelled)
	}
	if len(st.completed) != 0 {
		t.Errorf("completed should be empty on cancellation, got %v", st.completed)
	}
}

// blockingProvider simulates a provider CLI that only terminates when
// the turn is aborted.
type blockingProvider struct{}

func (blockingProvider) RunTurn(ctx context.Context, session *hiboss.SessionHandle, turnInput string, params hiboss.RunTurnParams) (hiboss.TurnResult, error) {
	<-ctx.Done()
	return hiboss.TurnResult{Status: hiboss.TurnCancelled}, nil
}

func TestAbortCurrentRunPersistsCancelledState(t *testing.T) {
	st := &fakeStore{
		agent:   hiboss.Agent{Name: "nex", Provider: hiboss.ProviderClaude},
		pending: []hiboss.Envelope{{ID: "e1", From: hiboss.AgentAddress("boss")}},
	}
	sessions := &fakeSessions{decision: session.Decision{Resume: false}}
	e := New(st, sessions, blockingProvider{}, fakePrompt{}, nil, "/tmp/hiboss")

	e.Wake("nex")

	// Wait for the turn to go in flight, then abort it — the abort
	// cancels the turn's own context, so the cancelled run state must
	// persist on a detached one.
	deadline := time.Now().Add(2 * time.Second)
	aborted := false
	for time.Now().Before(deadline) {
		if e.AbortCurrentRun("nex", "manual-abort") {
			aborted = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !aborted {
		t.Fatal("run never went in flight")
	}
	if !waitForIdle(e, "nex", 2*time.Second) {
		t.Fatal("timed out waiting for aborted turn to settle")
	}

	st.mu.Lock()
	cancelled := st.cancelled
	st.mu.Unlock()
	if len(cancelled) != 1 {
		t.Errorf("cancelled = %v, want the aborted run recorded", cancelled)
	}
}

func TestRequestSessionRefreshIsCooperative(t *testing.T) {
	st := &fakeStore{agent: hiboss.Agent{Name: "nex"}}
	sessions := &fakeSessions{}
	e := New(st, sessions, &fakeProvider{}, fakePrompt{}, nil, "/tmp")

	e.RequestSessionRefresh("nex", "manual")
	waitForIdle(e, "nex", time.Second)

	if len(sessions.refresh) != 1 || sessions.refresh[0] != "manual" {
		t.Errorf("refresh = %v", sessions.refresh)
	}
}
