// Package executor implements the AgentExecutor (C9): the per-agent
// serialized turn loop that drains pending envelopes into a single
// provider CLI invocation at a time.
package executor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/session"
	"github.com/evilpsycho42/hiboss/internal/store"
)

// maxEnvelopesPerTurn bounds how many pending envelopes a single turn
// consumes (§4.9.1 step 1).
const maxEnvelopesPerTurn = 10

// Store is the subset of store.Store the executor needs.
type Store interface {
	GetAgent(ctx context.Context, name string) (*hiboss.Agent, error)
	GetPendingEnvelopesForAgent(ctx context.Context, agentName string, limit int, nowMs int64) ([]hiboss.Envelope, error)
	MarkEnvelopesDone(ctx context.Context, ids []string) (int, error)
	CreateAgentRun(ctx context.Context, agentName string, envelopeIDs []string, startedAtMs int64) (string, error)
	CompleteAgentRun(ctx context.Context, id, response string, contextLength int64, usage store.TokenUsage, completedAtMs int64) error
	FailAgentRun(ctx context.Context, id, errMsg string, completedAtMs int64) error
	CancelAgentRun(ctx context.Context, id, reason string, completedAtMs int64) error
}

// SessionManager is the subset of session.Manager the executor needs.
type SessionManager interface {
	Decide(ctx context.Context, agentName string, provider hiboss.Provider, now time.Time) (session.Decision, *hiboss.SessionHandle, error)
	PostTurnUpdate(ctx context.Context, agentName string, handle hiboss.SessionHandle, completedAtMs int64, contextLength int64) error
	RefreshSession(ctx context.Context, agentName, reason string) error
}

// DoneNotifier observes envelope ids right after their pending→done
// flip commits, letting the CronScheduler materialize the next fire
// (§4.7 onEnvelopesDone). The flip is durable before the notifier runs,
// preserving §5's ordering guarantee.
type DoneNotifier interface {
	OnEnvelopesDone(ctx context.Context, ids []string) error
}

// ReplyRouter hands a completed turn's reply text back to the Router
// so it can produce the outbound envelope (§2 control flow).
type ReplyRouter interface {
	RouteReply(ctx context.Context, agentName, text string, consumed []hiboss.Envelope)
}

type inflightRun struct {
	runID        string
	cancel       context.CancelFunc
	childProcess hiboss.ChildProcessHandle
	abortReason  string
	mu           sync.Mutex
}

// Executor owns the per-agent serialized queues, in-flight run
// records, and drives turns against a ProviderRunner (§4.9).
type Executor struct {
	store          Store
	sessions       SessionManager
	provider       hiboss.ProviderRunner
	promptRenderer hiboss.PromptRenderer
	memory         hiboss.MemoryService
	hibossDir      string

	// doneNotifier and replyRouter are wired by the Daemon after
	// construction, since they close the executor→cron→router→executor
	// cycle. Either may stay nil in tests.
	doneNotifier DoneNotifier
	replyRouter  ReplyRouter

	queueMu sync.Mutex
	tails   map[string]chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]*inflightRun
}

// New constructs an Executor. memory may be nil (a no-op MemoryService
// is a legitimate collaborator per its doc comment).
func New(store Store, sessions SessionManager, provider hiboss.ProviderRunner, promptRenderer hiboss.PromptRenderer, memory hiboss.MemoryService, hibossDir string) *Executor {
	return &Executor{
		store: store, sessions: sessions, provider: provider, promptRenderer: promptRenderer,
		memory: memory, hibossDir: hibossDir,
		tails:    map[string]chan struct{}{},
		inflight: map[string]*inflightRun{},
	}
}

// SetDoneNotifier wires the CronScheduler's advance hook; call before
// the first Wake.
func (e *Executor) SetDoneNotifier(n DoneNotifier) { e.doneNotifier = n }

// SetReplyRouter wires the Router's reply path; call before the first
// Wake.
func (e *Executor) SetReplyRouter(r ReplyRouter) { e.replyRouter = r }

// Wake enqueues one turn task at the tail of agentName's queue (§4.9.1).
func (e *Executor) Wake(agentName string) {
	e.enqueue(agentName, func(ctx context.Context) {
		e.runTurnTask(ctx, agentName)
	})
}

// enqueue implements the tail-pointer serialization: a task waits for
// whatever was previously the tail, runs, then clears the slot only if
// it is still the tail (a newer task may already have replaced it).
func (e *Executor) enqueue(agentName string, task func(ctx context.Context)) {
	e.queueMu.Lock()
	prev := e.tails[agentName]
	done := make(chan struct{})
	e.tails[agentName] = done
	e.queueMu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		task(context.Background())
		close(done)

		e.queueMu.Lock()
		if e.tails[agentName] == done {
			delete(e.tails, agentName)
		}
		e.queueMu.Unlock()
	}()
}

func (e *Executor) runTurnTask(ctx context.Context, agentName string) {
	now := time.Now().UnixMilli()
	envelopes, err := e.store.GetPendingEnvelopesForAgent(ctx, agentName, maxEnvelopesPerTurn, now)
	if err != nil {
		slog.Error("executor: fetch pending envelopes failed", "agent", agentName, "error", err)
		return
	}
	if len(envelopes) == 0 {
		return
	}

	ids := make([]string, len(envelopes))
	for i, env := range envelopes {
		ids[i] = env.ID
	}
	flipped, err := e.store.MarkEnvelopesDone(ctx, ids)
	if err != nil {
		slog.Error("executor: markEnvelopesDone failed", "agent", agentName, "error", err)
		return
	}
	if flipped == 0 {
		// Someone else (agent delete, a concurrent flip) consumed the
		// whole batch; nothing left for this turn.
		return
	}
	if e.doneNotifier != nil {
		if err := e.doneNotifier.OnEnvelopesDone(ctx, ids); err != nil {
			slog.Error("executor: onEnvelopesDone failed", "agent", agentName, "error", err)
		}
	}

	runID, err := e.store.CreateAgentRun(ctx, agentName, ids, now)
	if err != nil {
		slog.Error("executor: createAgentRun failed", "agent", agentName, "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Terminal run state (cancel/complete/fail) and post-turn session
	// writes must land even when runCtx was just cancelled by
	// AbortCurrentRun — a store write on runCtx would return
	// context.Canceled before the UPDATE runs and leave the run row
	// stuck at 'running'.
	persistCtx := context.WithoutCancel(runCtx)
	run := &inflightRun{runID: runID, cancel: cancel}
	e.setInflight(agentName, run)
	defer e.clearInflight(agentName, run)

	agent, err := e.store.GetAgent(runCtx, agentName)
	if err != nil {
		e.fail(persistCtx, runID, err)
		return
	}

	decision, handle, err := e.sessions.Decide(runCtx, agentName, agent.Provider, time.Now())
	if err != nil {
		e.fail(persistCtx, runID, err)
		return
	}

	systemPrompt, err := e.promptRenderer.RenderSystemPrompt(*agent)
	if err != nil {
		e.fail(persistCtx, runID, err)
		return
	}
	if e.memory != nil {
		if memText, memErr := e.memory.Read(runCtx, agentName, latestEnvelopeText(envelopes)); memErr != nil {
			slog.Warn("executor: memory read failed", "agent", agentName, "error", memErr)
		} else if memText != "" {
			systemPrompt += "\n\n" + memText
		}
	}
	if !decision.Resume {
		handle = &hiboss.SessionHandle{
			Provider: agent.Provider, Workspace: agent.Workspace, SystemInstructions: systemPrompt,
			Model: agent.Model, ReasoningEffort: agent.ReasoningEffort, CreatedAtMs: time.Now().UnixMilli(),
		}
	}

	turnInput := renderTurnInput(now, envelopes)

	params := hiboss.RunTurnParams{
		HibossDir: e.hibossDir,
		AgentName: agentName,
		OnChildProcess: func(cp hiboss.ChildProcessHandle) {
			run.mu.Lock()
			run.childProcess = cp
			run.mu.Unlock()
		},
	}

	result, err := e.provider.RunTurn(runCtx, handle, turnInput, params)
	completedAt := time.Now().UnixMilli()
	if err != nil {
		e.fail(persistCtx, runID, err)
		return
	}

	switch result.Status {
	case hiboss.TurnCancelled:
		run.mu.Lock()
		reason := run.abortReason
		run.mu.Unlock()
		if reason == "" {
			reason = "cancelled"
		}
		if err := e.store.CancelAgentRun(persistCtx, runID, reason, completedAt); err != nil {
			slog.Error("executor: cancelAgentRun failed", "agent", agentName, "error", err)
		}
	default:
		usage := store.TokenUsage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}
		if err := e.store.CompleteAgentRun(persistCtx, runID, result.FinalText, result.Usage.ContextLength, usage, completedAt); err != nil {
			slog.Error("executor: completeAgentRun failed", "agent", agentName, "error", err)
		}
		if result.SessionID != "" {
			handle.SessionID = result.SessionID
		}
		// The run row is completed above before the session handle write:
		// if the handle write fails, the run stays correctly accounted
		// (§5 ordering). PostTurnUpdate also queues a refresh for the
		// next turn when contextLength exceeds the policy (§4.8).
		if err := e.sessions.PostTurnUpdate(persistCtx, agentName, *handle, completedAt, result.Usage.ContextLength); err != nil {
			slog.Error("executor: session postTurnUpdate failed", "agent", agentName, "error", err)
		}
		if e.replyRouter != nil {
			e.replyRouter.RouteReply(persistCtx, agentName, result.FinalText, envelopes)
		}
	}

	if e.moreWorkPending(ctx, agentName, len(envelopes)) {
		e.Wake(agentName)
	}
}

func (e *Executor) moreWorkPending(ctx context.Context, agentName string, consumed int) bool {
	if consumed == maxEnvelopesPerTurn {
		return true
	}
	pending, err := e.store.GetPendingEnvelopesForAgent(ctx, agentName, 1, time.Now().UnixMilli())
	if err != nil {
		return false
	}
	return len(pending) > 0
}

func (e *Executor) fail(ctx context.Context, runID string, cause error) {
	completedAt := time.Now().UnixMilli()
	if err := e.store.FailAgentRun(ctx, runID, cause.Error(), completedAt); err != nil {
		slog.Error("executor: failAgentRun failed", "runId", runID, "error", err)
	}
	slog.Error("executor: turn failed", "runId", runID, "error", cause)
}

func (e *Executor) setInflight(agentName string, run *inflightRun) {
	e.inflightMu.Lock()
	e.inflight[agentName] = run
	e.inflightMu.Unlock()
}

func (e *Executor) clearInflight(agentName string, run *inflightRun) {
	e.inflightMu.Lock()
	if e.inflight[agentName] == run {
		delete(e.inflight, agentName)
	}
	e.inflightMu.Unlock()
}

// AbortCurrentRun signals the in-flight turn for agentName, if any
// (§4.9.2). It returns false when no turn is running.
func (e *Executor) AbortCurrentRun(agentName, reason string) bool {
	e.inflightMu.Lock()
	run := e.inflight[agentName]
	e.inflightMu.Unlock()
	if run == nil {
		return false
	}
	run.mu.Lock()
	run.abortReason = reason
	cp := run.childProcess
	run.mu.Unlock()

	run.cancel()
	if cp != nil {
		if err := cp.Signal(); err != nil {
			slog.Warn("executor: signal child process failed", "agent", agentName, "error", err)
		}
	}
	return true
}

// RequestSessionRefresh queues a cooperative, non-blocking refresh
// (§4.9.3): it never interrupts a running turn, only the next one.
func (e *Executor) RequestSessionRefresh(agentName, reason string) {
	e.enqueue(agentName, func(ctx context.Context) {
		if err := e.sessions.RefreshSession(ctx, agentName, reason); err != nil {
			slog.Error("executor: requestSessionRefresh failed", "agent", agentName, "error", err)
		}
	})
}

// Drain waits for every agent's queue tail to empty, giving in-flight
// turns a chance to finish cleanly on shutdown. It returns once every
// queue observed at call time has drained or ctx is done, whichever
// comes first; a turn enqueued after Drain snapshots the tails is not
// waited on.
func (e *Executor) Drain(ctx context.Context) {
	e.queueMu.Lock()
	tails := make([]chan struct{}, 0, len(e.tails))
	for _, done := range e.tails {
		tails = append(tails, done)
	}
	e.queueMu.Unlock()

	for _, done := range tails {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func latestEnvelopeText(envelopes []hiboss.Envelope) string {
	if len(envelopes) == 0 {
		return ""
	}
	return envelopes[len(envelopes)-1].Content.Text
}

func renderTurnInput(nowMs int64, envelopes []hiboss.Envelope) string {
	var b strings.Builder
	b.WriteString("now: ")
	b.WriteString(time.UnixMilli(nowMs).Format(time.RFC3339))
	b.WriteString("\npending-envelopes: ")
	b.WriteString(strconv.Itoa(len(envelopes)))
	for _, env := range envelopes {
		b.WriteString("\n---\n")
		b.WriteString("from: ")
		b.WriteString(env.From.String())
		b.WriteString("\nsender: ")
		b.WriteString(env.Metadata.FromName)
		b.WriteString("\nchannel-message-id: ")
		b.WriteString(env.Metadata.ChannelMessageID)
		b.WriteString("\ncreated-at: ")
		b.WriteString(time.UnixMilli(env.CreatedAt).Format(time.RFC3339))
		b.WriteString("\n")
		b.WriteString(env.Content.Text)
		for _, a := range env.Content.Attachments {
			b.WriteString("\nattachment: ")
			b.WriteString(a.Source)
		}
	}
	return b.String()
}
