package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/cronsched"
	"github.com/evilpsycho42/hiboss/internal/executor"
	"github.com/evilpsycho42/hiboss/internal/router"
	"github.com/evilpsycho42/hiboss/internal/session"
	"github.com/evilpsycho42/hiboss/internal/store"
)

// Deps is every collaborator the RPC dispatch table needs (§4, §6.3).
// The Daemon constructs one Deps and calls RegisterAll; handlers close
// over the fields they use rather than taking a god-interface.
type Deps struct {
	Store     store.Store
	Router    *router.Router
	Cron      *cronsched.Scheduler
	Executor  *executor.Executor
	Sessions  *session.Manager
	Memory    hiboss.MemoryService
	Adapters  map[string]hiboss.ChatAdapter
	StartedAt int64 // ms epoch, for daemon.status uptime
	HomeDir   string
	LogLevel  func() string
}

// RegisterAll wires every canonical §6.3 method onto server.
func RegisterAll(s *Server, d Deps) {
	s.Register("daemon.ping", d.daemonPing)
	s.Register("daemon.status", d.daemonStatus)
	s.Register("setup.check", d.setupCheck)
	s.Register("setup.execute", d.setupExecute)
	s.Register("boss.verify", d.bossVerify)
	s.Register("agent.register", d.agentRegister)
	s.Register("agent.list", d.agentList)
	s.Register("agent.status", d.agentStatus)
	s.Register("agent.set", d.agentSet)
	s.Register("agent.delete", d.agentDelete)
	s.Register("agent.bind", d.agentBind)
	s.Register("agent.unbind", d.agentUnbind)
	s.Register("agent.refresh", d.agentRefresh)
	s.Register("agent.abort", d.agentAbort)
	s.Register("agent.self", d.agentSelf)
	s.Register("agent.session-policy.set", d.agentSessionPolicySet)
	s.Register("envelope.send", d.envelopeSend)
	s.Register("envelope.list", d.envelopeList)
	s.Register("envelope.get", d.envelopeGet)
	s.Register("reaction.set", d.reactionSet)
	s.Register("cron.create", d.cronCreate)
	s.Register("cron.list", d.cronList)
	s.Register("cron.enable", d.cronEnable)
	s.Register("cron.disable", d.cronDisable)
	s.Register("cron.delete", d.cronDelete)
	s.Register("memory.read", d.memoryRead)
	s.Register("memory.write", d.memoryWrite)
	s.Register("memory.clear", d.memoryClear)
}

func nowMs() int64 { return time.Now().UnixMilli() }

func parseParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return hiboss.NewError(hiboss.ErrInvalidParams, "ipc", "malformed params: %v", err)
	}
	return nil
}

// ---- daemon ----

func (d Deps) daemonPing(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	return map[string]any{"pong": true}, nil
}

type daemonStatusResult struct {
	UptimeMs  int64          `json:"uptimeMs"`
	DataDir   string         `json:"dataDir"`
	LogLevel  string         `json:"logLevel"`
	AgentLoad map[string]int `json:"agentQueueDepth"`
}

func (d Deps) daemonStatus(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	agents, err := d.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	load := map[string]int{}
	for _, a := range agents {
		pending, err := d.Store.GetPendingEnvelopesForAgent(ctx, a.Name, 1000, nowMs())
		if err != nil {
			return nil, err
		}
		load[a.Name] = len(pending)
	}
	level := ""
	if d.LogLevel != nil {
		level = d.LogLevel()
	}
	return daemonStatusResult{
		UptimeMs:  nowMs() - d.StartedAt,
		DataDir:   d.HomeDir,
		LogLevel:  level,
		AgentLoad: load,
	}, nil
}

// ---- setup ----

type setupCheckResult struct {
	Completed bool `json:"completed"`
}

func (d Deps) setupCheck(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	done, err := d.Store.IsSetupComplete(ctx)
	if err != nil {
		return nil, err
	}
	return setupCheckResult{Completed: done}, nil
}

type setupExecuteParams struct {
	BossName     string `json:"bossName"`
	BossTimezone string `json:"bossTimezone"`
}

type setupExecuteResult struct {
	BossToken string `json:"bossToken"`
}

func (d Deps) setupExecute(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req setupExecuteParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if req.BossName == "" {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "setup.execute", "bossName is required")
	}
	if req.BossTimezone != "" {
		if _, err := time.LoadLocation(req.BossTimezone); err != nil {
			return nil, hiboss.NewError(hiboss.ErrInvalidParams, "setup.execute", "invalid bossTimezone %q", req.BossTimezone)
		}
	}
	token, err := d.Store.SetupBoss(ctx, req.BossName, req.BossTimezone, nowMs())
	if err != nil {
		return nil, err
	}
	return setupExecuteResult{BossToken: token}, nil
}

func (d Deps) bossVerify(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	return map[string]any{"isBoss": p.IsBoss}, nil
}

// ---- agents ----

type agentRegisterParams struct {
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	Workspace       string              `json:"workspace"`
	Provider        hiboss.Provider     `json:"provider"`
	Model           string              `json:"model"`
	ReasoningEffort hiboss.ReasoningEffort `json:"reasoningEffort"`
	PermissionLevel string              `json:"permissionLevel"`
}

type agentRegisterResult struct {
	Agent hiboss.Agent `json:"agent"`
	Token string       `json:"token"`
}

func (d Deps) agentRegister(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentRegisterParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if req.Name == "" || req.Provider == "" {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "agent.register", "name and provider are required")
	}
	level := hiboss.PermissionRestricted
	if req.PermissionLevel != "" {
		level = hiboss.ParsePermissionLevel(req.PermissionLevel)
	}
	if level == hiboss.PermissionBoss && !p.IsBoss {
		return nil, hiboss.NewError(hiboss.ErrUnauthorized, "agent.register", "raising an agent to boss level requires the boss principal")
	}
	agent, token, err := d.Store.RegisterAgent(ctx, store.RegisterAgentInput{
		Name: req.Name, Description: req.Description, Workspace: req.Workspace,
		Provider: req.Provider, Model: req.Model, ReasoningEffort: req.ReasoningEffort,
		PermissionLevel: level,
	})
	if err != nil {
		return nil, err
	}
	if err := hiboss.EnsureAgentDir(agent.Name); err != nil {
		return nil, hiboss.Wrap(hiboss.ErrInternal, "agent.register", err)
	}
	return agentRegisterResult{Agent: agent, Token: token}, nil
}

func (d Deps) agentList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	agents, err := d.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents}, nil
}

type agentNameParams struct {
	Name string `json:"name"`
}

type agentStatusParams struct {
	Name  string `json:"name"`
	RunID string `json:"runId"`
}

func (d Deps) agentStatus(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentStatusParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	agent, err := d.Store.GetAgent(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"agent": agent}

	if req.RunID != "" {
		run, err := resolveAgentRun(ctx, d.Store, "agent.status", req.RunID)
		if err != nil {
			return nil, err
		}
		result["run"] = run
		return result, nil
	}

	runs, err := d.Store.ListAgentRuns(ctx, req.Name, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		result["lastRun"] = runs[0]
	}
	return result, nil
}

type agentSetParams struct {
	Name            string                  `json:"name"`
	Description     *string                 `json:"description"`
	Workspace       *string                 `json:"workspace"`
	Model           *string                 `json:"model"`
	ReasoningEffort *hiboss.ReasoningEffort  `json:"reasoningEffort"`
	PermissionLevel *string                 `json:"permissionLevel"`
}

func (d Deps) agentSet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentSetParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.set", p, req.Name); err != nil {
		return nil, err
	}
	agent, err := d.Store.GetAgent(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Workspace != nil {
		agent.Workspace = *req.Workspace
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.ReasoningEffort != nil {
		agent.ReasoningEffort = *req.ReasoningEffort
	}
	if req.PermissionLevel != nil {
		level := hiboss.ParsePermissionLevel(*req.PermissionLevel)
		if level == hiboss.PermissionBoss && !p.IsBoss {
			return nil, hiboss.NewError(hiboss.ErrUnauthorized, "agent.set", "raising an agent to boss level requires the boss principal")
		}
		agent.PermissionLevel = level
	}
	if err := d.Store.UpdateAgent(ctx, *agent); err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}

func (d Deps) agentDelete(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentNameParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.delete", p, req.Name); err != nil {
		return nil, err
	}
	// Best-effort runtime teardown before the row disappears (§4.9.4).
	_ = d.Sessions.RefreshSession(ctx, req.Name, "agent-deleted")
	d.Executor.AbortCurrentRun(req.Name, "agent-deleted")
	if err := d.Store.DeleteAgent(ctx, req.Name); err != nil {
		return nil, err
	}
	// The delete cascades to the on-disk home as well (§3 Agent
	// invariants); best-effort, the row is already gone.
	if err := os.RemoveAll(hiboss.AgentDir(req.Name)); err != nil {
		slog.Warn("agent.delete: remove agent dir failed", "agent", req.Name, "error", err)
	}
	return map[string]any{"deleted": true}, nil
}

type agentBindParams struct {
	Name         string `json:"name"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

func (d Deps) agentBind(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentBindParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.bind", p, req.Name); err != nil {
		return nil, err
	}
	if req.AdapterType == "" || req.AdapterToken == "" {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "agent.bind", "adapterType and adapterToken are required")
	}
	binding := hiboss.Binding{AgentName: req.Name, AdapterType: req.AdapterType, AdapterToken: req.AdapterToken, CreatedAt: nowMs()}
	if err := d.Store.CreateBinding(ctx, binding); err != nil {
		return nil, err
	}
	return map[string]any{"binding": binding}, nil
}

func (d Deps) agentUnbind(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentBindParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.unbind", p, req.Name); err != nil {
		return nil, err
	}
	if err := d.Store.DeleteBinding(ctx, req.Name, req.AdapterType); err != nil {
		return nil, err
	}
	return map[string]any{"unbound": true}, nil
}

type agentRefreshParams struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (d Deps) agentRefresh(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentRefreshParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.refresh", p, req.Name); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual-refresh"
	}
	d.Executor.RequestSessionRefresh(req.Name, reason)
	return map[string]any{"queued": true}, nil
}

type agentAbortParams struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (d Deps) agentAbort(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentAbortParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.abort", p, req.Name); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual-abort"
	}
	aborted := d.Executor.AbortCurrentRun(req.Name, reason)
	return map[string]any{"aborted": aborted}, nil
}

func (d Deps) agentSelf(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	if p.IsBoss {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "agent.self", "boss principal has no self agent")
	}
	agent, err := d.Store.GetAgent(ctx, p.AgentName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}

type agentSessionPolicySetParams struct {
	Name             string `json:"name"`
	DailyResetAt     string `json:"dailyResetAt"`
	IdleTimeoutMs    int64  `json:"idleTimeoutMs"`
	MaxContextLength int64  `json:"maxContextLength"`
}

func (d Deps) agentSessionPolicySet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentSessionPolicySetParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("agent.session-policy.set", p, req.Name); err != nil {
		return nil, err
	}
	if req.DailyResetAt != "" {
		if _, _, err := parseHHMMValidation(req.DailyResetAt); err != nil {
			return nil, hiboss.NewError(hiboss.ErrInvalidParams, "agent.session-policy.set", "dailyResetAt must be HH:MM")
		}
	}
	if req.IdleTimeoutMs < 0 || req.MaxContextLength < 0 {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "agent.session-policy.set", "idleTimeoutMs and maxContextLength must be non-negative")
	}
	agent, err := d.Store.GetAgent(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	agent.SessionPolicy = hiboss.SessionPolicy{
		DailyResetAt: req.DailyResetAt, IdleTimeoutMs: req.IdleTimeoutMs, MaxContextLength: req.MaxContextLength,
	}
	if err := d.Store.UpdateAgent(ctx, *agent); err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}

// parseHHMMValidation is a standalone "HH:MM" check (the session
// package's parseHHMM is unexported); kept minimal since this handler
// only needs to reject malformed input, not compute a boundary.
func parseHHMMValidation(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, hiboss.NewError(hiboss.ErrInvalidParams, "", "invalid HH:MM")
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, hiboss.NewError(hiboss.ErrInvalidParams, "", "invalid HH:MM")
	}
	return h, m, nil
}

// ---- envelopes ----

type envelopeSendParams struct {
	From      string               `json:"from"`
	To        string               `json:"to"`
	Text      string               `json:"text"`
	Attachments []hiboss.Attachment `json:"attachments"`
	DeliverAt *int64               `json:"deliverAt"`
	Metadata  hiboss.EnvelopeMetadata `json:"metadata"`
}

func (d Deps) envelopeSend(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req envelopeSendParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	from, err := hiboss.ParseAddress(req.From)
	if err != nil {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "envelope.send", "%v", err)
	}
	to, err := hiboss.ParseAddress(req.To)
	if err != nil {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "envelope.send", "%v", err)
	}
	if from.IsAgent() {
		if err := assertOwnResource("envelope.send", p, from.Name); err != nil {
			return nil, err
		}
	}
	env := hiboss.Envelope{
		From: from, To: to, FromBoss: p.IsBoss,
		Content:  hiboss.Content{Text: req.Text, Attachments: req.Attachments},
		Metadata: req.Metadata,
		DeliverAt: req.DeliverAt,
	}
	sent, err := d.Router.RouteEnvelope(ctx, router.RouteEnvelopeInput{Envelope: env})
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelope": sent}, nil
}

type envelopeListParams struct {
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

func (d Deps) envelopeList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req envelopeListParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	envelopes, err := d.Store.ListEnvelopes(ctx, store.EnvelopeFilter{
		To: req.To, From: req.From, Status: hiboss.EnvelopeStatus(req.Status), Limit: req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelopes": envelopes}, nil
}

type idParams struct {
	ID string `json:"id"`
}

func (d Deps) envelopeGet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req idParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	env, err := resolveEnvelope(ctx, d.Store, "envelope.get", req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelope": env}, nil
}

type reactionSetParams struct {
	ChatID           string `json:"chatId"`
	Adapter          string `json:"adapter"`
	ChannelMessageID string `json:"channelMessageId"`
	Emoji            string `json:"emoji"`
}

func (d Deps) reactionSet(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req reactionSetParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	adapter, ok := d.Adapters[req.Adapter]
	if !ok {
		return nil, hiboss.NewError(hiboss.ErrNotFound, "reaction.set", "no adapter registered for %q", req.Adapter)
	}
	if err := adapter.SetReaction(ctx, req.ChatID, req.ChannelMessageID, req.Emoji); err != nil {
		return nil, err
	}
	return map[string]any{"set": true}, nil
}

// ---- cron ----

type cronCreateParams struct {
	AgentName string                  `json:"agentName"`
	Cron      string                  `json:"cron"`
	Timezone  string                  `json:"timezone"`
	Enabled   bool                    `json:"enabled"`
	To        string                  `json:"to"`
	Text      string                  `json:"text"`
	Attachments []hiboss.Attachment    `json:"attachments"`
	Metadata  hiboss.EnvelopeMetadata `json:"metadata"`
}

func (d Deps) cronCreate(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req cronCreateParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("cron.create", p, req.AgentName); err != nil {
		return nil, err
	}
	to, err := hiboss.ParseAddress(req.To)
	if err != nil {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "cron.create", "%v", err)
	}
	cs := hiboss.CronSchedule{
		ID: generateCronID(), AgentName: req.AgentName, Cron: req.Cron, Timezone: req.Timezone,
		Enabled: req.Enabled, To: to, Content: hiboss.Content{Text: req.Text, Attachments: req.Attachments},
		Metadata: req.Metadata,
	}
	created, err := d.Cron.CreateSchedule(ctx, cs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedule": created}, nil
}

func (d Deps) cronList(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	schedules, err := d.Store.ListCronSchedules(ctx)
	if err != nil {
		return nil, err
	}
	if !p.IsBoss {
		var filtered []hiboss.CronSchedule
		for _, cs := range schedules {
			if cs.AgentName == p.AgentName {
				filtered = append(filtered, cs)
			}
		}
		schedules = filtered
	}
	return map[string]any{"schedules": schedules}, nil
}

func (d Deps) cronEnable(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req idParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	cs, err := resolveCronSchedule(ctx, d.Store, "cron.enable", req.ID)
	if err != nil {
		return nil, err
	}
	if err := assertOwnResource("cron.enable", p, cs.AgentName); err != nil {
		return nil, err
	}
	if err := d.Cron.EnableSchedule(ctx, cs.ID); err != nil {
		return nil, err
	}
	return map[string]any{"enabled": true}, nil
}

func (d Deps) cronDisable(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req idParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	cs, err := resolveCronSchedule(ctx, d.Store, "cron.disable", req.ID)
	if err != nil {
		return nil, err
	}
	if err := assertOwnResource("cron.disable", p, cs.AgentName); err != nil {
		return nil, err
	}
	if err := d.Cron.DisableSchedule(ctx, cs.ID); err != nil {
		return nil, err
	}
	return map[string]any{"disabled": true}, nil
}

func (d Deps) cronDelete(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req idParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	cs, err := resolveCronSchedule(ctx, d.Store, "cron.delete", req.ID)
	if err != nil {
		return nil, err
	}
	if err := assertOwnResource("cron.delete", p, cs.AgentName); err != nil {
		return nil, err
	}
	if err := d.Cron.DeleteSchedule(ctx, cs.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

// ---- memory (delegated to the MemoryService side-service, §1 Non-goals) ----

type memoryReadParams struct {
	AgentName string `json:"agentName"`
	Query     string `json:"query"`
}

func (d Deps) memoryRead(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req memoryReadParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("memory.read", p, req.AgentName); err != nil {
		return nil, err
	}
	text, err := d.Memory.Read(ctx, req.AgentName, req.Query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

type memoryWriteParams struct {
	AgentName string `json:"agentName"`
	Topic     string `json:"topic"`
	Content   string `json:"content"`
}

func (d Deps) memoryWrite(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req memoryWriteParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("memory.write", p, req.AgentName); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, hiboss.NewError(hiboss.ErrInvalidParams, "memory.write", "content is required")
	}
	if err := d.Memory.Write(ctx, req.AgentName, req.Topic, req.Content); err != nil {
		return nil, err
	}
	return map[string]any{"written": true}, nil
}

func (d Deps) memoryClear(ctx context.Context, p Principal, raw json.RawMessage) (any, error) {
	var req agentNameParams
	if err := parseParams(raw, &req); err != nil {
		return nil, err
	}
	if err := assertOwnResource("memory.clear", p, req.Name); err != nil {
		return nil, err
	}
	if err := d.Memory.Clear(ctx, req.Name); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

// ---- ownership / short-id resolution ----

// assertOwnResource enforces §4.4's "an agent token can only act on
// its own resources" rule. It lives here rather than internal/authz
// because the ipc.Principal the server hands handlers already
// collapsed Level into the earlier AssertOperationAllowed check; only
// the ownership rule remains per-handler.
func assertOwnResource(op string, p Principal, agentName string) error {
	if p.IsBoss {
		return nil
	}
	if p.AgentName == agentName {
		return nil
	}
	return hiboss.NewError(hiboss.ErrUnauthorized, op, "principal may only act on its own resources")
}

// shortIDMinLen is the minimum short-form prefix the daemon resolves
// (§3: "short forms are any prefix of ≥ 8 hex characters").
const shortIDMinLen = 8

func assertShortIDLen(op, id string) error {
	if len(id) < shortIDMinLen {
		return hiboss.NewError(hiboss.ErrInvalidParams, op, "short id %q must be at least %d hex characters", id, shortIDMinLen)
	}
	return nil
}

func resolveEnvelope(ctx context.Context, s store.Store, op, id string) (*hiboss.Envelope, error) {
	if env, err := s.GetEnvelope(ctx, id); err == nil {
		return env, nil
	}
	if err := assertShortIDLen(op, id); err != nil {
		return nil, err
	}
	matches, err := s.ResolveEnvelopePrefix(ctx, id)
	if err != nil {
		return nil, err
	}
	return firstOrAmbiguous(op, id, matches, func(e hiboss.Envelope) string { return e.ID })
}

func resolveAgentRun(ctx context.Context, s store.Store, op, id string) (*hiboss.AgentRun, error) {
	if run, err := s.GetAgentRun(ctx, id); err == nil {
		return run, nil
	}
	if err := assertShortIDLen(op, id); err != nil {
		return nil, err
	}
	matches, err := s.ResolveAgentRunPrefix(ctx, id)
	if err != nil {
		return nil, err
	}
	return firstOrAmbiguous(op, id, matches, func(r hiboss.AgentRun) string { return r.ID })
}

func resolveCronSchedule(ctx context.Context, s store.Store, op, id string) (*hiboss.CronSchedule, error) {
	if cs, err := s.GetCronSchedule(ctx, id); err == nil {
		return cs, nil
	}
	if err := assertShortIDLen(op, id); err != nil {
		return nil, err
	}
	schedules, err := s.ListCronSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var matches []hiboss.CronSchedule
	for _, cs := range schedules {
		if len(cs.ID) >= len(id) && cs.ID[:len(id)] == id {
			matches = append(matches, cs)
		}
	}
	return firstOrAmbiguous(op, id, matches, func(cs hiboss.CronSchedule) string { return cs.ID })
}

func firstOrAmbiguous[T any](op, prefix string, matches []T, idOf func(T) string) (*T, error) {
	switch len(matches) {
	case 0:
		return nil, hiboss.NewError(hiboss.ErrNotFound, op, "no resource matches id %q", prefix)
	case 1:
		return &matches[0], nil
	default:
		var ids []string
		for _, m := range matches {
			ids = append(ids, idOf(m))
		}
		return nil, ambiguousIDError(op, prefix, ids)
	}
}

func generateCronID() string {
	return uuid.NewString()
}
