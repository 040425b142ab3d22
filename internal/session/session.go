// Package session implements the SessionManager (C8): the open-vs-resume
// decision for an agent's provider session, and the persisted session
// handle sum type stored at agents.metadata.sessionHandle.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evilpsycho42/hiboss"
)

// Store is the subset of store.Store the session manager needs.
type Store interface {
	GetAgent(ctx context.Context, name string) (*hiboss.Agent, error)
	UpdateAgent(ctx context.Context, agent hiboss.Agent) error
}

// Config resolves the boss's configured timezone for dailyResetAt
// boundary computation; "" (not found) means time.Local.
type Config interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
}

// Decision is the result of evaluating whether an agent's next turn
// should resume its persisted session or open a fresh one (§4.8).
type Decision struct {
	Resume  bool
	Reasons []string
}

// Manager implements the §4.8 open-vs-resume decision and the
// refresh-request queue consumed by the AgentExecutor (§4.9.3).
type Manager struct {
	store  Store
	config Config

	mu             sync.Mutex
	pendingRefresh map[string][]string
}

// New constructs a Manager. config may be nil, in which case
// dailyResetAt is always evaluated against time.Local.
func New(store Store, config Config) *Manager {
	return &Manager{store: store, config: config, pendingRefresh: map[string][]string{}}
}

// Decide evaluates the §4.8 open-mode decision for the next turn of
// agentName against the provider the caller intends to run.
func (m *Manager) Decide(ctx context.Context, agentName string, desiredProvider hiboss.Provider, now time.Time) (Decision, *hiboss.SessionHandle, error) {
	if reasons := m.drainPendingRefresh(agentName); len(reasons) > 0 {
		return Decision{Resume: false, Reasons: reasons}, nil, nil
	}

	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		return Decision{}, nil, err
	}

	handle, ok := readHandle(agent.Metadata)
	if !ok {
		return Decision{Resume: false, Reasons: []string{"no-session-handle"}}, nil, nil
	}
	if handle.Provider != desiredProvider {
		return Decision{Resume: false, Reasons: []string{"persisted-provider-mismatch"}}, nil, nil
	}

	var reasons []string
	policy := agent.SessionPolicy
	if policy.DailyResetAt != "" {
		loc, err := m.bossLocation(ctx)
		if err != nil {
			return Decision{}, nil, err
		}
		boundary, err := mostRecentResetBoundary(now, policy.DailyResetAt, loc)
		if err != nil {
			return Decision{}, nil, hiboss.NewError(hiboss.ErrInvalidParams, "session.decide", "%v", err)
		}
		if handle.CreatedAtMs < boundary.UnixMilli() {
			reasons = append(reasons, "daily-reset-at:"+policy.DailyResetAt)
		}
	}
	if policy.IdleTimeoutMs > 0 {
		last := handle.CreatedAtMs
		if handle.LastRunCompletedAtMs != nil {
			last = *handle.LastRunCompletedAtMs
		}
		if now.UnixMilli()-last > policy.IdleTimeoutMs {
			reasons = append(reasons, "idle-timeout-ms:"+strconv.FormatInt(policy.IdleTimeoutMs, 10))
		}
	}
	if len(reasons) > 0 {
		return Decision{Resume: false, Reasons: reasons}, nil, nil
	}
	return Decision{Resume: true, Reasons: []string{"resume"}}, &handle, nil
}

// PostTurnUpdate persists the session handle's new sessionId and
// lastRunCompletedAtMs after a successful turn, and queues a refresh
// request for the *next* turn if contextLength exceeds the agent's
// policy (§4.8).
func (m *Manager) PostTurnUpdate(ctx context.Context, agentName string, handle hiboss.SessionHandle, completedAtMs int64, contextLength int64) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		return err
	}
	handle.LastRunCompletedAtMs = &completedAtMs
	writeHandle(agent, handle)
	if err := m.store.UpdateAgent(ctx, *agent); err != nil {
		return err
	}
	if max := agent.SessionPolicy.MaxContextLength; max > 0 && contextLength > max {
		m.RequestRefresh(agentName, "max-context-length:"+strconv.FormatInt(max, 10))
	}
	return nil
}

// OpenSession persists a freshly-opened session handle, e.g. right
// after the ProviderRunner reports a new sessionId for a turn that
// opened rather than resumed.
func (m *Manager) OpenSession(ctx context.Context, agentName string, handle hiboss.SessionHandle) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		return err
	}
	writeHandle(agent, handle)
	return m.store.UpdateAgent(ctx, *agent)
}

// RefreshSession clears the persisted and in-memory session state for
// agentName and enqueues reason on its pending-refresh list, observable
// by the next call to Decide. Safe to call while a turn is in flight:
// it never touches the running process, only the next decision (§4.8).
func (m *Manager) RefreshSession(ctx context.Context, agentName, reason string) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		return err
	}
	delete(agent.Metadata, hiboss.ReservedMetadataKey)
	if err := m.store.UpdateAgent(ctx, *agent); err != nil {
		return err
	}
	m.RequestRefresh(agentName, reason)
	return nil
}

// RequestRefresh appends reason to agentName's pending-refresh list
// without touching the Store. It never blocks (§4.9.3).
func (m *Manager) RequestRefresh(agentName, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRefresh[agentName] = append(m.pendingRefresh[agentName], reason)
}

func (m *Manager) drainPendingRefresh(agentName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reasons := m.pendingRefresh[agentName]
	delete(m.pendingRefresh, agentName)
	return reasons
}

func (m *Manager) bossLocation(ctx context.Context) (*time.Location, error) {
	if m.config == nil {
		return time.Local, nil
	}
	tz, ok, err := m.config.GetConfig(ctx, hiboss.ConfigBossTimezone)
	if err != nil {
		return nil, err
	}
	if !ok || tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid boss timezone %q: %w", tz, err)
	}
	return loc, nil
}

// mostRecentResetBoundary returns the latest instant at-or-before now
// whose wall-clock time in loc is hhmm ("HH:MM").
func mostRecentResetBoundary(now time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	hour, minute, err := parseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if boundary.After(local) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dailyResetAt %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("dailyResetAt %q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("dailyResetAt %q has an invalid minute", s)
	}
	return hour, minute, nil
}

func readHandle(metadata map[string]any) (hiboss.SessionHandle, bool) {
	raw, ok := metadata[hiboss.ReservedMetadataKey]
	if !ok || raw == nil {
		return hiboss.SessionHandle{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return hiboss.SessionHandle{}, false
	}
	handle := hiboss.SessionHandle{
		Provider:           hiboss.Provider(str(m["Provider"])),
		SessionID:          str(m["SessionID"]),
		Workspace:          str(m["Workspace"]),
		SystemInstructions: str(m["SystemInstructions"]),
		Model:              str(m["Model"]),
		ReasoningEffort:     hiboss.ReasoningEffort(str(m["ReasoningEffort"])),
		CreatedAtMs:         num(m["CreatedAtMs"]),
	}
	if v, ok := m["LastRunCompletedAtMs"]; ok && v != nil {
		n := int64(num(v))
		handle.LastRunCompletedAtMs = &n
	}
	handle.CodexCumulativeInputTokens = num(m["CodexCumulativeInputTokens"])
	handle.CodexCumulativeOutputTokens = num(m["CodexCumulativeOutputTokens"])
	return handle, handle.Provider != "" && handle.SessionID != ""
}

func writeHandle(agent *hiboss.Agent, handle hiboss.SessionHandle) {
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	m := map[string]any{
		"Provider":                    string(handle.Provider),
		"SessionID":                   handle.SessionID,
		"Workspace":                   handle.Workspace,
		"SystemInstructions":          handle.SystemInstructions,
		"Model":                       handle.Model,
		"ReasoningEffort":             string(handle.ReasoningEffort),
		"CreatedAtMs":                 handle.CreatedAtMs,
		"CodexCumulativeInputTokens":  handle.CodexCumulativeInputTokens,
		"CodexCumulativeOutputTokens": handle.CodexCumulativeOutputTokens,
	}
	if handle.LastRunCompletedAtMs != nil {
		m["LastRunCompletedAtMs"] = *handle.LastRunCompletedAtMs
	}
	agent.Metadata[hiboss.ReservedMetadataKey] = m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
