// Package authz resolves RPC callers to a Principal and enforces the
// permission policy (C4): a mapping from operation name to the minimum
// PermissionLevel required to invoke it.
package authz

import (
	"context"
	"encoding/json"

	"github.com/evilpsycho42/hiboss"
)

// PrincipalKind distinguishes the boss from an agent principal.
type PrincipalKind string

const (
	PrincipalBoss  PrincipalKind = "boss"
	PrincipalAgent PrincipalKind = "agent"
)

// Principal is the authenticated subject of an RPC call.
type Principal struct {
	Kind      PrincipalKind
	AgentName string // set when Kind == PrincipalAgent
	Level     hiboss.PermissionLevel
}

// IsBoss reports whether this principal is the boss.
func (p Principal) IsBoss() bool { return p.Kind == PrincipalBoss }

// AgentStore is the subset of store.Store authz needs to resolve a
// bearer token to a principal.
type AgentStore interface {
	VerifyBossToken(ctx context.Context, token string) (bool, error)
	FindAgentByToken(ctx context.Context, token string) (*hiboss.Agent, error)
}

// Resolve authenticates token against the store, returning the
// matching Principal. Returns ErrUnauthorized (via *hiboss.Error) if
// the token matches nothing.
func Resolve(ctx context.Context, store AgentStore, token string) (Principal, error) {
	isBoss, err := store.VerifyBossToken(ctx, token)
	if err != nil {
		return Principal{}, hiboss.Wrap(hiboss.ErrInternal, "authz.resolve", err)
	}
	if isBoss {
		return Principal{Kind: PrincipalBoss, Level: hiboss.PermissionBoss}, nil
	}
	agent, err := store.FindAgentByToken(ctx, token)
	if err != nil {
		return Principal{}, hiboss.NewError(hiboss.ErrUnauthorized, "authz.resolve", "invalid token")
	}
	return Principal{Kind: PrincipalAgent, AgentName: agent.Name, Level: agent.PermissionLevel}, nil
}

// Policy maps operation name to the minimum level required to invoke
// it (§4.4 permission policy v1). A default policy is compiled in;
// entries in the stored "permission_policy" config override it.
type Policy map[string]hiboss.PermissionLevel

// DefaultPolicy is the compiled-in policy v1. Boss-only lifecycle
// operations sit at PermissionBoss; agent self-service operations sit
// at PermissionRestricted so any registered agent can use them.
var DefaultPolicy = Policy{
	"daemon.ping":               hiboss.PermissionRestricted,
	"daemon.status":             hiboss.PermissionStandard,
	"setup.check":               hiboss.PermissionRestricted,
	"setup.execute":             hiboss.PermissionBoss,
	"boss.verify":               hiboss.PermissionRestricted,
	"agent.register":            hiboss.PermissionBoss,
	"agent.list":                hiboss.PermissionStandard,
	"agent.status":              hiboss.PermissionStandard,
	"agent.set":                 hiboss.PermissionPrivileged,
	"agent.delete":              hiboss.PermissionBoss,
	"agent.bind":                hiboss.PermissionPrivileged,
	"agent.unbind":              hiboss.PermissionPrivileged,
	"agent.refresh":             hiboss.PermissionStandard,
	"agent.abort":               hiboss.PermissionStandard,
	"agent.self":                hiboss.PermissionRestricted,
	"agent.session-policy.set":  hiboss.PermissionPrivileged,
	"envelope.send":             hiboss.PermissionRestricted,
	"envelope.list":             hiboss.PermissionStandard,
	"envelope.get":              hiboss.PermissionStandard,
	"reaction.set":              hiboss.PermissionRestricted,
	"cron.create":               hiboss.PermissionPrivileged,
	"cron.list":                 hiboss.PermissionStandard,
	"cron.enable":               hiboss.PermissionPrivileged,
	"cron.disable":              hiboss.PermissionPrivileged,
	"cron.delete":               hiboss.PermissionPrivileged,
	"memory.read":               hiboss.PermissionRestricted,
	"memory.write":              hiboss.PermissionRestricted,
	"memory.clear":              hiboss.PermissionPrivileged,
}

// ParsePolicyOverrides merges JSON-encoded {"op": "level", ...} entries
// from the stored permission_policy config value onto a copy of base.
func ParsePolicyOverrides(base Policy, storedJSON string) (Policy, error) {
	merged := make(Policy, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if storedJSON == "" {
		return merged, nil
	}
	var overrides map[string]string
	if err := json.Unmarshal([]byte(storedJSON), &overrides); err != nil {
		return nil, hiboss.Wrap(hiboss.ErrInternal, "authz.parsePolicyOverrides", err)
	}
	for op, level := range overrides {
		merged[op] = hiboss.ParsePermissionLevel(level)
	}
	return merged, nil
}

// AssertOperationAllowed fails with ErrUnauthorized unless principal's
// level is at least the operation's required level.
func (p Policy) AssertOperationAllowed(op string, principal Principal) error {
	required, ok := p[op]
	if !ok {
		required = hiboss.PermissionBoss // unknown operations default closed
	}
	if principal.Level < required {
		return hiboss.NewError(hiboss.ErrUnauthorized, op, "requires level %q, principal has %q", required, principal.Level)
	}
	return nil
}
