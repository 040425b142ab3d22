// Package hiboss provides the core data model and shared error types for
// the Hi-Boss daemon: a single-user local process that routes messages
// ("envelopes") between a human boss, chat channels, and AI agents, and
// spawns a provider CLI (Claude Code or Codex) as a one-shot process per
// turn.
//
// This package holds the types shared across every component: Address,
// Envelope, Agent, Binding, AgentRun, CronSchedule, and the Error/ErrorKind
// pair used to map failures onto JSON-RPC error codes. The components
// themselves — Store, Router, AgentExecutor, SessionManager, the cron and
// envelope schedulers, the IPC server, and the daemon that wires them
// together — live in internal/ subpackages.
//
// # Architecture
//
// The daemon has one writer of durable state (internal/store), one
// dispatcher for new envelopes (internal/router), one scheduler for
// future-dated envelopes (internal/envsched), one scheduler that
// materializes cron fires into envelopes (internal/cronsched), one
// serialized per-agent turn executor (internal/executor), and a session
// manager that decides whether a turn opens a fresh provider session or
// resumes a prior one (internal/session). All of it is reachable only
// through a line-delimited JSON-RPC 2.0 server on a Unix socket
// (internal/ipc), gated by a simple principal + permission-level
// authorization model (internal/authz).
//
// # Thread Safety
//
// All exported types in this package are plain data and safe to share
// read-only across goroutines; mutation happens exclusively through the
// Store.
package hiboss
