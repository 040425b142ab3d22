// Package daemon wires every component named in SPEC_FULL.md's §2 table
// (C1-C9) into one running process (C10): it owns startup/shutdown
// ordering and the IPC dispatch table, the way the teacher's
// serve.Server.Start wires its store, scheduler, and Telegram bot in
// one method (serve/server.go), generalized from an HTTP server to a
// Unix-socket JSON-RPC one.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/authz"
	"github.com/evilpsycho42/hiboss/internal/channels/telegram"
	"github.com/evilpsycho42/hiboss/internal/cronsched"
	"github.com/evilpsycho42/hiboss/internal/envsched"
	"github.com/evilpsycho42/hiboss/internal/executor"
	"github.com/evilpsycho42/hiboss/internal/ipc"
	"github.com/evilpsycho42/hiboss/internal/lock"
	"github.com/evilpsycho42/hiboss/internal/logging"
	"github.com/evilpsycho42/hiboss/internal/memory"
	"github.com/evilpsycho42/hiboss/internal/promptrender"
	"github.com/evilpsycho42/hiboss/internal/provider"
	"github.com/evilpsycho42/hiboss/internal/router"
	"github.com/evilpsycho42/hiboss/internal/session"
	"github.com/evilpsycho42/hiboss/internal/store"
)

// Config carries everything the daemon needs that isn't derivable from
// the data directory layout itself (§6.4).
type Config struct {
	// HomeDir overrides the data directory (§6.4) by setting HIBOSS_HOME
	// for the process, so every hiboss.Home()-derived path (pid, socket,
	// db, BOSS.md, agent homes) stays consistent; empty keeps whatever
	// HIBOSS_HOME already names, defaulting to ~/hiboss.
	HomeDir string
	// DBPath overrides the default <HomeDir>/hiboss.db, mainly for tests.
	DBPath string
	// TelegramToken, if set, starts a Telegram adapter bound by whatever
	// agent later calls agent.bind with adapterType "telegram".
	TelegramToken string
	// ProviderBinaries overrides the claude/codex CLI binary names.
	ProviderBinaries provider.Config
	// ProbeDialTimeout bounds the second-instance socket liveness probe.
	ProbeDialTimeout time.Duration
}

func (c Config) dbPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return hiboss.DefaultDBPath()
}

func (c Config) probeDialTimeout() time.Duration {
	if c.ProbeDialTimeout > 0 {
		return c.ProbeDialTimeout
	}
	return 2 * time.Second
}

// ExitCode is the daemon process's exit status (§6.3).
type ExitCode int

const (
	ExitClean          ExitCode = 0
	ExitUnexpectedErr  ExitCode = 1
	ExitAlreadyRunning ExitCode = 2
	ExitCleanupFailed  ExitCode = 3
)

// Daemon wires C1-C9 and owns the process lifetime (C10).
type Daemon struct {
	cfg Config

	lock   *lock.Lock
	store  store.Store
	server *ipc.Server

	router   *router.Router
	executor *executor.Executor
	sessions *session.Manager
	cron     *cronsched.Scheduler
	envs     *envsched.Scheduler

	adapters  map[string]hiboss.ChatAdapter
	startedAt int64
}

// New constructs a Daemon. Call Run to acquire the lock, wire every
// component, and serve until ctx is cancelled.
func New(cfg Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// IsRunning implements the §4.2 two-part liveness probe a CLI can use
// before deciding whether to start a new daemon or talk to an existing
// one: a live pid plus a socket that actually answers.
func IsRunning(cfg Config) bool {
	cfg.Apply()
	return lock.Probe(hiboss.PidPath(), hiboss.SocketPath(), cfg.probeDialTimeout())
}

// Apply sets HIBOSS_HOME from cfg.HomeDir, if given, so every
// hiboss.Home()-derived path (pid, socket, db, BOSS.md, agent homes)
// agrees with the rest of the process for the remainder of its life.
// Callers that derive a hiboss.Home()-relative path before calling Run
// (e.g. to open a log file) must call Apply first.
func (c Config) Apply() {
	if c.HomeDir != "" {
		os.Setenv("HIBOSS_HOME", c.HomeDir)
	}
}

// Run is the full C10 lifecycle: acquire the single-instance lock,
// open the store, wire C1-C9, start the schedulers and adapters,
// accept IPC connections, and on ctx cancellation shut everything down
// in reverse order. It returns the process ExitCode the caller should
// pass to os.Exit.
func (d *Daemon) Run(ctx context.Context) ExitCode {
	d.cfg.Apply()

	if err := hiboss.EnsureHome(); err != nil {
		slog.Error("daemon: create home dir failed", "dir", hiboss.Home(), "error", err)
		return ExitUnexpectedErr
	}

	pidPath := hiboss.PidPath()
	l, err := lock.Acquire(pidPath)
	if err != nil {
		if err == lock.ErrHeld {
			slog.Error("daemon: another instance holds the lock", "pidFile", pidPath)
			return ExitAlreadyRunning
		}
		slog.Error("daemon: acquire lock failed", "error", err)
		return ExitUnexpectedErr
	}
	d.lock = l

	if err := d.start(ctx); err != nil {
		slog.Error("daemon: startup failed", "error", err)
		d.teardown()
		return ExitUnexpectedErr
	}

	serveErr := d.server.Serve(ctx)

	if err := d.teardown(); err != nil {
		slog.Error("daemon: cleanup failed", "error", err)
		return ExitCleanupFailed
	}
	if serveErr != nil && ctx.Err() == nil {
		slog.Error("daemon: ipc serve error", "error", serveErr)
		return ExitUnexpectedErr
	}
	return ExitClean
}

// start wires every collaborator in dependency order: Store first
// (everything else reads/writes through it), then the stateless
// policy/session layers, then the components that need each other
// (Router needs the Executor's Wake and the Scheduler's
// OnEnvelopeCreated; the Executor needs Sessions; the Scheduler needs
// the Router for dispatch), then reconciliation, then the
// EnvelopeScheduler and chat adapters, then the IPC surface last.
func (d *Daemon) start(ctx context.Context) error {
	d.startedAt = time.Now().UnixMilli()

	st, err := store.Open(d.cfg.dbPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.adapters = map[string]hiboss.ChatAdapter{}

	d.sessions = session.New(st, st)

	runner := provider.New(d.cfg.ProviderBinaries)
	mem := memory.NewKeyword()
	renderer := promptrender.New()
	d.executor = executor.New(st, d.sessions, runner, renderer, mem, hiboss.Home())

	// Router and envsched each need the other (Router notifies envsched
	// of new deferred envelopes; envsched dispatches due ones back
	// through Router.DispatchDue), so a thin proxy breaks the
	// construction cycle: Router gets the proxy immediately, and the
	// proxy's real target is filled in once envsched exists.
	notifier := &schedulerNotifier{}
	d.router = router.New(st, d.executor, notifier, d.adapters)
	d.envs = envsched.New(st, d.router)
	notifier.envs = d.envs
	d.cron = cronsched.New(st, d.router)
	// Cron advancement listens on both pending→done paths: the
	// executor flips agent-addressed envelopes, the router flips
	// channel-addressed ones after a successful send.
	d.executor.SetDoneNotifier(d.cron)
	d.executor.SetReplyRouter(d.router)
	d.router.SetDoneNotifier(d.cron)

	if err := d.cron.ReconcileAllSchedules(ctx); err != nil {
		slog.Error("daemon: reconcile cron schedules failed", "error", err)
	}
	d.envs.Start(ctx)

	if d.cfg.TelegramToken != "" {
		route := func(ctx context.Context, env hiboss.Envelope) (hiboss.Envelope, error) {
			return d.router.RouteEnvelope(ctx, router.RouteEnvelopeInput{Envelope: env})
		}
		adapter, err := telegram.New(d.cfg.TelegramToken, st, route)
		if err != nil {
			slog.Error("daemon: telegram adapter init failed", "error", err)
		} else {
			d.adapters["telegram"] = adapter
			if err := adapter.Start(ctx); err != nil {
				slog.Error("daemon: telegram adapter start failed", "error", err)
			}
		}
	}

	socketPath := hiboss.SocketPath()
	os.Remove(socketPath) // stale socket from an unclean prior shutdown; the lock already proves exclusivity
	resolver := principalResolver{store: st}
	policy := policyChecker{store: st}
	srv, err := ipc.NewServer(socketPath, resolver, policy)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		slog.Warn("daemon: chmod socket failed", "error", err)
	}
	d.server = srv

	ipc.RegisterAll(srv, ipc.Deps{
		Store:     st,
		Router:    d.router,
		Cron:      d.cron,
		Executor:  d.executor,
		Sessions:  d.sessions,
		Memory:    mem,
		Adapters:  d.adapters,
		StartedAt: d.startedAt,
		HomeDir:   hiboss.Home(),
		LogLevel:  func() string { return logging.GetLevel().String() },
	})

	return nil
}

// executorDrainGrace bounds how long teardown waits for in-flight
// AgentExecutor turns to finish on their own before closing the store
// out from under them.
const executorDrainGrace = 10 * time.Second

// teardown implements the shutdown ordering SPEC_FULL.md's "Graceful
// shutdown ordering" calls for: stop accepting IPC connections, stop
// the envelope scheduler and adapters, drain in-flight executor turns
// with a bounded grace period, unlink the socket, close the store,
// release the lock. Each step is best-effort; the first error is returned after
// every step has run, since a partial teardown is still worth
// completing (§4.2 release flow: unlink socket, unlink pid, release
// lock).
func (d *Daemon) teardown() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.server != nil {
		note(d.server.Close())
	}
	if d.envs != nil {
		d.envs.Stop()
	}
	for name, adapter := range d.adapters {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adapter.Stop(stopCtx); err != nil {
			slog.Warn("daemon: adapter stop failed", "adapter", name, "error", err)
		}
		cancel()
	}
	if d.executor != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), executorDrainGrace)
		d.executor.Drain(drainCtx)
		cancel()
	}
	os.Remove(hiboss.SocketPath())
	if d.store != nil {
		note(d.store.Close())
	}
	if d.lock != nil {
		note(d.lock.Release())
	}
	return firstErr
}

// schedulerNotifier breaks the Router/envsched.Scheduler construction
// cycle (see start, above): it implements router.DeferredNotifier and
// forwards to envs once that field is set.
type schedulerNotifier struct {
	envs *envsched.Scheduler
}

func (n *schedulerNotifier) OnEnvelopeCreated(e hiboss.Envelope) {
	if n.envs != nil {
		n.envs.OnEnvelopeCreated(e)
	}
}

// principalResolver adapts authz.Resolve to ipc.PrincipalResolver.
type principalResolver struct {
	store store.Store
}

func (r principalResolver) Resolve(ctx context.Context, token string) (ipc.Principal, error) {
	p, err := authz.Resolve(ctx, r.store, token)
	if err != nil {
		return ipc.Principal{}, err
	}
	return ipc.Principal{IsBoss: p.IsBoss(), AgentName: p.AgentName, Level: p.Level}, nil
}

// policyChecker adapts the authz.Policy (loaded fresh from config on
// every call, so a permission_policy config change takes effect
// immediately without a restart) to ipc.PolicyChecker.
type policyChecker struct {
	store store.Store
}

func (c policyChecker) AssertOperationAllowed(op string, p ipc.Principal) error {
	policy := authz.DefaultPolicy
	if raw, ok, err := c.store.GetConfig(context.Background(), hiboss.ConfigPermissionPolicy); err == nil && ok {
		if merged, err := authz.ParsePolicyOverrides(authz.DefaultPolicy, raw); err == nil {
			policy = merged
		}
	}
	kind := authz.PrincipalAgent
	if p.IsBoss {
		kind = authz.PrincipalBoss
	}
	principal := authz.Principal{Kind: kind, AgentName: p.AgentName, Level: p.Level}
	return policy.AssertOperationAllowed(op, principal)
}
