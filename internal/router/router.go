// Package router implements the single entry point for new envelopes
// (C5): validate, persist, then dispatch to an adapter, an agent's
// queue, or the deferred-delivery scheduler.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evilpsycho42/hiboss"
)

// Store is the subset of store.Store the router needs.
type Store interface {
	InsertEnvelope(ctx context.Context, e hiboss.Envelope) error
	GetAgentBindingByType(ctx context.Context, agentName, adapterType string) (*hiboss.Binding, error)
	MarkEnvelopeSent(ctx context.Context, id, channelMessageID string) error
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AgentWaker notifies the AgentExecutor that new envelopes are pending
// for an agent (§4.5 step 3).
type AgentWaker interface {
	Wake(agentName string)
}

// DeferredNotifier tells the EnvelopeScheduler a new envelope was
// created so it can recompute its wake time (§4.6).
type DeferredNotifier interface {
	OnEnvelopeCreated(e hiboss.Envelope)
}

// DoneNotifier observes envelope ids the router flips to done after a
// successful channel send, so the CronScheduler can advance a
// channel-addressed schedule (§4.7). Agent-addressed envelopes are
// flipped by the AgentExecutor instead, which carries its own
// notifier; together the two cover every pending→done transition a
// schedule's pendingEnvelopeId can take.
type DoneNotifier interface {
	OnEnvelopesDone(ctx context.Context, ids []string) error
}

// Router wires the Store, per-agent wake signal, deferred-delivery
// notifier, and the registered chat adapters.
type Router struct {
	store     Store
	waker     AgentWaker
	scheduler DeferredNotifier
	adapters  map[string]hiboss.ChatAdapter

	// doneNotifier is wired by the Daemon after construction (the
	// CronScheduler needs the Router to exist first); nil in tests
	// that don't exercise cron advancement.
	doneNotifier DoneNotifier
}

// New constructs a Router. adapters maps platform name ("telegram") to
// its ChatAdapter; waker and scheduler may be nil during tests that
// only exercise validation and persistence.
func New(store Store, waker AgentWaker, scheduler DeferredNotifier, adapters map[string]hiboss.ChatAdapter) *Router {
	return &Router{store: store, waker: waker, scheduler: scheduler, adapters: adapters}
}

// SetDoneNotifier wires the CronScheduler's advance hook; call before
// routing begins.
func (r *Router) SetDoneNotifier(n DoneNotifier) { r.doneNotifier = n }

// RouteEnvelopeInput is the Router's single entry point's input.
type RouteEnvelopeInput struct {
	Envelope hiboss.Envelope
	// AttachSideEffect, when set, runs inside the same transaction as
	// the envelope insert — used by CronScheduler to atomically link
	// the new envelope as a schedule's pendingEnvelopeId (§4.5 step 2).
	AttachSideEffect func(ctx context.Context) error
}

// RouteEnvelope validates, persists, then dispatches a new envelope
// (§4.5). Idempotence: inserting is idempotent only on the caller-
// supplied Envelope.ID; retries must reuse the same id.
func (r *Router) RouteEnvelope(ctx context.Context, in RouteEnvelopeInput) (hiboss.Envelope, error) {
	env := in.Envelope
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = time.Now().UnixMilli()
	}
	if env.Status == "" {
		env.Status = hiboss.EnvelopePending
	}

	if err := r.validate(ctx, env); err != nil {
		return hiboss.Envelope{}, err
	}

	err := r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := r.store.InsertEnvelope(ctx, env); err != nil {
			return hiboss.Wrap(hiboss.ErrInternal, "router.routeEnvelope", err)
		}
		if in.AttachSideEffect != nil {
			return in.AttachSideEffect(ctx)
		}
		return nil
	})
	if err != nil {
		return hiboss.Envelope{}, err
	}

	if dispatchErr := r.dispatch(ctx, env); dispatchErr != nil {
		return env, dispatchErr
	}
	return env, nil
}

func (r *Router) validate(ctx context.Context, env hiboss.Envelope) error {
	if env.From.Kind == "" || env.To.Kind == "" {
		return hiboss.NewError(hiboss.ErrInvalidParams, "router.routeEnvelope", "from and to are required")
	}
	if env.DeliverAt != nil && *env.DeliverAt < env.CreatedAt {
		return hiboss.NewError(hiboss.ErrInvalidParams, "router.routeEnvelope", "deliverAt must not precede createdAt")
	}
	if env.Metadata.ParseMode != "" || env.Metadata.ReplyToMessageID != "" {
		if !env.To.IsChannel() {
			return hiboss.NewError(hiboss.ErrInvalidParams, "router.routeEnvelope", "parseMode and replyToMessageId are only valid when to is a channel")
		}
	}
	if env.To.IsChannel() {
		if !env.From.IsAgent() {
			return hiboss.NewError(hiboss.ErrInvalidParams, "router.routeEnvelope", "a channel destination requires from to be an agent")
		}
		binding, err := r.store.GetAgentBindingByType(ctx, env.From.Name, env.To.Adapter)
		if err != nil || binding.AdapterToken == "" {
			return hiboss.NewError(hiboss.ErrInvalidParams, "router.routeEnvelope", "agent %q has no binding to adapter %q", env.From.Name, env.To.Adapter)
		}
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, env hiboss.Envelope) error {
	if env.IsDeferred() {
		if r.scheduler != nil {
			r.scheduler.OnEnvelopeCreated(env)
		}
		return nil
	}
	switch env.To.Kind {
	case hiboss.AddressAgent:
		if r.waker != nil {
			r.waker.Wake(env.To.Name)
		}
		return nil
	case hiboss.AddressChannel:
		return r.dispatchToChannel(ctx, env)
	default:
		return nil
	}
}

// DispatchDue delivers an already-persisted envelope whose deliverAt
// has arrived (§4.6). It satisfies envsched.Dispatcher. Unlike
// dispatch, it never re-checks IsDeferred — the envelope is due by
// construction (the scheduler only calls this for rows
// GetDueDeferredEnvelopes returned), and DeliverAt remains set on the
// row itself, so routing it back through dispatch would loop it back
// to the scheduler instead of delivering it. Dispatch errors are
// logged rather than returned since the envelope is already durable
// and there is nothing to roll back.
func (r *Router) DispatchDue(ctx context.Context, env hiboss.Envelope) {
	var err error
	switch env.To.Kind {
	case hiboss.AddressAgent:
		if r.waker != nil {
			r.waker.Wake(env.To.Name)
		}
	case hiboss.AddressChannel:
		err = r.dispatchToChannel(ctx, env)
	}
	if err != nil {
		slog.Error("router: dispatch due envelope failed", "envelopeId", env.ID, "error", err)
	}
}

func (r *Router) dispatchToChannel(ctx context.Context, env hiboss.Envelope) error {
	adapter, ok := r.adapters[env.To.Adapter]
	if !ok {
		return hiboss.NewError(hiboss.ErrInvalidParams, "router.dispatch", "no adapter registered for %q", env.To.Adapter).
			WithData(map[string]any{"envelopeId": env.ID})
	}
	opts := hiboss.SendOptions{ParseMode: env.Metadata.ParseMode, ReplyToMessageID: env.Metadata.ReplyToMessageID}
	var err error
	var channelMessageID string
	if len(env.Content.Attachments) > 0 {
		for _, a := range env.Content.Attachments {
			if res, sendErr := adapter.SendAttachment(ctx, env.To.ChatID, a, opts); sendErr != nil {
				err = sendErr
			} else {
				channelMessageID = res.ChannelMessageID
			}
		}
	}
	if env.Content.Text != "" {
		if res, sendErr := adapter.SendText(ctx, env.To.ChatID, env.Content.Text, opts); sendErr != nil {
			err = sendErr
		} else {
			channelMessageID = res.ChannelMessageID
		}
	}
	if err != nil {
		// The envelope is already persisted and stays pending; surface
		// the error but do not roll it back. A deferred envelope is
		// picked up again on the scheduler's next tick; an immediate one
		// is not retried (§4.5, §7).
		return hiboss.Wrap(hiboss.ErrInternal, "router.dispatch", err).WithData(map[string]any{"envelopeId": env.ID})
	}
	// Close the envelope so a deferred channel send is not re-delivered
	// on the scheduler's next tick; record the adapter's message id.
	if markErr := r.store.MarkEnvelopeSent(ctx, env.ID, channelMessageID); markErr != nil {
		slog.Warn("router: mark envelope sent failed", "envelopeId", env.ID, "error", markErr)
	} else if r.doneNotifier != nil {
		if notifyErr := r.doneNotifier.OnEnvelopesDone(ctx, []string{env.ID}); notifyErr != nil {
			slog.Error("router: onEnvelopesDone failed", "envelopeId", env.ID, "error", notifyErr)
		}
	}
	return nil
}

// RouteReply produces the outbound envelopes for a turn's reply text
// (§2 control flow: the reply is handed back to the Router). Each
// distinct channel among the consumed envelopes' senders gets one
// reply, threaded onto the triggering message. Agent-sourced envelopes
// get no reply — echoing text back into an agent inbox (the shape
// every cron-materialized envelope has) would wake that agent's queue
// again and loop the daemon against itself.
func (r *Router) RouteReply(ctx context.Context, agentName, text string, consumed []hiboss.Envelope) {
	if text == "" {
		return
	}
	seen := map[string]bool{}
	for _, env := range consumed {
		if !env.From.IsChannel() || seen[env.From.String()] {
			continue
		}
		seen[env.From.String()] = true
		reply := hiboss.Envelope{
			From:    hiboss.AgentAddress(agentName),
			To:      env.From,
			Content: hiboss.Content{Text: text},
			Metadata: hiboss.EnvelopeMetadata{
				ReplyToMessageID:  env.Metadata.ChannelMessageID,
				ReplyToEnvelopeID: env.ID,
			},
		}
		if _, err := r.RouteEnvelope(ctx, RouteEnvelopeInput{Envelope: reply}); err != nil {
			slog.Error("router: route reply failed", "agent", agentName, "channel", env.From.String(), "error", err)
		}
	}
}
