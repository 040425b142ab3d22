// Package cronsched implements the CronScheduler (C7): it maintains
// the invariant that every enabled schedule has at most one outstanding
// materialized envelope, computing fire times with robfig/cron's
// Schedule.Next rather than running its own ticking goroutine — each
// fire only ever materializes an envelope for the Router/Store to
// deliver, it never invokes an agent directly.
package cronsched

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/router"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store is the subset of store.Store the cron scheduler needs.
type Store interface {
	CreateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error
	GetCronSchedule(ctx context.Context, id string) (*hiboss.CronSchedule, error)
	ListCronSchedules(ctx context.Context) ([]hiboss.CronSchedule, error)
	UpdateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error
	DeleteCronSchedule(ctx context.Context, id string) error
	MarkEnvelopesDone(ctx context.Context, ids []string) (int, error)
}

// Router is the subset of router.Router the cron scheduler needs to
// materialize a new pending envelope alongside the schedule update.
type Router interface {
	RouteEnvelope(ctx context.Context, in router.RouteEnvelopeInput) (hiboss.Envelope, error)
}

// Scheduler is the cron materialization engine.
type Scheduler struct {
	store  Store
	router Router
}

// New constructs a Scheduler.
func New(store Store, router Router) *Scheduler {
	return &Scheduler{store: store, router: router}
}

// NextFireAt computes the next fire time strictly after now (or equal
// to now — §4.7 tie-break: "now" itself counts as future), in the
// schedule's configured timezone ("" means local).
func NextFireAt(cronExpr, timezone string, now time.Time) (int64, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}
	// Schedule.Next is exclusive of its argument, so step back 1ms to
	// let an exact-now match still count as the next fire.
	in := now.Add(-time.Millisecond).In(loc)
	next := schedule.Next(in)
	return next.UnixMilli(), nil
}

// CreateSchedule validates the cron expression and timezone, persists
// the schedule, and atomically materializes its first pending
// envelope (§4.7 createSchedule).
func (s *Scheduler) CreateSchedule(ctx context.Context, cs hiboss.CronSchedule) (hiboss.CronSchedule, error) {
	now := time.Now()
	next, err := NextFireAt(cs.Cron, cs.Timezone, now)
	if err != nil {
		return hiboss.CronSchedule{}, hiboss.NewError(hiboss.ErrInvalidParams, "cron.create", "%v", err)
	}
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	cs.CreatedAt = now.UnixMilli()
	cs.UpdatedAt = cs.CreatedAt
	if cs.Enabled {
		env := hiboss.Envelope{
			ID:   uuid.NewString(),
			From: hiboss.AgentAddress(cs.AgentName), To: cs.To, Content: cs.Content, Metadata: cs.Metadata,
			DeliverAt: &next, CreatedAt: cs.CreatedAt,
		}
		env.Metadata.CronScheduleID = cs.ID
		cs.PendingEnvelopeID = env.ID
		created := cs
		if _, err := s.router.RouteEnvelope(ctx, router.RouteEnvelopeInput{
			Envelope:         env,
			AttachSideEffect: func(ctx context.Context) error { return s.store.CreateCronSchedule(ctx, created) },
		}); err != nil {
			return hiboss.CronSchedule{}, err
		}
		return cs, nil
	}
	if err := s.store.CreateCronSchedule(ctx, cs); err != nil {
		return hiboss.CronSchedule{}, err
	}
	return cs, nil
}

// EnableSchedule flips enabled=true; if no pending envelope exists, one
// is materialized for the next fire time (§4.7).
func (s *Scheduler) EnableSchedule(ctx context.Context, id string) error {
	cs, err := s.store.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	cs.Enabled = true
	cs.UpdatedAt = time.Now().UnixMilli()
	if cs.PendingEnvelopeID == "" {
		if err := s.materializeNext(ctx, cs); err != nil {
			return err
		}
	} else if err := s.store.UpdateCronSchedule(ctx, *cs); err != nil {
		return err
	}
	return nil
}

// DisableSchedule flips enabled=false. Any already-materialized
// pending envelope is kept with its deliverAt preserved — whether to
// cancel it is an open question the spec leaves to implementer
// discretion; this implementation preserves it (§9 Open Questions).
func (s *Scheduler) DisableSchedule(ctx context.Context, id string) error {
	cs, err := s.store.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	cs.Enabled = false
	cs.UpdatedAt = time.Now().UnixMilli()
	return s.store.UpdateCronSchedule(ctx, *cs)
}

// DeleteSchedule closes any pending envelope then deletes the row
// (§4.7).
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteCronSchedule(ctx, id)
}

// OnEnvelopesDone materializes the next envelope for every enabled
// schedule whose pendingEnvelopeId is among ids (§4.7); a disabled
// schedule whose pendingEnvelopeId is among ids has it cleared instead.
// Misfires (the computed next fire is already in the past relative to
// when this runs) are skipped forward to the next future occurrence,
// never backlogged.
func (s *Scheduler) OnEnvelopesDone(ctx context.Context, ids []string) error {
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	schedules, err := s.store.ListCronSchedules(ctx)
	if err != nil {
		return err
	}
	for _, cs := range schedules {
		if cs.PendingEnvelopeID == "" || !done[cs.PendingEnvelopeID] {
			continue
		}
		if !cs.Enabled {
			cs.PendingEnvelopeID = ""
			cs.UpdatedAt = time.Now().UnixMilli()
			if err := s.store.UpdateCronSchedule(ctx, cs); err != nil {
				return err
			}
			continue
		}
		if err := s.materializeNext(ctx, &cs); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileAllSchedules runs once at startup: every enabled schedule
// with no pending envelope gets one materialized for its next future
// fire (§4.7).
func (s *Scheduler) ReconcileAllSchedules(ctx context.Context) error {
	schedules, err := s.store.ListCronSchedules(ctx)
	if err != nil {
		return err
	}
	for _, cs := range schedules {
		if !cs.Enabled || cs.PendingEnvelopeID != "" {
			continue
		}
		if err := s.materializeNext(ctx, &cs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) materializeNext(ctx context.Context, cs *hiboss.CronSchedule) error {
	now := time.Now()
	next, err := NextFireAt(cs.Cron, cs.Timezone, now)
	if err != nil {
		return hiboss.NewError(hiboss.ErrInvalidParams, "cronsched.materializeNext", "%v", err)
	}
	env := hiboss.Envelope{
		From: hiboss.AgentAddress(cs.AgentName), To: cs.To, Content: cs.Content, Metadata: cs.Metadata,
		DeliverAt: &next, CreatedAt: now.UnixMilli(),
	}
	env.Metadata.CronScheduleID = cs.ID
	materialized, err := s.router.RouteEnvelope(ctx, router.RouteEnvelopeInput{Envelope: env})
	if err != nil {
		return err
	}
	cs.PendingEnvelopeID = materialized.ID
	cs.UpdatedAt = now.UnixMilli()
	return s.store.UpdateCronSchedule(ctx, *cs)
}
