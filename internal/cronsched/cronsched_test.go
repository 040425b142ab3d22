package cronsched

import (
	"context"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/router"
)

type fakeStore struct {
	schedules map[string]hiboss.CronSchedule
}

func newFakeStore() *fakeStore { return &fakeStore{schedules: map[string]hiboss.CronSchedule{}} }

func (f *fakeStore) CreateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error {
	f.schedules[cs.ID] = cs
	return nil
}
func (f *fakeStore) GetCronSchedule(ctx context.Context, id string) (*hiboss.CronSchedule, error) {
	cs, ok := f.schedules[id]
	if !ok {
		return nil, hiboss.NewError(hiboss.ErrNotFound, "test", "not found")
	}
	return &cs, nil
}
func (f *fakeStore) ListCronSchedules(ctx context.Context) ([]hiboss.CronSchedule, error) {
	var out []hiboss.CronSchedule
	for _, cs := range f.schedules {
		out = append(out, cs)
	}
	return out, nil
}
func (f *fakeStore) UpdateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error {
	f.schedules[cs.ID] = cs
	return nil
}
func (f *fakeStore) DeleteCronSchedule(ctx context.Context, id string) error {
	delete(f.schedules, id)
	return nil
}
func (f *fakeStore) MarkEnvelopesDone(ctx context.Context, ids []string) (int, error) { return len(ids), nil }

type fakeRouter struct {
	created []hiboss.Envelope
}

func (r *fakeRouter) RouteEnvelope(ctx context.Context, in router.RouteEnvelopeInput) (hiboss.Envelope, error) {
	env := in.Envelope
	if env.ID == "" {
		env.ID = "generated-" + string(rune('a'+len(r.created)))
	}
	r.created = append(r.created, env)
	return env, nil
}

func TestNextFireAtWeekday9amLA(t *testing.T) {
	// A Saturday: 2024-01-06 is a Saturday in America/Los_Angeles.
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2024, 1, 6, 10, 0, 0, 0, loc)
	next, err := NextFireAt("0 9 * * 1-5", "America/Los_Angeles", now)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	got := time.UnixMilli(next).In(loc)
	if got.Weekday() != time.Monday || got.Hour() != 9 {
		t.Errorf("next = %v, want next Monday at 09:00", got)
	}
}

func TestNextFireAtExactNowCountsAsFuture(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextFireAt("0 9 * * *", "UTC", now)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if next != now.UnixMilli() {
		t.Errorf("next = %d, want %d (exact now should count as future)", next, now.UnixMilli())
	}
}

func TestCreateScheduleMaterializesPending(t *testing.T) {
	store := newFakeStore()
	r := &fakeRouter{}
	s := New(store, r)

	cs, err := s.CreateSchedule(context.Background(), hiboss.CronSchedule{
		ID: "c1", AgentName: "nex", Cron: "0 9 * * 1-5", Timezone: "America/Los_Angeles",
		Enabled: true, To: hiboss.AgentAddress("nex"),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if cs.PendingEnvelopeID == "" {
		t.Error("expected a pending envelope to be materialized")
	}
	if len(r.created) != 1 {
		t.Fatalf("len(r.created) = %d, want 1", len(r.created))
	}
}

func TestCreateScheduleEnvelopeShape(t *testing.T) {
	store := newFakeStore()
	r := &fakeRouter{}
	s := New(store, r)

	cs, err := s.CreateSchedule(context.Background(), hiboss.CronSchedule{
		AgentName: "nex", Cron: "@daily", Enabled: true, To: hiboss.AgentAddress("nex"),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if cs.ID == "" {
		t.Fatal("expected a generated schedule id")
	}
	env := r.created[0]
	if got := env.From.String(); got != "agent:nex" {
		t.Errorf("From = %q, want agent:nex", got)
	}
	if env.Metadata.CronScheduleID != cs.ID {
		t.Errorf("CronScheduleID = %q, want %q", env.Metadata.CronScheduleID, cs.ID)
	}
	if env.DeliverAt == nil {
		t.Error("expected a deliverAt on the materialized envelope")
	}
}

func TestOnEnvelopesDoneMaterializesNext(t *testing.T) {
	store := newFakeStore()
	r := &fakeRouter{}
	s := New(store, r)

	store.schedules["c1"] = hiboss.CronSchedule{
		ID: "c1", AgentName: "nex", Cron: "0 9 * * 1-5", Timezone: "UTC",
		Enabled: true, To: hiboss.AgentAddress("nex"), PendingEnvelopeID: "p1",
	}

	if err := s.OnEnvelopesDone(context.Background(), []string{"p1"}); err != nil {
		t.Fatalf("OnEnvelopesDone: %v", err)
	}
	updated := store.schedules["c1"]
	if updated.PendingEnvelopeID == "p1" || updated.PendingEnvelopeID == "" {
		t.Errorf("PendingEnvelopeID = %q, want a new id", updated.PendingEnvelopeID)
	}
	if len(r.created) != 1 {
		t.Errorf("len(r.created) = %d, want 1", len(r.created))
	}
}

func TestOnEnvelopesDoneIgnoresUnrelatedIDs(t *testing.T) {
	store := newFakeStore()
	r := &fakeRouter{}
	s := New(store, r)
	store.schedules["c1"] = hiboss.CronSchedule{ID: "c1", Enabled: true, Cron: "0 9 * * *", PendingEnvelopeID: "p1"}

	if err := s.OnEnvelopesDone(context.Background(), []string{"unrelated"}); err != nil {
		t.Fatalf("OnEnvelopesDone: %v", err)
	}
	if len(r.created) != 0 {
		t.Error("unrelated envelope id should not trigger materialization")
	}
}

func TestDisableSchedulePreservesPendingEnvelope(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeRouter{})
	store.schedules["c1"] = hiboss.CronSchedule{ID: "c1", Enabled: true, Cron: "0 9 * * *", PendingEnvelopeID: "p1"}

	if err := s.DisableSchedule(context.Background(), "c1"); err != nil {
		t.Fatalf("DisableSchedule: %v", err)
	}
	cs := store.schedules["c1"]
	if cs.Enabled {
		t.Error("schedule should be disabled")
	}
	if cs.PendingEnvelopeID != "p1" {
		t.Errorf("PendingEnvelopeID = %q, want preserved p1", cs.PendingEnvelopeID)
	}
}
