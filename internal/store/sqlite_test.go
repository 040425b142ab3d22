package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/evilpsycho42/hiboss"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hiboss.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAgentAndFindByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, token, err := s.RegisterAgent(ctx, RegisterAgentInput{Name: "Nex", Provider: hiboss.ProviderClaude})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if agent.Name != "nex" {
		t.Errorf("agent name not lowercased: %q", agent.Name)
	}
	if len(token) != 6 {
		t.Errorf("token length = %d, want 6", len(token))
	}

	found, err := s.FindAgentByToken(ctx, token)
	if err != nil {
		t.Fatalf("FindAgentByToken: %v", err)
	}
	if found.Name != "nex" {
		t.Errorf("found agent name = %q, want nex", found.Name)
	}

	if _, err := s.FindAgentByToken(ctx, "wrong1"); err == nil {
		t.Error("FindAgentByToken with wrong token should error")
	}
}

func TestRegisterAgentDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.RegisterAgent(ctx, RegisterAgentInput{Name: "nex", Provider: hiboss.ProviderClaude}); err != nil {
		t.Fatalf("first RegisterAgent: %v", err)
	}
	_, _, err := s.RegisterAgent(ctx, RegisterAgentInput{Name: "NEX", Provider: hiboss.ProviderCodex})
	if err == nil {
		t.Fatal("expected duplicate-name error")
	}
	if se, ok := err.(*Error); !ok || se.Kind != KindAlreadyExists {
		t.Errorf("err = %v, want KindAlreadyExists", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deliverAt := int64(1700000000500)
	env := hiboss.Envelope{
		ID:   "e1",
		From: hiboss.AgentAddress("scheduler"),
		To:   hiboss.AgentAddress("nex"),
		Content: hiboss.Content{
			Text:        "hi there",
			Attachments: []hiboss.Attachment{{Source: "/tmp/a.png", Filename: "a.png"}},
		},
		Metadata:  hiboss.EnvelopeMetadata{Author: "boss", ParseMode: hiboss.ParseModeMarkdownV2},
		DeliverAt: &deliverAt,
		Status:    hiboss.EnvelopePending,
		CreatedAt: 1700000000000,
	}
	if err := s.InsertEnvelope(ctx, env); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}

	got, err := s.GetEnvelope(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if got.Content.Text != env.Content.Text ||
		len(got.Content.Attachments) != 1 || got.Content.Attachments[0].Source != "/tmp/a.png" ||
		got.Metadata.Author != "boss" || got.Metadata.ParseMode != hiboss.ParseModeMarkdownV2 ||
		*got.DeliverAt != deliverAt || got.From != env.From || got.To != env.To {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestGetPendingEnvelopesForAgentOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	to := hiboss.AgentAddress("nex")

	for i, created := range []int64{300, 100, 200} {
		if err := s.InsertEnvelope(ctx, hiboss.Envelope{
			ID: []string{"c", "a", "b"}[i], From: hiboss.AgentAddress("x"), To: to,
			Status: hiboss.EnvelopePending, CreatedAt: created,
		}); err != nil {
			t.Fatalf("InsertEnvelope: %v", err)
		}
	}

	got, err := s.GetPendingEnvelopesForAgent(ctx, "nex", 10, 10_000)
	if err != nil {
		t.Fatalf("GetPendingEnvelopesForAgent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	want := []string{"a", "b", "c"}
	for i, e := range got {
		if e.ID != want[i] {
			t.Errorf("got[%d].ID = %q, want %q", i, e.ID, want[i])
		}
	}
}

func TestMarkEnvelopesDoneAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertEnvelope(ctx, hiboss.Envelope{
		ID: "e1", From: hiboss.AgentAddress("x"), To: hiboss.AgentAddress("nex"),
		Status: hiboss.EnvelopePending, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed, err := s.MarkEnvelopesDone(ctx, []string{"e1"})
			if err != nil {
				t.Errorf("MarkEnvelopesDone: %v", err)
				return
			}
			results[i] = changed
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r
	}
	if total != 1 {
		t.Errorf("total changed across %d concurrent calls = %d, want 1", n, total)
	}
}

func TestMarkEnvelopeSent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deliverAt := int64(500)
	if err := s.InsertEnvelope(ctx, hiboss.Envelope{
		ID: "e1", From: hiboss.AgentAddress("nex"), To: hiboss.ChannelAddress("telegram", "42"),
		Status: hiboss.EnvelopePending, CreatedAt: 1, DeliverAt: &deliverAt,
	}); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}

	if err := s.MarkEnvelopeSent(ctx, "e1", "m77"); err != nil {
		t.Fatalf("MarkEnvelopeSent: %v", err)
	}

	env, err := s.GetEnvelope(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if env.Status != hiboss.EnvelopeDone {
		t.Errorf("Status = %q, want done", env.Status)
	}
	if env.Metadata.ChannelMessageID != "m77" {
		t.Errorf("ChannelMessageID = %q, want m77", env.Metadata.ChannelMessageID)
	}

	due, err := s.GetDueDeferredEnvelopes(ctx, 10_000)
	if err != nil {
		t.Fatalf("GetDueDeferredEnvelopes: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("a sent envelope must not come due again, got %d", len(due))
	}
}

func TestAgentRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateAgentRun(ctx, "nex", []string{"e1", "e2"}, 1000)
	if err != nil {
		t.Fatalf("CreateAgentRun: %v", err)
	}
	if err := s.CompleteAgentRun(ctx, runID, "done!", 42, TokenUsage{InputTokens: 10, OutputTokens: 5}, 2000); err != nil {
		t.Fatalf("CompleteAgentRun: %v", err)
	}
	run, err := s.GetAgentRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if run.Status != hiboss.RunCompleted || run.Response != "done!" || run.ContextLength != 42 {
		t.Errorf("run = %+v", run)
	}
	if err := s.CompleteAgentRun(ctx, runID, "again", 1, TokenUsage{}, 3000); err == nil {
		t.Error("completing an already-completed run should fail")
	}
}

func TestCronScheduleSinglePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cs := hiboss.CronSchedule{
		ID: "c1", AgentName: "nex", Cron: "0 9 * * 1-5", Timezone: "America/Los_Angeles",
		Enabled: true, To: hiboss.AgentAddress("nex"), PendingEnvelopeID: "p1", CreatedAt: 1,
	}
	if err := s.CreateCronSchedule(ctx, cs); err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}
	if err := s.InsertEnvelope(ctx, hiboss.Envelope{
		ID: "p1", From: hiboss.AgentAddress("nex"), To: hiboss.AgentAddress("nex"),
		Status: hiboss.EnvelopePending, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}

	if _, err := s.MarkEnvelopesDone(ctx, []string{"p1"}); err != nil {
		t.Fatalf("MarkEnvelopesDone: %v", err)
	}
	cs.PendingEnvelopeID = "p2"
	if err := s.UpdateCronSchedule(ctx, cs); err != nil {
		t.Fatalf("UpdateCronSchedule: %v", err)
	}

	got, err := s.GetCronSchedule(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCronSchedule: %v", err)
	}
	if got.PendingEnvelopeID != "p2" {
		t.Errorf("PendingEnvelopeID = %q, want p2", got.PendingEnvelopeID)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.RegisterAgent(ctx, RegisterAgentInput{Name: "nex", Provider: hiboss.ProviderClaude}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if err := s.CreateBinding(ctx, hiboss.Binding{AgentName: "nex", AdapterType: "telegram", AdapterToken: "tok"}); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if err := s.InsertEnvelope(ctx, hiboss.Envelope{
		ID: "e1", From: hiboss.AgentAddress("x"), To: hiboss.AgentAddress("nex"),
		Status: hiboss.EnvelopePending, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}
	// A cron pending envelope addressed to a channel, not the inbox.
	if err := s.InsertEnvelope(ctx, hiboss.Envelope{
		ID: "p1", From: hiboss.AgentAddress("nex"), To: hiboss.ChannelAddress("telegram", "42"),
		Status: hiboss.EnvelopePending, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("InsertEnvelope: %v", err)
	}
	if err := s.CreateCronSchedule(ctx, hiboss.CronSchedule{
		ID: "c1", AgentName: "nex", Cron: "0 9 * * *", Enabled: true,
		To: hiboss.ChannelAddress("telegram", "42"), PendingEnvelopeID: "p1", CreatedAt: 1,
	}); err != nil {
		t.Fatalf("CreateCronSchedule: %v", err)
	}

	if err := s.DeleteAgent(ctx, "nex"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(ctx, "nex"); err == nil {
		t.Error("agent should be gone")
	}
	if _, err := s.GetAgentBindingByType(ctx, "nex", "telegram"); err == nil {
		t.Error("binding should be gone")
	}
	env, err := s.GetEnvelope(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if env.Status != hiboss.EnvelopeDone {
		t.Errorf("envelope status = %q, want done", env.Status)
	}
	if _, err := s.GetCronSchedule(ctx, "c1"); err == nil {
		t.Error("cron schedule should be gone")
	}
	cronEnv, err := s.GetEnvelope(ctx, "p1")
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if cronEnv.Status != hiboss.EnvelopeDone {
		t.Errorf("cron pending envelope status = %q, want done", cronEnv.Status)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, hiboss.ConfigBossName, "Alice", 1); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	v, ok, err := s.GetConfig(ctx, hiboss.ConfigBossName)
	if err != nil || !ok || v != "Alice" {
		t.Errorf("GetConfig = (%q, %v, %v), want (Alice, true, nil)", v, ok, err)
	}
	if err := s.SetConfig(ctx, hiboss.ConfigBossName, "Bob", 2); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	v, _, _ = s.GetConfig(ctx, hiboss.ConfigBossName)
	if v != "Bob" {
		t.Errorf("GetConfig after overwrite = %q, want Bob", v)
	}
}
