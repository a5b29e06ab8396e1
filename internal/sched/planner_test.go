package sched

import (
	"testing"
	"time"

	"pinrelay/internal/extract"
	"pinrelay/internal/platform"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

func basePolicy() TenantPolicy {
	return TenantPolicy{
		TriggerLabels:   []string{"Complete the group", "Complete Team"},
		Dialects:        map[string]extract.Dialect{"bot-a": extract.DialectDelimited, "bot-b": extract.DialectMarker},
		UnpinDelayMin:   60,
		ThreadDeleteMin: 90,
		UseEventTime:    true,
	}
}

func triggerEvent() platform.ContentEvent {
	return platform.ContentEvent{
		TenantID:  "g1",
		SourceID:  "m1",
		AuthorID:  "bot-a",
		ChannelID: "c1",
		Labels:    []string{"Complete the group"},
		Payload:   "Group forming, starts `2025-03-14 18:30` UTC",
	}
}

func TestPlanNoTriggerLabel(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	ev := triggerEvent()
	ev.Labels = []string{"Join waitlist"}
	if got := p.Plan(basePolicy(), ev, time.Now()); got != nil {
		t.Fatalf("expected no actions without a trigger label, got %d", len(got))
	}
}

func TestPlanUsesExtractedEventTime(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	got := p.Plan(basePolicy(), triggerEvent(), now)
	if len(got) != 1 {
		t.Fatalf("expected 1 action (no thread), got %d", len(got))
	}
	a := got[0]
	if a.Kind != store.KindUnpin || a.TargetID != "m1" {
		t.Fatalf("unexpected action: %+v", a)
	}
	want := time.Date(2025, 3, 14, 19, 30, 0, 0, time.UTC) // 18:30 + 60m
	if !a.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", a.DueAt, want)
	}
}

func TestPlanMarkerDialect(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	ev := triggerEvent()
	ev.AuthorID = "bot-b"
	ev.Payload = "Raid forming\n18:30 03/14/2025\n(gametime) see you there"
	got := p.Plan(basePolicy(), ev, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got))
	}
	want := time.Date(2025, 3, 14, 19, 30, 0, 0, time.UTC)
	if !got[0].DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got[0].DueAt, want)
	}
}

func TestPlanThreadDeletion(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	ev := triggerEvent()
	ev.ThreadID = "t1"
	got := p.Plan(basePolicy(), ev, now)
	if len(got) != 2 {
		t.Fatalf("expected unpin + thread delete, got %d", len(got))
	}
	td := got[1]
	if td.Kind != store.KindThreadDelete || td.TargetID != "t1" {
		t.Fatalf("unexpected second action: %+v", td)
	}
	want := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC) // 18:30 + 90m
	if !td.DueAt.Equal(want) {
		t.Fatalf("thread delete DueAt = %v, want %v", td.DueAt, want)
	}
}

func TestPlanMalformedTimestampFallsBack(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	ev := triggerEvent()
	ev.Payload = "starts `soon, promise` ok"
	got := p.Plan(basePolicy(), ev, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got))
	}
	want := now.Add(60 * time.Minute)
	if !got[0].DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want fallback %v", got[0].DueAt, want)
	}
}

func TestPlanEventTimeDisabled(t *testing.T) {
	t.Parallel()
	p := NewPlanner(logx.Nop())
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	policy := basePolicy()
	policy.UseEventTime = false
	got := p.Plan(policy, triggerEvent(), now)
	want := now.Add(60 * time.Minute)
	if !got[0].DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want now-based %v", got[0].DueAt, want)
	}
}

func TestComputeDueAt(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)
	if got := ComputeDueAt(base, 60); !got.Equal(base.Add(time.Hour)) {
		t.Fatalf("ComputeDueAt = %v", got)
	}
}
