package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "pinrelay/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testAction(tenant, target string, due time.Time) Action {
	return Action{
		ID:        "a-" + target,
		TenantID:  tenant,
		Kind:      KindUnpin,
		ChannelID: "c1",
		TargetID:  target,
		DueAt:     due,
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	a := testAction("g1", "m1", time.Now().Add(time.Hour))
	ins, err := s.Enqueue(ctx, a)
	if err != nil || !ins {
		t.Fatalf("first enqueue: inserted=%v err=%v", ins, err)
	}
	ins, err = s.Enqueue(ctx, a)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ins {
		t.Fatal("second enqueue with same identity must not insert")
	}

	due, err := s.DueBefore(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected exactly one stored action, got %d", len(due))
	}
}

func TestDueBeforeFIFOWithinTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	now := time.Now()
	// Enqueue out of due-time order; FIFO means enqueue order wins.
	for i, target := range []string{"m1", "m2", "m3"} {
		a := testAction("g1", target, now.Add(-time.Duration(3-i)*time.Minute))
		if _, err := s.Enqueue(ctx, a); err != nil {
			t.Fatalf("enqueue %s: %v", target, err)
		}
	}

	due, err := s.DueBefore(ctx, now)
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due actions, got %d", len(due))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if due[i].TargetID != want {
			t.Fatalf("position %d = %s, want %s (FIFO)", i, due[i].TargetID, want)
		}
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	if err := s.Remove(ctx, testAction("g1", "ghost", time.Now())); err != nil {
		t.Fatalf("removing absent action must be a no-op, got %v", err)
	}
}

func TestPastDueSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	past := testAction("g1", "m1", time.Now().Add(-3*time.Hour))
	if _, err := s.Enqueue(ctx, past); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the past-due entry must be immediately due, not dropped.
	s2 := openTestStore(t, dir)
	defer s2.Close()
	due, err := s2.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueBefore after reopen: %v", err)
	}
	if len(due) != 1 || due[0].TargetID != "m1" {
		t.Fatalf("past-due action lost across restart: %+v", due)
	}
}

func TestJournalReplayWithoutFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if _, err := s.Enqueue(ctx, testAction("g1", "m1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// No Flush: state must still come back from the journal alone.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, dir)
	defer s2.Close()
	due, err := s2.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("journal-only state lost: got %d actions", len(due))
	}
}

func TestIncrementRetryPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	a := testAction("g1", "m1", time.Now().Add(-time.Minute))
	if _, err := s.Enqueue(ctx, a); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	upd, err := s.IncrementRetry(ctx, a)
	if err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if upd.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", upd.Retries)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, dir)
	defer s2.Close()
	due, err := s2.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 1 || due[0].Retries != 1 {
		t.Fatalf("retry count not durable: %+v", due)
	}
}

func TestClaimRelayOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	first, err := s.ClaimRelay(ctx, "g1", "src1")
	if err != nil || !first {
		t.Fatalf("first claim: claimed=%v err=%v", first, err)
	}
	again, err := s.ClaimRelay(ctx, "g1", "src1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Fatal("second claim for the same source must report false")
	}

	if err := s.AddRelayCopies(ctx, "src1", []RelayCopy{{EndpointID: "e1", CopyID: "w1"}, {EndpointID: "e2", CopyID: "w2"}}); err != nil {
		t.Fatalf("AddRelayCopies: %v", err)
	}
	rec, ok, err := s.GetRelay(ctx, "src1")
	if err != nil || !ok {
		t.Fatalf("GetRelay: ok=%v err=%v", ok, err)
	}
	if len(rec.Copies) != 2 || rec.Copies[0].CopyID != "w1" || rec.Copies[1].CopyID != "w2" {
		t.Fatalf("unexpected copies: %+v", rec.Copies)
	}
}

func TestRelayTTLPruneOnFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db"), RelayTTL: time.Nanosecond}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.ClaimRelay(ctx, "g1", "old"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok, _ := s.GetRelay(ctx, "old"); ok {
		t.Fatal("expired relay record should have been pruned")
	}
}
