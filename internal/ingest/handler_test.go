package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pinrelay/internal/extract"
	"pinrelay/internal/platform"
	"pinrelay/internal/sched"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

type scriptClient struct {
	mu       sync.Mutex
	pinned   []platform.Message // ListPinned result, newest first
	pins     []string
	unpins   []string
	purges   int
	threads  []string
	renames  []string
	pinErr   error
	listErr  error
	threadID string
}

func (c *scriptClient) Pin(ctx context.Context, channelID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinErr != nil {
		return c.pinErr
	}
	c.pins = append(c.pins, messageID)
	return nil
}

func (c *scriptClient) Unpin(ctx context.Context, channelID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpins = append(c.unpins, messageID)
	return nil
}

func (c *scriptClient) ListPinned(ctx context.Context, channelID string) ([]platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]platform.Message(nil), c.pinned...), nil
}

func (c *scriptClient) DeleteThread(ctx context.Context, threadID string) error { return nil }

func (c *scriptClient) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = append(c.threads, name)
	return c.threadID, nil
}

func (c *scriptClient) RenameThread(ctx context.Context, threadID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renames = append(c.renames, name)
	return nil
}

func (c *scriptClient) PurgeLast(ctx context.Context, channelID string, match func(platform.Message) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	return nil
}

func testRule() Rule {
	return Rule{
		Policy: sched.TenantPolicy{
			TriggerLabels: []string{"Complete the group"},
			Dialects:      map[string]extract.Dialect{"bot-a": extract.DialectDelimited},
			UnpinDelayMin: 60,
		},
		Channels: []string{"c1"},
		MaxPins:  3,
	}
}

func newTestHandler(t *testing.T, client *scriptClient, rule Rule) (*Handler, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	exec := sched.NewExecutor(client, time.Second, logx.Nop())
	svc := sched.New(sched.Config{Enabled: true}, st, exec, nil, logx.Nop())
	rules := func(tenantID string) (Rule, bool) {
		if tenantID == "g1" {
			return rule, true
		}
		return Rule{}, false
	}
	return NewHandler(client, sched.NewPlanner(logx.Nop()), svc, nil, rules, "self", logx.Nop()), st
}

func contentEvent() platform.ContentEvent {
	return platform.ContentEvent{
		TenantID:  "g1",
		SourceID:  "m1",
		AuthorID:  "bot-a",
		ChannelID: "c1",
		Labels:    []string{"Complete the group"},
		Payload:   "Group forming",
	}
}

func stored(t *testing.T, st store.Store) []store.Action {
	t.Helper()
	due, err := st.DueBefore(context.Background(), time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	return due
}

func TestHandleContentPinsAndSchedules(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	h, st := newTestHandler(t, client, testRule())

	h.HandleContent(context.Background(), contentEvent())

	if len(client.pins) != 1 || client.pins[0] != "m1" {
		t.Fatalf("pins = %v, want [m1]", client.pins)
	}
	if client.purges != 1 {
		t.Fatalf("purges = %d, want 1", client.purges)
	}
	actions := stored(t, st)
	if len(actions) != 1 || actions[0].Kind != store.KindUnpin || actions[0].TargetID != "m1" {
		t.Fatalf("stored actions = %+v", actions)
	}
}

func TestHandleContentIgnoresUnmonitoredChannel(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	h, st := newTestHandler(t, client, testRule())

	ev := contentEvent()
	ev.ChannelID = "elsewhere"
	h.HandleContent(context.Background(), ev)

	if len(client.pins) != 0 || len(stored(t, st)) != 0 {
		t.Fatal("unmonitored channel must be ignored")
	}
}

func TestHandleContentIgnoresUnknownAuthor(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	h, st := newTestHandler(t, client, testRule())

	ev := contentEvent()
	ev.AuthorID = "random-user"
	h.HandleContent(context.Background(), ev)

	if len(client.pins) != 0 || len(stored(t, st)) != 0 {
		t.Fatal("unknown author must be ignored")
	}
}

func TestHandleContentNonTriggerSkipsPin(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	h, st := newTestHandler(t, client, testRule())

	ev := contentEvent()
	ev.Labels = []string{"Join waitlist"}
	h.HandleContent(context.Background(), ev)

	if len(client.pins) != 0 || len(stored(t, st)) != 0 {
		t.Fatal("non-trigger message must not pin or schedule")
	}
}

func TestPinCeilingEvictsOldest(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	for i := 0; i < 3; i++ {
		// Newest first, so p3 is the oldest pin.
		client.pinned = append(client.pinned, platform.Message{ID: fmt.Sprintf("p%d", i+1), ChannelID: "c1"})
	}
	h, _ := newTestHandler(t, client, testRule())

	h.HandleContent(context.Background(), contentEvent())

	if len(client.unpins) != 1 || client.unpins[0] != "p3" {
		t.Fatalf("unpins = %v, want oldest [p3]", client.unpins)
	}
	if len(client.pins) != 1 {
		t.Fatalf("pins = %v, want the trigger pinned after eviction", client.pins)
	}
}

func TestPinCeilingBelowLimitNoEviction(t *testing.T) {
	t.Parallel()
	client := &scriptClient{pinned: []platform.Message{{ID: "p1"}}}
	h, _ := newTestHandler(t, client, testRule())

	h.HandleContent(context.Background(), contentEvent())

	if len(client.unpins) != 0 {
		t.Fatalf("unpins = %v, want none below the ceiling", client.unpins)
	}
}

func TestPinListFailureStillPins(t *testing.T) {
	t.Parallel()
	client := &scriptClient{listErr: errors.New("api down")}
	h, _ := newTestHandler(t, client, testRule())

	h.HandleContent(context.Background(), contentEvent())

	if len(client.pins) != 1 {
		t.Fatal("pin must still be attempted when the pin list is unavailable")
	}
}

func TestForceThreadCreation(t *testing.T) {
	t.Parallel()
	client := &scriptClient{threadID: "t-new"}
	rule := testRule()
	rule.ForceThread = true
	rule.Policy.ThreadDeleteMin = 90
	h, st := newTestHandler(t, client, rule)

	ev := contentEvent()
	ev.Payload = "Raid tonight\nbring flasks"
	h.HandleContent(context.Background(), ev)

	if len(client.threads) != 1 || client.threads[0] != "Raid tonight" {
		t.Fatalf("threads = %v, want one named after the first line", client.threads)
	}
	actions := stored(t, st)
	if len(actions) != 2 {
		t.Fatalf("stored %d actions, want unpin + thread delete", len(actions))
	}
	if actions[1].Kind != store.KindThreadDelete || actions[1].TargetID != "t-new" {
		t.Fatalf("second action = %+v", actions[1])
	}
}

func TestEditRenamesForcedThread(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	rule := testRule()
	rule.ForceThread = true
	h, _ := newTestHandler(t, client, rule)

	h.HandleEdit(context.Background(), platform.EditEvent{
		TenantID:  "g1",
		SourceID:  "m1",
		ChannelID: "c1",
		ThreadID:  "t1",
		Payload:   "Raid moved to 9pm\ndetails inside",
	})

	if len(client.renames) != 1 || client.renames[0] != "Raid moved to 9pm" {
		t.Fatalf("renames = %v, want the edited first line", client.renames)
	}
}

func TestPinFailureStillSchedules(t *testing.T) {
	t.Parallel()
	client := &scriptClient{pinErr: errors.New("forbidden")}
	h, st := newTestHandler(t, client, testRule())

	h.HandleContent(context.Background(), contentEvent())

	if len(stored(t, st)) != 1 {
		t.Fatal("scheduling must not depend on pin success")
	}
}
