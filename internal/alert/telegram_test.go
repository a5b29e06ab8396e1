package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pinrelay/internal/eventbus"
	"pinrelay/internal/relay"
	"pinrelay/internal/sched"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.texts = append(f.texts, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newTestService(bus eventbus.Bus, limit *rate.Limiter) (*Service, *fakeSender) {
	f := &fakeSender{}
	return &Service{
		cfg:     Config{Enabled: true, ChatID: 1},
		bot:     f,
		bus:     bus,
		limiter: limit,
		log:     logx.Nop(),
	}, f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestExhaustedEventAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc, f := newTestService(bus, rate.NewLimiter(rate.Inf, 1))
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Topic: eventbus.TopicActionExhausted, Data: sched.ExhaustedEvent{
		Action: store.Action{Kind: store.KindUnpin, TenantID: "g1", TargetID: "m1"},
		Result: sched.ResultRetryable,
		Err:    "rate limited",
	}})

	waitFor(t, func() bool { return len(f.sent()) == 1 })
	if msg := f.sent()[0]; !strings.Contains(msg, "m1") || !strings.Contains(msg, "retry ceiling") {
		t.Fatalf("unexpected alert text: %q", msg)
	}
}

func TestRelayFailureAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc, f := newTestService(bus, rate.NewLimiter(rate.Inf, 1))
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Topic: eventbus.TopicRelayFailed, Data: relay.FailedDelivery{
		TenantID: "g1", SourceID: "m1", EndpointID: "ep1", Err: "endpoint down",
	}})

	waitFor(t, func() bool { return len(f.sent()) == 1 })
	if msg := f.sent()[0]; !strings.Contains(msg, "ep1") {
		t.Fatalf("unexpected alert text: %q", msg)
	}
}

func TestUnrelatedTopicsIgnored(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc, f := newTestService(bus, rate.NewLimiter(rate.Inf, 1))
	svc.Start(context.Background())

	bus.Publish(eventbus.Event{Topic: eventbus.TopicSweepCompleted, Data: sched.SweepEvent{}})
	time.Sleep(50 * time.Millisecond)
	svc.Stop(context.Background())

	if got := f.sent(); len(got) != 0 {
		t.Fatalf("unexpected alerts: %v", got)
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	// One token, no refill within the test window.
	svc, f := newTestService(bus, rate.NewLimiter(rate.Every(time.Hour), 1))
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Topic: eventbus.TopicRelayFailed, Data: relay.FailedDelivery{
			TenantID: "g1", SourceID: "m1", EndpointID: "ep1", Err: "down",
		}})
	}

	waitFor(t, func() bool { return len(f.sent()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := f.sent(); len(got) != 1 {
		t.Fatalf("rate limiter should allow exactly one alert, got %d", len(got))
	}
}
