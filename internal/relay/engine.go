package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pinrelay/internal/eventbus"
	"pinrelay/internal/platform"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

// Endpoint is one relay destination for a tenant.
type Endpoint struct {
	ID  string
	URL string
}

// Outbound is the synthesized copy sent to an endpoint.
type Outbound struct {
	Preamble string // header with origin link
	Body     string // original payload, rendered as an embed
	Mentions string // plain-content mention line, empty when none
}

// Deliverer sends and edits copies on the destination side. The production
// implementation wraps webhook execution; tests substitute a fake.
type Deliverer interface {
	Send(ctx context.Context, endpoint Endpoint, out Outbound) (copyID string, err error)
	Edit(ctx context.Context, endpoint Endpoint, copyID string, out Outbound) error
}

// Config controls relay delivery.
type Config struct {
	DeliverTimeout time.Duration // per endpoint call, default 10s
	RatePerSecond  float64       // global delivery rate, default 5
	Burst          int           // default 5
}

func (c Config) withDefaults() Config {
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Engine forwards each source message to its endpoints at most once and
// propagates later edits to every recorded copy.
type Engine struct {
	cfg     Config
	store   store.Store
	deliver Deliverer
	bus     eventbus.Bus
	limiter *rate.Limiter
	log     logx.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex // source id -> per-source lock
}

func NewEngine(cfg Config, st store.Store, d Deliverer, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		deliver: d,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log,
	}
}

// sourceLock returns the mutex serializing work on one source id. Concurrent
// duplicate events for the same source queue behind it; the claim decides the
// winner.
func (e *Engine) sourceLock(sourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight == nil {
		e.inFlight = map[string]*sync.Mutex{}
	}
	l, ok := e.inFlight[sourceID]
	if !ok {
		l = &sync.Mutex{}
		e.inFlight[sourceID] = l
	}
	return l
}

// Forward relays the event to every endpoint exactly once per source id.
// Duplicate deliveries of the same source event (gateway replays, concurrent
// handlers) are absorbed: only the first claim forwards, the rest return nil
// without touching the endpoints.
//
// Each endpoint is attempted once per engine policy: a failed endpoint is
// logged and surfaced on the bus, never retried, and never blocks the others.
func (e *Engine) Forward(ctx context.Context, ev platform.ContentEvent, endpoints []Endpoint) error {
	if len(endpoints) == 0 {
		return nil
	}

	lock := e.sourceLock(ev.SourceID)
	lock.Lock()
	defer lock.Unlock()

	claimed, err := e.store.ClaimRelay(ctx, ev.TenantID, ev.SourceID)
	if err != nil {
		return fmt.Errorf("claim relay %s: %w", ev.SourceID, err)
	}
	if !claimed {
		e.log.Debug("duplicate relay suppressed", logx.String("source", ev.SourceID))
		return nil
	}

	out := e.synthesize(ev)

	var (
		wg     sync.WaitGroup
		cmu    sync.Mutex
		copies []store.RelayCopy
	)
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			copyID, err := e.send(ctx, ep, out)
			if err != nil {
				e.log.Error("relay delivery failed",
					logx.String("source", ev.SourceID),
					logx.String("endpoint", ep.ID),
					logx.Err(err))
				if e.bus != nil {
					e.bus.Publish(eventbus.Event{Topic: eventbus.TopicRelayFailed, Data: FailedDelivery{
						TenantID:   ev.TenantID,
						SourceID:   ev.SourceID,
						EndpointID: ep.ID,
						Err:        err.Error(),
					}})
				}
				return
			}
			cmu.Lock()
			copies = append(copies, store.RelayCopy{EndpointID: ep.ID, CopyID: copyID})
			cmu.Unlock()
		}(ep)
	}
	wg.Wait()

	if len(copies) > 0 {
		if err := e.store.AddRelayCopies(ctx, ev.SourceID, copies); err != nil {
			return fmt.Errorf("record relay copies %s: %w", ev.SourceID, err)
		}
	}
	e.log.Info("relay forwarded",
		logx.String("source", ev.SourceID),
		logx.String("tenant", ev.TenantID),
		logx.Int("endpoints", len(endpoints)),
		logx.Int("delivered", len(copies)))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Topic: eventbus.TopicRelayForwarded, Data: ev.SourceID})
	}
	return nil
}

// PropagateEdit patches every recorded copy of an edited source message.
// Sources never forwarded (no record) are ignored. Copies the destination no
// longer has are skipped with a warning.
func (e *Engine) PropagateEdit(ctx context.Context, ev platform.EditEvent, endpoints []Endpoint) error {
	rec, ok, err := e.store.GetRelay(ctx, ev.SourceID)
	if err != nil {
		return fmt.Errorf("lookup relay %s: %w", ev.SourceID, err)
	}
	if !ok || len(rec.Copies) == 0 {
		return nil
	}

	byID := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	out := e.synthesize(platform.ContentEvent{
		TenantID:   ev.TenantID,
		SourceID:   ev.SourceID,
		ChannelID:  ev.ChannelID,
		RawContent: ev.RawContent,
		Payload:    ev.Payload,
		Mentions:   ev.Mentions,
	})

	var wg sync.WaitGroup
	for _, c := range rec.Copies {
		ep, ok := byID[c.EndpointID]
		if !ok {
			e.log.Warn("relay edit skipped: endpoint no longer configured",
				logx.String("source", ev.SourceID),
				logx.String("endpoint", c.EndpointID))
			continue
		}
		wg.Add(1)
		go func(ep Endpoint, copyID string) {
			defer wg.Done()
			if err := e.edit(ctx, ep, copyID, out); err != nil {
				if platform.IsNotFound(err) {
					e.log.Warn("relay edit skipped: copy gone",
						logx.String("source", ev.SourceID),
						logx.String("endpoint", ep.ID),
						logx.String("copy", copyID))
					return
				}
				e.log.Error("relay edit failed",
					logx.String("source", ev.SourceID),
					logx.String("endpoint", ep.ID),
					logx.Err(err))
			}
		}(ep, c.CopyID)
	}
	wg.Wait()
	return nil
}

func (e *Engine) send(ctx context.Context, ep Endpoint, out Outbound) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.DeliverTimeout)
	defer cancel()
	return e.deliver.Send(cctx, ep, out)
}

func (e *Engine) edit(ctx context.Context, ep Endpoint, copyID string, out Outbound) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.DeliverTimeout)
	defer cancel()
	return e.deliver.Edit(cctx, ep, copyID, out)
}

// synthesize builds the outbound copy: a preamble linking back to the origin,
// the payload as the body, and the dedup'd mention line as plain content so
// the destination actually pings.
func (e *Engine) synthesize(ev platform.ContentEvent) Outbound {
	return Outbound{
		Preamble: fmt.Sprintf("Pinned in <#%s>: https://discord.com/channels/%s/%s/%s",
			ev.ChannelID, ev.TenantID, ev.ChannelID, ev.SourceID),
		Body:     ev.Payload,
		Mentions: MentionLine(ev.RawContent, ev.Mentions),
	}
}

// FailedDelivery is the bus payload for a delivery failure.
type FailedDelivery struct {
	TenantID   string
	SourceID   string
	EndpointID string
	Err        string
}
