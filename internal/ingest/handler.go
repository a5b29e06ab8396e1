// Package ingest turns raw platform events into relay deliveries and
// deferred actions. It is the only package that mutates channel state
// synchronously (pin, purge, thread creation); everything deferred goes
// through the scheduler.
package ingest

import (
	"context"
	"strings"
	"time"

	"pinrelay/internal/platform"
	"pinrelay/internal/relay"
	"pinrelay/internal/sched"
	logx "pinrelay/pkg/logx"
)

// DefaultMaxPins mirrors the platform's per-channel pin ceiling.
const DefaultMaxPins = 50

// Rule is the per-tenant slice of configuration ingestion needs.
type Rule struct {
	Policy      sched.TenantPolicy
	Channels    []string // monitored channel ids
	Endpoints   []relay.Endpoint
	MaxPins     int
	ForceThread bool
}

func (r Rule) monitors(channelID string) bool {
	for _, c := range r.Channels {
		if c == channelID {
			return true
		}
	}
	return false
}

func (r Rule) knownSource(authorID string) bool {
	_, ok := r.Policy.Dialects[authorID]
	return ok
}

// Handler processes content and edit events for all tenants. Rules is
// consulted per event so config reloads take effect without a restart.
type Handler struct {
	client  platform.Client
	planner *sched.Planner
	sched   *sched.Service
	relay   *relay.Engine
	rules   func(tenantID string) (Rule, bool)
	selfID  string
	log     logx.Logger
}

func NewHandler(client platform.Client, planner *sched.Planner, s *sched.Service, r *relay.Engine, rules func(string) (Rule, bool), selfID string, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		client:  client,
		planner: planner,
		sched:   s,
		relay:   r,
		rules:   rules,
		selfID:  selfID,
		log:     log,
	}
}

// HandleContent is the single entry point for new messages. Ingestion never
// returns an error to the gateway: every failure is logged and the remaining
// steps still run, so one bad platform call cannot wedge the event stream.
func (h *Handler) HandleContent(ctx context.Context, ev platform.ContentEvent) {
	rule, ok := h.rules(ev.TenantID)
	if !ok || !rule.monitors(ev.ChannelID) {
		return
	}
	if ev.AuthorID == h.selfID || !rule.knownSource(ev.AuthorID) {
		return
	}

	log := h.log.With(
		logx.String("tenant", ev.TenantID),
		logx.String("source", ev.SourceID))

	// Relay first: forwarding must not depend on whether pinning succeeds.
	if h.relay != nil && len(rule.Endpoints) > 0 {
		if err := h.relay.Forward(ctx, ev, rule.Endpoints); err != nil {
			log.Error("relay forward failed", logx.Err(err))
		}
	}

	if !sched.Triggered(rule.Policy, ev) {
		return
	}

	h.pinWithCeiling(ctx, rule, ev, log)
	h.purgeConfirmation(ctx, ev, log)

	if rule.ForceThread && ev.ThreadID == "" {
		name := threadName(ev.Payload)
		threadID, err := h.client.CreateThread(ctx, ev.ChannelID, ev.SourceID, name)
		if err != nil {
			log.Error("thread creation failed", logx.Err(err))
		} else {
			ev.ThreadID = threadID
		}
	}

	actions := h.planner.Plan(rule.Policy, ev, nowUTC())
	if len(actions) > 0 {
		h.sched.Enqueue(ctx, actions)
	}
}

// HandleEdit propagates source edits to relayed copies. Non-relayed messages
// are ignored inside the engine. Forced threads track the edited first line.
func (h *Handler) HandleEdit(ctx context.Context, ev platform.EditEvent) {
	rule, ok := h.rules(ev.TenantID)
	if !ok || !rule.monitors(ev.ChannelID) {
		return
	}

	if rule.ForceThread && ev.ThreadID != "" {
		if err := h.client.RenameThread(ctx, ev.ThreadID, threadName(ev.Payload)); err != nil {
			h.log.Warn("thread rename failed",
				logx.String("thread", ev.ThreadID),
				logx.Err(err))
		}
	}

	if h.relay == nil || len(rule.Endpoints) == 0 {
		return
	}
	if err := h.relay.PropagateEdit(ctx, ev, rule.Endpoints); err != nil {
		h.log.Error("relay edit failed",
			logx.String("tenant", ev.TenantID),
			logx.String("source", ev.SourceID),
			logx.Err(err))
	}
}

// pinWithCeiling pins the trigger message, first unpinning the oldest pin
// when the channel is at its ceiling. ListPinned returns newest first, so the
// oldest is the last element.
func (h *Handler) pinWithCeiling(ctx context.Context, rule Rule, ev platform.ContentEvent, log logx.Logger) {
	max := rule.MaxPins
	if max <= 0 {
		max = DefaultMaxPins
	}

	pinned, err := h.client.ListPinned(ctx, ev.ChannelID)
	if err != nil {
		log.Warn("pin list failed; pinning anyway", logx.Err(err))
	} else if len(pinned) >= max {
		oldest := pinned[len(pinned)-1]
		if err := h.client.Unpin(ctx, ev.ChannelID, oldest.ID); err != nil {
			log.Error("ceiling unpin failed", logx.String("target", oldest.ID), logx.Err(err))
		} else {
			log.Info("oldest pin evicted", logx.String("target", oldest.ID), logx.Int("ceiling", max))
		}
	}

	if err := h.client.Pin(ctx, ev.ChannelID, ev.SourceID); err != nil {
		log.Error("pin failed", logx.Err(err))
		return
	}
	log.Info("message pinned", logx.String("channel", ev.ChannelID))
}

// purgeConfirmation deletes the platform's own "pinned a message" system
// notice so monitored channels stay clean.
func (h *Handler) purgeConfirmation(ctx context.Context, ev platform.ContentEvent, log logx.Logger) {
	err := h.client.PurgeLast(ctx, ev.ChannelID, func(m platform.Message) bool {
		return m.AuthorID == h.selfID
	})
	if err != nil {
		log.Warn("confirmation purge failed", logx.Err(err))
	}
}

// nowUTC is swapped in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

func threadName(payload string) string {
	line := payload
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = "discussion"
	}
	runes := []rune(line)
	if len(runes) > 90 {
		runes = runes[:90]
	}
	return string(runes)
}
