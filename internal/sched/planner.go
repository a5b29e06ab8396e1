package sched

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"pinrelay/internal/extract"
	"pinrelay/internal/platform"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

// TenantPolicy is the per-tenant slice of configuration the planner needs.
// The app layer maps config.TenantConfig into this.
type TenantPolicy struct {
	TriggerLabels   []string
	Dialects        map[string]extract.Dialect // author id -> dialect
	UnpinDelayMin   int
	ThreadDeleteMin int
	UseEventTime    bool
}

// Planner derives zero or more deferred actions from a trigger message.
// Derivation is total: every (event, policy) pair maps to a deterministic
// action list, independent of execution.
type Planner struct {
	log logx.Logger
}

func NewPlanner(log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{log: log}
}

// Triggered reports whether the event carries one of the tenant's trigger
// labels.
func Triggered(policy TenantPolicy, ev platform.ContentEvent) bool {
	for _, want := range policy.TriggerLabels {
		for _, got := range ev.Labels {
			if got == want {
				return true
			}
		}
	}
	return false
}

// Plan returns the deferred actions a trigger event gives rise to: an unpin
// for the message itself and, when the message spawned a thread, a delayed
// thread deletion.
//
// The base instant is the event time extracted from the payload (per the
// source's dialect) when the tenant opted in, otherwise now. Extraction
// misses and malformed timestamps fall back to now; malformed ones are
// logged, per the error policy.
func (p *Planner) Plan(policy TenantPolicy, ev platform.ContentEvent, now time.Time) []store.Action {
	if !Triggered(policy, ev) {
		return nil
	}

	base := now
	if policy.UseEventTime {
		if d, ok := policy.Dialects[ev.AuthorID]; ok {
			t, err := extract.Extract(d, ev.Payload)
			switch {
			case err == nil:
				base = t
			case errors.Is(err, extract.ErrBadTimestamp):
				p.log.Warn("event timestamp did not parse; using default delay",
					logx.String("tenant", ev.TenantID),
					logx.String("source", ev.SourceID),
					logx.String("dialect", string(d)))
			default:
				// A plain miss is expected for many messages; no log.
			}
		}
	}

	unpinDelay := policy.UnpinDelayMin
	if unpinDelay <= 0 {
		unpinDelay = 60
	}
	threadDelay := policy.ThreadDeleteMin
	if threadDelay <= 0 {
		threadDelay = 60
	}

	actions := []store.Action{{
		ID:        uuid.NewString(),
		TenantID:  ev.TenantID,
		Kind:      store.KindUnpin,
		ChannelID: ev.ChannelID,
		TargetID:  ev.SourceID,
		DueAt:     ComputeDueAt(base, unpinDelay),
	}}

	if ev.ThreadID != "" {
		actions = append(actions, store.Action{
			ID:        uuid.NewString(),
			TenantID:  ev.TenantID,
			Kind:      store.KindThreadDelete,
			ChannelID: ev.ChannelID,
			TargetID:  ev.ThreadID,
			DueAt:     ComputeDueAt(base, threadDelay),
		})
	}
	return actions
}
