package sched

import (
	"context"
	"time"

	"pinrelay/internal/platform"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

// Executor performs a single action against the platform. It is stateless
// between calls; all retry bookkeeping lives in the store.Action.
type Executor struct {
	client  platform.Client
	timeout time.Duration
	log     logx.Logger
}

func NewExecutor(client platform.Client, timeout time.Duration, log logx.Logger) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{client: client, timeout: timeout, log: log}
}

// Execute runs one attempt and classifies the outcome. Every failure mode
// maps onto a Result; the returned error carries the platform detail for
// logging and alerts.
func (e *Executor) Execute(ctx context.Context, a store.Action) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var err error
	switch a.Kind {
	case store.KindUnpin:
		err = e.client.Unpin(ctx, a.ChannelID, a.TargetID)
	case store.KindThreadDelete:
		err = e.client.DeleteThread(ctx, a.TargetID)
	default:
		e.log.Error("unknown action kind", logx.String("kind", string(a.Kind)), logx.String("action", a.ID))
		return ResultTerminal, nil
	}

	switch {
	case err == nil:
		return ResultSuccess, nil
	case platform.IsNotFound(err):
		// Target already gone: the desired end state holds.
		e.log.Debug("action target already gone", logx.String("action", a.ID), logx.String("target", a.TargetID))
		return ResultSuccess, nil
	case platform.IsForbidden(err):
		return ResultTerminal, err
	default:
		// Includes per-call timeouts.
		return ResultRetryable, err
	}
}
