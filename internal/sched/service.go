package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"pinrelay/internal/eventbus"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

// Config controls the reconciliation loop.
type Config struct {
	Enabled       bool
	SweepInterval time.Duration // default 1m
	ActionTimeout time.Duration // per platform call
	RetryMax      int           // default RetryCeiling
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = RetryCeiling
	}
	return c
}

// Service is the scheduler/reconciler. A cron driver fires Sweep on a fixed
// period; Sweep itself holds the non-overlap guard, so the startup catch-up
// sweep and cron ticks can never run concurrently. A call that arrives
// mid-sweep is skipped, not queued.
type Service struct {
	cfg   Config
	store store.Store
	exec  *Executor
	bus   eventbus.Bus
	log   logx.Logger

	sweeping atomic.Bool

	mu      sync.Mutex
	c       *cron.Cron
	runCtx  context.Context
	runStop context.CancelFunc
}

func New(cfg Config, st store.Store, exec *Executor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: st, exec: exec, bus: bus, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}

	s.runCtx, s.runStop = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := c.AddFunc(spec, func() {
		s.Sweep(s.runCtx, time.Now().UTC())
	}); err != nil {
		s.runStop()
		return fmt.Errorf("register sweep: %w", err)
	}
	c.Start()
	s.c = c

	// Catch-up: actions that came due while the process was down execute on
	// the first sweep, not after the first full interval.
	go s.Sweep(s.runCtx, time.Now().UTC())

	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.SweepInterval), logx.Int("retry_max", s.cfg.RetryMax))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	stop := s.runStop
	s.c = nil
	s.runStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// in-flight sweep keeps draining in background
	}
	s.log.Info("scheduler stopped")
}

// Enqueue stores the planned actions, skipping duplicates (idempotent per
// identity key).
func (s *Service) Enqueue(ctx context.Context, actions []store.Action) {
	for _, a := range actions {
		inserted, err := s.store.Enqueue(ctx, a)
		if err != nil {
			s.log.Error("enqueue failed", logx.Err(err), logx.String("action", a.String()))
			continue
		}
		if !inserted {
			s.log.Debug("duplicate action skipped", logx.String("action", a.String()))
			continue
		}
		s.log.Info("action scheduled",
			logx.String("kind", string(a.Kind)),
			logx.String("tenant", a.TenantID),
			logx.String("target", a.TargetID),
			logx.Time("due_at", a.DueAt))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicActionEnqueued, Data: a})
		}
	}
}

// Sweep finds every due action, executes it, applies the per-action state
// transition, and persists the store once at the end of the batch. At most one
// sweep runs at a time; a call that arrives mid-sweep returns immediately.
//
// State machine per action:
//
//	Pending -> Due -> Executing -> Removed(success)
//	                           -> Removed(retry exhausted)
//	                           -> Pending(retryable/terminal, retries+1)
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Debug("sweep already running; skipped")
		return
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	sweepID := uuid.NewString()[:8]
	log := s.log.With(logx.String("sweep", sweepID))

	due, err := s.store.DueBefore(ctx, now)
	if err != nil {
		log.Error("sweep aborted: due query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		// Flush still runs: it is what prunes expired relay records and
		// compacts the journal on relay-heavy, trigger-quiet tenants.
		if err := s.store.Flush(ctx); err != nil {
			log.Error("store flush failed", logx.Err(err))
		}
		return
	}
	log.Debug("sweep started", logx.Int("due", len(due)))

	var succeeded, retried, dropped int
	for _, a := range due {
		if ctx.Err() != nil {
			log.Warn("sweep interrupted", logx.Err(ctx.Err()))
			break
		}

		res, execErr := s.exec.Execute(ctx, a)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicActionExecuted, Data: a})
		}

		if res == ResultSuccess {
			if err := s.store.Remove(ctx, a); err != nil {
				log.Error("remove after success failed", logx.Err(err), logx.String("action", a.String()))
				continue
			}
			succeeded++
			log.Info("action completed", logx.String("kind", string(a.Kind)), logx.String("target", a.TargetID), logx.String("tenant", a.TenantID))
			continue
		}

		upd, err := s.store.IncrementRetry(ctx, a)
		if err != nil {
			log.Error("retry bump failed", logx.Err(err), logx.String("action", a.String()))
			continue
		}
		if upd.Retries >= s.cfg.RetryMax {
			// Retry budget spent: drop regardless of failure kind and
			// surface to the operator channel.
			if err := s.store.Remove(ctx, upd); err != nil {
				log.Error("remove after exhaustion failed", logx.Err(err), logx.String("action", upd.String()))
				continue
			}
			dropped++
			log.Error("action dropped after retry ceiling",
				logx.String("action", upd.String()),
				logx.String("result", res.String()),
				logx.Err(execErr))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Topic: eventbus.TopicActionExhausted, Data: ExhaustedEvent{
					Action: upd,
					Result: res,
					Err:    errString(execErr),
				}})
			}
			continue
		}
		retried++
		log.Warn("action failed; will retry",
			logx.String("action", upd.String()),
			logx.String("result", res.String()),
			logx.Err(execErr))
	}

	if err := s.store.Flush(ctx); err != nil {
		log.Error("store flush failed", logx.Err(err))
	}

	took := time.Since(start)
	log.Debug("sweep completed",
		logx.Int("due", len(due)),
		logx.Int("succeeded", succeeded),
		logx.Int("retried", retried),
		logx.Int("dropped", dropped),
		logx.Duration("took", took))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSweepCompleted, Data: SweepEvent{
			SweepID:   sweepID,
			Due:       len(due),
			Succeeded: succeeded,
			Retried:   retried,
			Dropped:   dropped,
			Took:      took,
		}})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
