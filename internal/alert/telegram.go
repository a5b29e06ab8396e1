// Package alert pushes operator notifications to a Telegram chat: actions
// dropped at the retry ceiling and relay delivery failures. It is send-only;
// no commands, no polling.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pinrelay/internal/eventbus"
	"pinrelay/internal/relay"
	"pinrelay/internal/sched"
	logx "pinrelay/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int // default 10; excess alerts are dropped, not queued
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service bridges bus events to Telegram. Alerts are best-effort: a send
// failure or a tripped limiter drops the alert with a log line.
type Service struct {
	cfg     Config
	bot     sender
	bus     eventbus.Bus
	limiter *rate.Limiter
	log     logx.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		return &Service{cfg: cfg, log: log}, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert bot: %w", err)
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 10
	}
	return &Service{
		cfg:     cfg,
		bot:     b,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		log:     log,
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.bus == nil {
		s.log.Info("alerts disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	events, unsub := s.bus.Subscribe(32)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-rctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Topic {
				case eventbus.TopicActionExhausted:
					s.notify(formatExhausted(ev))
				case eventbus.TopicRelayFailed:
					s.notify(formatFailed(ev))
				}
			}
		}
	}()
	s.log.Info("alerts started", logx.Int64("chat", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) notify(text string) {
	if text == "" {
		return
	}
	if !s.limiter.Allow() {
		s.log.Warn("alert dropped (rate limited)")
		return
	}
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
	}
}

func formatExhausted(ev eventbus.Event) string {
	ex, ok := ev.Data.(sched.ExhaustedEvent)
	if !ok {
		return ""
	}
	return fmt.Sprintf("action dropped after retry ceiling\nkind: %s\ntenant: %s\ntarget: %s\nlast result: %s\nerr: %s",
		ex.Action.Kind, ex.Action.TenantID, ex.Action.TargetID, ex.Result, ex.Err)
}

func formatFailed(ev eventbus.Event) string {
	f, ok := ev.Data.(relay.FailedDelivery)
	if !ok {
		return ""
	}
	return fmt.Sprintf("relay delivery failed\ntenant: %s\nsource: %s\nendpoint: %s\nerr: %s",
		f.TenantID, f.SourceID, f.EndpointID, f.Err)
}
