// Package activity credits online time to connected, non-idle identities.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/errsink"
	"github.com/samcm/ts-companion/internal/scheduler"
)

// Config holds sampling settings.
type Config struct {
	Interval    time.Duration
	IdleCeiling time.Duration
}

// SessionLister enumerates connected sessions.
type SessionLister interface {
	Sessions(ctx context.Context) ([]domain.Session, error)
}

// Ledger is the part of the time ledger the sampler feeds.
type Ledger interface {
	Add(ctx context.Context, uid string, delta time.Duration) error
	SaveAll(ctx context.Context, evict bool)
}

// Sampler credits Interval to every active identity on each tick.
type Sampler struct {
	log      logrus.FieldLogger
	cfg      Config
	sessions SessionLister
	ledger   Ledger
	sink     errsink.Sink
}

// NewSampler creates a sampler.
func NewSampler(log logrus.FieldLogger, cfg Config, sessions SessionLister, ledger Ledger, sink errsink.Sink) *Sampler {
	return &Sampler{
		log:      log.WithField("component", "activity"),
		cfg:      cfg,
		sessions: sessions,
		ledger:   ledger,
		sink:     sink,
	}
}

// Tick runs one sampling round followed by a soft checkpoint of the ledger.
func (s *Sampler) Tick(ctx context.Context) error {
	sessions, err := s.sessions.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	active := Active(sessions, s.cfg.IdleCeiling)

	for _, uid := range active {
		uid := uid

		_ = scheduler.Safe(ctx, "activity.credit", s.sink, func(ctx context.Context) error {
			return s.ledger.Add(ctx, uid, s.cfg.Interval)
		})
	}

	s.log.WithFields(logrus.Fields{
		"sessions": len(sessions),
		"credited": len(active),
	}).Debug("Sampled activity")

	s.ledger.SaveAll(ctx, false)

	return nil
}

// Active returns each identity with at least one session idle for no longer
// than ceiling, once, in first-seen order.
func Active(sessions []domain.Session, ceiling time.Duration) []string {
	seen := make(map[string]struct{}, len(sessions))
	active := make([]string, 0, len(sessions))

	for _, sess := range sessions {
		if sess.UID == "" || sess.IdleTime > ceiling {
			continue
		}

		if _, ok := seen[sess.UID]; ok {
			continue
		}

		seen[sess.UID] = struct{}{}
		active = append(active, sess.UID)
	}

	return active
}
