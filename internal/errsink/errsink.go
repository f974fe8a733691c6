// Package errsink collects failures that escape scheduled work.
package errsink

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Config holds error reporting settings.
type Config struct {
	SentryDSN   string
	Environment string
}

// Sink receives errors from isolated tasks.
type Sink interface {
	Report(task string, err error)
	Flush()
}

type sink struct {
	log    logrus.FieldLogger
	sentry *sentry.Client
}

// New creates a sink that logs every report and forwards it to Sentry when a DSN is configured.
func New(log logrus.FieldLogger, cfg Config) (Sink, error) {
	s := &sink{log: log.WithField("component", "errsink")}

	if cfg.SentryDSN == "" {
		return s, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	s.sentry = client
	s.log.Info("Forwarding task failures to Sentry")

	return s, nil
}

// Report logs err and forwards it when Sentry is enabled.
func (s *sink) Report(task string, err error) {
	s.log.WithError(err).WithField("task", task).Error("Task failed")

	if s.sentry == nil {
		return
	}

	scope := sentry.NewScope()
	scope.SetTag("task", task)
	s.sentry.CaptureException(err, nil, scope)
}

// Flush waits briefly for queued Sentry events.
func (s *sink) Flush() {
	if s.sentry != nil {
		s.sentry.Flush(2 * time.Second)
	}
}
