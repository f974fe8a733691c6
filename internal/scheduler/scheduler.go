// Package scheduler runs periodic and background work with isolated failures.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/errsink"
)

// Task is a unit of work. A returned error is reported, never propagated.
type Task func(ctx context.Context) error

// Safe runs task, converting panics to errors and reporting failures to sink.
func Safe(ctx context.Context, name string, sink errsink.Sink, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}

		if err != nil && sink != nil {
			sink.Report(name, err)
		}
	}()

	return task(ctx)
}

// Scheduler runs tasks on fixed intervals until stopped.
type Scheduler struct {
	log  logrus.FieldLogger
	sink errsink.Sink
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a scheduler whose tasks observe ctx.
func New(ctx context.Context, log logrus.FieldLogger, sink errsink.Sink) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		log:  log.WithField("component", "scheduler"),
		sink: sink,
		ctx:  ctx,
		stop: cancel,
	}
}

// Every runs task each interval. A failing tick does not affect later ticks.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				_ = Safe(s.ctx, name, s.sink, task)
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"task":     name,
		"interval": interval,
	}).Info("Scheduled periodic task")
}

// After runs task once after delay unless the scheduler stops first.
func (s *Scheduler) After(name string, delay time.Duration, task Task) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
		case <-timer.C:
			_ = Safe(s.ctx, name, s.sink, task)
		}
	}()
}

// Stop cancels pending ticks and waits for running ones.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}
