package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []string
}

func (r *recordingSink) Report(task string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, task)
}

func (r *recordingSink) Flush() {}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.reports)
}

func testLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestSafeRecoversPanics(t *testing.T) {
	sink := &recordingSink{}

	err := Safe(context.Background(), "explode", sink, func(context.Context) error {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"explode"}, sink.reports)
}

func TestSafePassesThroughSuccess(t *testing.T) {
	sink := &recordingSink{}

	err := Safe(context.Background(), "ok", sink, func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Zero(t, sink.count())
}

func TestEveryKeepsTickingAfterFailures(t *testing.T) {
	sink := &recordingSink{}
	s := New(context.Background(), testLogger(), sink)

	var ticks atomic.Int32

	s.Every("flaky", 5*time.Millisecond, func(context.Context) error {
		n := ticks.Add(1)

		switch n {
		case 1:
			return errors.New("first tick fails")
		case 2:
			panic("second tick panics")
		}

		return nil
	})

	require.Eventually(t, func() bool { return ticks.Load() >= 5 }, time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, 2, sink.count())
}

func TestAfterRunsOnce(t *testing.T) {
	s := New(context.Background(), testLogger(), &recordingSink{})

	var runs atomic.Int32

	s.After("once", time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), runs.Load())
}

func TestWorkersPreserveOrderPerKey(t *testing.T) {
	sink := &recordingSink{}
	w := NewWorkers(context.Background(), testLogger(), sink, 4, 128)

	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)

	for i := 0; i < 50; i++ {
		for _, key := range []string{"alice", "bob", "carol"} {
			i, key := i, key

			w.Submit(key, "append", func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()

				got[key] = append(got[key], i)

				return nil
			})
		}
	}

	w.Submit("alice", "explode", func(context.Context) error { panic("isolated") })

	w.StopAndWait()

	for _, key := range []string{"alice", "bob", "carol"} {
		require.Len(t, got[key], 50)

		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}

	assert.Equal(t, 1, sink.count())
}

func TestInlineRunsSynchronously(t *testing.T) {
	ran := false

	Inline{}.Submit("k", "sync", func(context.Context) error {
		ran = true
		return errors.New("ignored without sink")
	})

	assert.True(t, ran)
}
