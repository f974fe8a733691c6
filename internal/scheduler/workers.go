package scheduler

import (
	"context"
	"hash/fnv"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/errsink"
)

// Executor runs tasks off the caller's goroutine. Tasks sharing a key run in submission order.
type Executor interface {
	Submit(key, name string, task Task)
}

// Workers spreads tasks over single-worker lanes chosen by key.
type Workers struct {
	log   logrus.FieldLogger
	sink  errsink.Sink
	ctx   context.Context
	lanes []pond.Pool
}

// NewWorkers creates n lanes, each queueing up to queueSize tasks.
func NewWorkers(ctx context.Context, log logrus.FieldLogger, sink errsink.Sink, n, queueSize int) *Workers {
	if n < 1 {
		n = 1
	}

	w := &Workers{
		log:   log.WithField("component", "workers"),
		sink:  sink,
		ctx:   ctx,
		lanes: make([]pond.Pool, n),
	}

	for i := range w.lanes {
		w.lanes[i] = pond.NewPool(1, pond.WithQueueSize(queueSize), pond.WithContext(ctx))
	}

	return w
}

func (w *Workers) lane(key string) pond.Pool {
	h := fnv.New32a()
	h.Write([]byte(key))

	return w.lanes[h.Sum32()%uint32(len(w.lanes))]
}

// Submit queues task on the lane owning key.
func (w *Workers) Submit(key, name string, task Task) {
	w.lane(key).Submit(func() {
		_ = Safe(w.ctx, name, w.sink, task)
	})
}

// Waiting returns the number of queued tasks across lanes.
func (w *Workers) Waiting() uint64 {
	var total uint64
	for _, l := range w.lanes {
		total += l.WaitingTasks()
	}

	return total
}

// StopAndWait drains every lane.
func (w *Workers) StopAndWait() {
	for _, l := range w.lanes {
		l.StopAndWait()
	}

	w.log.Info("Workers stopped")
}

// Inline runs tasks synchronously on the caller's goroutine.
type Inline struct {
	Sink errsink.Sink
}

// Submit runs task immediately.
func (i Inline) Submit(_, name string, task Task) {
	_ = Safe(context.Background(), name, i.Sink, task)
}
