package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/ts-companion/internal/store"
)

type countingStore struct {
	*store.Memory
	reads     atomic.Int32
	flushes   atomic.Int32
	failWrite atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: store.NewMemory()}
}

func (c *countingStore) GetTime(ctx context.Context, uid string) (time.Duration, bool, error) {
	c.reads.Add(1)
	return c.Memory.GetTime(ctx, uid)
}

func (c *countingStore) SaveTime(ctx context.Context, uid string, d time.Duration) error {
	if c.failWrite.Load() {
		return errors.New("disk on fire")
	}

	return c.Memory.SaveTime(ctx, uid, d)
}

func (c *countingStore) SaveTimes(ctx context.Context, times map[string]time.Duration) error {
	if c.failWrite.Load() {
		return errors.New("disk on fire")
	}

	c.flushes.Add(1)

	return c.Memory.SaveTimes(ctx, times)
}

type sessionCounts map[string]int

func (s sessionCounts) LiveSessions(uid string) int { return s[uid] }

func newTestLedger(t *testing.T) (*Ledger, *countingStore) {
	t.Helper()

	log, _ := test.NewNullLogger()
	s := newCountingStore()

	return New(log, s), s
}

func durable(t *testing.T, s *countingStore, uid string) time.Duration {
	t.Helper()

	d, _, err := s.Memory.GetTime(context.Background(), uid)
	require.NoError(t, err)

	return d
}

func TestLoadIsIdempotent(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "alice"))
	require.NoError(t, l.Load(ctx, "alice"))

	assert.Equal(t, int32(1), s.reads.Load())
	assert.True(t, l.IsCached("alice"))

	_, found, err := s.Memory.GetTime(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found, "a zero record is persisted on first load")
}

func TestLoadPicksUpDurableValue(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Memory.SaveTime(ctx, "alice", 42*time.Minute))
	require.NoError(t, l.Load(ctx, "alice"))

	d, err := l.Get(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Minute, d)
}

func TestGetColdCache(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, s.Memory.SaveTime(ctx, "bob", time.Hour))

	d, err := l.Get(ctx, "bob", false)
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = l.Get(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	assert.False(t, l.IsCached("bob"), "durable fallback must not populate the cache")
}

func TestAddNotifiesListenersInOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	type change struct{ before, after time.Duration }

	var changes []change

	l.AddListener(ListenerFunc(func(uid string, before, after time.Duration) {
		assert.Equal(t, "alice", uid)

		got, err := l.Get(ctx, uid, false)
		assert.NoError(t, err)
		assert.Equal(t, after, got, "listeners can read the ledger")

		changes = append(changes, change{before, after})
	}))

	require.NoError(t, l.Add(ctx, "alice", 30*time.Second))
	require.NoError(t, l.Add(ctx, "alice", 30*time.Second))
	require.NoError(t, l.Add(ctx, "alice", 0))

	assert.Equal(t, []change{
		{0, 30 * time.Second},
		{30 * time.Second, time.Minute},
		{time.Minute, time.Minute},
	}, changes)
}

func TestAddRejectsNegativeDelta(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.Add(context.Background(), "alice", -time.Second)
	assert.ErrorIs(t, err, ErrNegative)
}

func TestConcurrentAddsAreLinearized(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		last = map[string]time.Duration{}
	)

	l.AddListener(ListenerFunc(func(uid string, before, after time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, last[uid], before, "before must equal the previous after")
		assert.GreaterOrEqual(t, after, before)
		last[uid] = after
	}))

	var wg sync.WaitGroup

	for _, uid := range []string{"alice", "bob"} {
		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func(uid string) {
				defer wg.Done()

				for j := 0; j < 100; j++ {
					assert.NoError(t, l.Add(ctx, uid, time.Second))
				}
			}(uid)
		}
	}

	wg.Wait()

	for _, uid := range []string{"alice", "bob"} {
		d, err := l.Get(ctx, uid, false)
		require.NoError(t, err)
		assert.Equal(t, 800*time.Second, d)
	}
}

func TestSoftSaveIsIdempotent(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "alice", 5*time.Minute))

	l.Save(ctx, "alice", false)
	first := durable(t, s, "alice")

	l.Save(ctx, "alice", false)
	assert.Equal(t, first, durable(t, s, "alice"))
	assert.Equal(t, 5*time.Minute, first)
	assert.True(t, l.IsCached("alice"))
}

func TestEvictRespectsLiveSessions(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	sessions := sessionCounts{"alice": 1}
	l.SetSessionCounter(sessions)

	require.NoError(t, l.Add(ctx, "alice", time.Minute))

	l.Save(ctx, "alice", true)
	assert.True(t, l.IsCached("alice"), "another session still references alice")
	assert.Equal(t, time.Minute, durable(t, s, "alice"))

	sessions["alice"] = 0

	l.Save(ctx, "alice", true)
	assert.False(t, l.IsCached("alice"))
}

func TestEvictRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "alice"))
	require.NoError(t, l.Add(ctx, "alice", 17*time.Minute))

	l.Save(ctx, "alice", true)
	require.False(t, l.IsCached("alice"))

	require.NoError(t, l.Load(ctx, "alice"))

	d, err := l.Get(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 17*time.Minute, d)
}

func TestSaveUncachedIsNoop(t *testing.T) {
	l, s := newTestLedger(t)

	l.Save(context.Background(), "ghost", true)

	_, found, err := s.Memory.GetTime(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailedSaveKeepsEntry(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "alice", time.Minute))
	s.failWrite.Store(true)

	l.Save(ctx, "alice", true)
	assert.True(t, l.IsCached("alice"), "eviction must not lose an unflushed value")

	s.failWrite.Store(false)
	l.Save(ctx, "alice", true)

	assert.False(t, l.IsCached("alice"))
	assert.Equal(t, time.Minute, durable(t, s, "alice"))
}

func TestSaveAllBatchesAndSweepsOrphans(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	l.SetSessionCounter(sessionCounts{"alice": 1, "bob": 2})

	require.NoError(t, l.Add(ctx, "alice", time.Minute))
	require.NoError(t, l.Add(ctx, "bob", 2*time.Minute))
	require.NoError(t, l.Add(ctx, "orphan", 3*time.Minute))

	l.SaveAll(ctx, false)

	assert.Equal(t, int32(1), s.flushes.Load())
	assert.Equal(t, time.Minute, durable(t, s, "alice"))
	assert.Equal(t, 2*time.Minute, durable(t, s, "bob"))
	assert.Equal(t, 3*time.Minute, durable(t, s, "orphan"))
	assert.Equal(t, []string{"alice", "bob"}, l.Cached())
}

func TestSaveAllEvict(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	l.SetSessionCounter(sessionCounts{"alice": 1})

	require.NoError(t, l.Add(ctx, "alice", time.Minute))
	require.NoError(t, l.Add(ctx, "bob", time.Hour))

	l.SaveAll(ctx, true)

	assert.Empty(t, l.Cached())
	assert.Equal(t, int32(1), s.flushes.Load())
	assert.Equal(t, time.Hour, durable(t, s, "bob"))

	require.NoError(t, l.Add(ctx, "alice", time.Minute))

	d, err := l.Get(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d, "adding after eviction reloads from the store")
}

func TestSaveAllFailureKeepsEverything(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "alice", time.Minute))
	s.failWrite.Store(true)

	l.SaveAll(ctx, true)
	l.SaveAll(ctx, false)

	assert.Equal(t, []string{"alice"}, l.Cached())
}

func TestSetDoesNotNotify(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	notified := false
	l.AddListener(ListenerFunc(func(string, time.Duration, time.Duration) { notified = true }))

	require.NoError(t, l.Load(ctx, "alice"))
	require.NoError(t, l.Set(ctx, "alice", 10*time.Minute))
	require.NoError(t, l.Set(ctx, "offline", 20*time.Minute))

	assert.False(t, notified)

	d, err := l.Get(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)
	assert.Equal(t, 20*time.Minute, durable(t, s, "offline"))
	assert.False(t, l.IsCached("offline"))
}

func TestConcurrentLoadsReadOnce(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, l.Load(ctx, "alice"))
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, s.reads.Load(), int32(16))
	assert.Equal(t, []string{"alice"}, l.Cached())
}

// gatedStore blocks the first call to the named operation until released.
type gatedStore struct {
	*store.Memory
	op      string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(op string) *gatedStore {
	return &gatedStore{
		Memory:  store.NewMemory(),
		op:      op,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) hold(op string) {
	if op != g.op {
		return
	}

	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func (g *gatedStore) GetTime(ctx context.Context, uid string) (time.Duration, bool, error) {
	g.hold("get")
	return g.Memory.GetTime(ctx, uid)
}

func (g *gatedStore) SaveTimes(ctx context.Context, times map[string]time.Duration) error {
	g.hold("flush")
	return g.Memory.SaveTimes(ctx, times)
}

func TestSetDuringFlushIsNotOverwritten(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := newGatedStore("flush")
	l := New(log, s)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "alice", 100*time.Second))

	flushed := make(chan struct{})

	go func() {
		defer close(flushed)
		l.SaveAll(ctx, false)
	}()

	<-s.entered

	saved := make(chan struct{})

	go func() {
		defer close(saved)
		assert.NoError(t, l.Set(ctx, "alice", 5000*time.Second))
		l.Save(ctx, "alice", true)
	}()

	select {
	case <-saved:
		t.Fatal("set completed while an older flush was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(s.release)
	<-flushed
	<-saved

	d, _, err := s.Memory.GetTime(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5000*time.Second, d)
	assert.False(t, l.IsCached("alice"))
}

func TestSetDuringLoadUpdatesCache(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := newGatedStore("get")
	l := New(log, s)
	ctx := context.Background()

	require.NoError(t, s.Memory.SaveTime(ctx, "alice", time.Minute))

	loaded := make(chan struct{})

	go func() {
		defer close(loaded)
		assert.NoError(t, l.Load(ctx, "alice"))
	}()

	<-s.entered

	set := make(chan struct{})

	go func() {
		defer close(set)
		assert.NoError(t, l.Set(ctx, "alice", time.Hour))
	}()

	close(s.release)
	<-loaded
	<-set

	d, err := l.Get(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	stored, _, err := s.Memory.GetTime(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, stored)
}
