package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/expiring"
	"github.com/samcm/ts-companion/internal/ledger"
	"github.com/samcm/ts-companion/internal/markup"
	"github.com/samcm/ts-companion/internal/scheduler"
	"github.com/samcm/ts-companion/internal/store"
)

type fakeTiers struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTiers) Reconcile(_ context.Context, uid string, _ []int) (domain.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, uid)

	return domain.Delta{}, nil
}

type fakeGames struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeGames) Sync(_ context.Context, uid string, _ []int) (domain.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, uid)

	return domain.Delta{}, f.err
}

type message struct {
	clientID int
	text     string
}

type move struct {
	clientID, channelID int
}

type fakeTransport struct {
	messages []message
	moves    []move
	groups   map[string][]int
}

func (f *fakeTransport) SendPrivateMessage(_ context.Context, clientID int, msg string) error {
	f.messages = append(f.messages, message{clientID, msg})
	return nil
}

func (f *fakeTransport) MoveClient(_ context.Context, clientID, channelID int) error {
	f.moves = append(f.moves, move{clientID, channelID})
	return nil
}

func (f *fakeTransport) ServerGroupsOf(_ context.Context, uid string) ([]int, error) {
	g, ok := f.groups[uid]
	if !ok {
		return nil, errors.New("unknown identity")
	}

	return g, nil
}

type adminSet map[string]bool

func (a adminSet) IsAdmin(uid string) bool { return a[uid] }

type staticLinks struct{}

func (staticLinks) LoginURL(_ context.Context, uid string) (string, error) {
	return "https://bot.test/authenticate?token=" + uid, nil
}

type harness struct {
	r         *Reconciler
	ledger    *ledger.Ledger
	store     *store.Memory
	tiers     *fakeTiers
	games     *fakeGames
	transport *fakeTransport
}

func newHarness(t *testing.T, admins adminSet) *harness {
	t.Helper()

	return newHarnessWith(t, admins, scheduler.Inline{})
}

func newHarnessWith(t *testing.T, admins adminSet, exec scheduler.Executor) *harness {
	t.Helper()

	log, _ := test.NewNullLogger()
	mem := store.NewMemory()
	l := ledger.New(log, mem)

	h := &harness{
		ledger:    l,
		store:     mem,
		tiers:     &fakeTiers{},
		games:     &fakeGames{},
		transport: &fakeTransport{groups: map[string][]int{}},
	}

	h.r = NewReconciler(log, Config{RejoinCooldown: 2 * time.Minute}, Deps{
		Ledger:    l,
		Tiers:     h.tiers,
		Games:     h.games,
		Transport: h.transport,
		Admins:    admins,
		Links:     staticLinks{},
		Cooldowns: expiring.NewMemory(),
		Executor:  exec,
	})

	l.SetSessionCounter(h.r)

	return h
}

func (h *harness) durable(t *testing.T, uid string) time.Duration {
	t.Helper()

	d, _, err := h.store.GetTime(context.Background(), uid)
	require.NoError(t, err)

	return d
}

func TestConnectLoadsAndReconciles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice", ServerGroups: []int{8}})

	assert.True(t, h.ledger.IsCached("alice"))
	assert.Equal(t, []string{"alice"}, h.tiers.calls)
	assert.Equal(t, []string{"alice"}, h.games.calls)
	assert.Equal(t, 1, h.r.LiveSessions("alice"))
}

func TestConnectIgnoresDuplicateEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice"})
	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice"})

	assert.Equal(t, 1, h.r.LiveSessions("alice"))
	assert.Len(t, h.tiers.calls, 1)
}

func TestMultiSessionDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice"})
	h.r.Connected(ctx, domain.Session{ClientID: 2, UID: "alice"})

	require.NoError(t, h.ledger.Add(ctx, "alice", 10*time.Minute))

	h.r.Disconnected(ctx, 1)

	assert.True(t, h.ledger.IsCached("alice"), "soft save keeps the entry")
	assert.Equal(t, 10*time.Minute, h.durable(t, "alice"))
	assert.Equal(t, 1, h.r.LiveSessions("alice"))

	require.NoError(t, h.ledger.Add(ctx, "alice", 5*time.Minute))

	h.r.Disconnected(ctx, 2)

	assert.False(t, h.ledger.IsCached("alice"))
	assert.Equal(t, 15*time.Minute, h.durable(t, "alice"))
	assert.Zero(t, h.r.LiveSessions("alice"))
}

func TestDisconnectUnknownSession(t *testing.T) {
	h := newHarness(t, nil)

	h.r.Disconnected(context.Background(), 42)

	assert.Empty(t, h.r.Identities())
}

func TestRejoinCooldown(t *testing.T) {
	h := newHarness(t, adminSet{"root": true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.r.Connected(ctx, domain.Session{ClientID: 10 + i, UID: "alice"})
		h.r.Disconnected(ctx, 10+i)

		h.r.Connected(ctx, domain.Session{ClientID: 20 + i, UID: "root"})
		h.r.Disconnected(ctx, 20+i)
	}

	assert.Equal(t, []string{"alice", "root", "root", "root"}, h.games.calls)
	assert.Len(t, h.tiers.calls, 6, "tier reconcile is not rate limited")
}

func TestSteamOutageDoesNotFailConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.games.err = domain.ErrSteamUnavailable

	h.r.Connected(context.Background(), domain.Session{ClientID: 1, UID: "alice"})

	assert.True(t, h.ledger.IsCached("alice"))
	assert.Len(t, h.games.calls, 1)
}

func TestMoveIntoLoginChannel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.r.SetLoginChannel(99)

	h.r.Connected(ctx, domain.Session{ClientID: 5, UID: "alice", ChannelID: 3, Version: "5.0.0-beta77"})

	h.r.Moved(ctx, 5, 4)
	assert.Empty(t, h.transport.messages)

	h.r.Moved(ctx, 5, 99)

	require.Len(t, h.transport.messages, 1)
	assert.Equal(t, 5, h.transport.messages[0].clientID)
	assert.Equal(t, LoginMessage(markup.Markdown{}, "https://bot.test/authenticate?token=alice"), h.transport.messages[0].text)
	assert.Equal(t, []move{{5, 4}}, h.transport.moves)

	sessions := h.r.SessionsOf("alice")
	require.Len(t, sessions, 1)
	assert.Equal(t, 4, sessions[0].ChannelID)
}

func TestPopulateAndReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.r.Populate(ctx, []domain.Session{
		{ClientID: 1, UID: "alice"},
		{ClientID: 2, UID: "alice"},
		{ClientID: 3, UID: "bob"},
	})

	assert.Equal(t, []string{"alice", "bob"}, h.r.Identities())
	assert.Equal(t, 2, h.r.LiveSessions("alice"))
	assert.Equal(t, []string{"alice", "bob"}, h.ledger.Cached())
	assert.Len(t, h.tiers.calls, 2)

	require.NoError(t, h.ledger.Add(ctx, "bob", time.Minute))

	h.r.Reset(ctx)

	assert.Empty(t, h.r.Identities())
	assert.Empty(t, h.ledger.Cached())
	assert.Equal(t, time.Minute, h.durable(t, "bob"))
}

// queuedExecutor holds tasks until run is called.
type queuedExecutor struct {
	mu    sync.Mutex
	tasks []scheduler.Task
	names []string
}

func (q *queuedExecutor) Submit(_, name string, task scheduler.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, task)
	q.names = append(q.names, name)
}

func (q *queuedExecutor) run(ctx context.Context) {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range tasks {
		_ = task(ctx)
	}
}

func TestResetFlushesOnWorker(t *testing.T) {
	exec := &queuedExecutor{}
	h := newHarnessWith(t, nil, exec)
	ctx := context.Background()

	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice"})
	exec.run(ctx)
	require.NoError(t, h.ledger.Add(ctx, "alice", time.Minute))

	h.r.Reset(ctx)

	assert.Empty(t, h.r.Identities())
	assert.Equal(t, []string{"alice"}, h.ledger.Cached(), "the flush does not run on the caller")
	assert.Contains(t, exec.names, "presence.flush")

	exec.run(ctx)

	assert.Empty(t, h.ledger.Cached())
	assert.Equal(t, time.Minute, h.durable(t, "alice"))
}

func TestForceReconcileBypassesCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.groups["alice"] = []int{1}

	h.r.Connected(ctx, domain.Session{ClientID: 1, UID: "alice"})
	require.NoError(t, h.r.ForceReconcile(ctx, "alice"))

	assert.Equal(t, []string{"alice", "alice"}, h.games.calls)

	assert.Error(t, h.r.ForceReconcile(ctx, "ghost"))

	assert.Equal(t, 1, h.r.ReconcileAll(ctx))
	assert.Len(t, h.games.calls, 3)
}
