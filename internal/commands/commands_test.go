package commands

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/markup"
	"github.com/samcm/ts-companion/internal/store"
)

type fakeTiers struct {
	tiers   []domain.Tier
	added   []domain.Tier
	removed []int
	revoked bool
	err     error
}

func (f *fakeTiers) Add(_ context.Context, groupID int, required time.Duration, _ bool) error {
	if f.err != nil {
		return f.err
	}

	f.added = append(f.added, domain.Tier{GroupID: groupID, RequiredTime: required})

	return nil
}

func (f *fakeTiers) Remove(_ context.Context, groupID int, revoke bool) error {
	f.removed = append(f.removed, groupID)
	f.revoked = revoke

	return nil
}

func (f *fakeTiers) List() []domain.Tier { return f.tiers }

func (f *fakeTiers) Resolve(accrued time.Duration) (domain.Tier, bool) {
	var best domain.Tier

	found := false

	for _, t := range f.tiers {
		if t.RequiredTime <= accrued {
			best, found = t, true
		}
	}

	return best, found
}

type fakeGames struct {
	assocs   []domain.GameAssociation
	unlinked []string
}

func (f *fakeGames) Add(_ context.Context, gameID, groupID int) error {
	f.assocs = append(f.assocs, domain.GameAssociation{GameID: gameID, GroupID: groupID})
	return nil
}

func (f *fakeGames) Remove(_ context.Context, gameID int) error {
	return domain.ErrAssociationNotFound
}

func (f *fakeGames) List() []domain.GameAssociation { return f.assocs }

func (f *fakeGames) UnlinkAccount(_ context.Context, uid string) error {
	f.unlinked = append(f.unlinked, uid)
	return nil
}

type fakeTimes struct {
	times map[string]time.Duration
}

func (f *fakeTimes) Get(_ context.Context, uid string, _ bool) (time.Duration, error) {
	return f.times[uid], nil
}

func (f *fakeTimes) Set(_ context.Context, uid string, d time.Duration) error {
	f.times[uid] = d
	return nil
}

type fakeReconciler struct {
	forced []string
	online map[string]string
}

func (f *fakeReconciler) ForceReconcile(_ context.Context, uid string) error {
	f.forced = append(f.forced, uid)
	return nil
}

func (f *fakeReconciler) ReconcileAll(_ context.Context) int { return len(f.online) }

func (f *fakeReconciler) SessionsOf(uid string) []domain.Session {
	if nick, ok := f.online[uid]; ok {
		return []domain.Session{{UID: uid, Nickname: nick}}
	}

	return nil
}

type harness struct {
	registry   *Registry
	tiers      *fakeTiers
	games      *fakeGames
	times      *fakeTimes
	reconciler *fakeReconciler
	perms      *Permissions
	store      *store.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetAdmin(ctx, "admin-uid", true))

	perms := NewPermissions(st)
	require.NoError(t, perms.Load(ctx))

	h := &harness{
		registry:   NewRegistry(log, perms),
		tiers:      &fakeTiers{},
		games:      &fakeGames{},
		times:      &fakeTimes{times: map[string]time.Duration{}},
		reconciler: &fakeReconciler{online: map[string]string{"alice-uid": "alice"}},
		perms:      perms,
		store:      st,
	}

	require.NoError(t, RegisterBuiltin(h.registry, Deps{
		Tiers:       h.tiers,
		Games:       h.games,
		Times:       h.times,
		Reconciler:  h.reconciler,
		Directory:   st,
		Permissions: perms,
	}))

	return h
}

func admin() Caller {
	return Caller{ClientID: 1, UID: "admin-uid", Nickname: "root", Dialect: markup.Plain{}}
}

func TestDispatchRejectsNonAdmins(t *testing.T) {
	h := newHarness(t)

	reply := h.registry.Dispatch(context.Background(), Caller{UID: "alice-uid"}, "timegroup list")
	assert.Contains(t, reply, "not allowed")

	for _, text := range []string{"", "!", "help"} {
		reply = h.registry.Dispatch(context.Background(), Caller{UID: "alice-uid"}, text)
		assert.Equal(t, "You are not allowed to use the commands of this bot.", reply, "text %q", text)
	}
}

func TestDispatchHelp(t *testing.T) {
	h := newHarness(t)

	reply := h.registry.Dispatch(context.Background(), admin(), "help")
	for _, name := range []string{"timegroup", "games", "time", "reconcile", "perms", "users", "unlink"} {
		assert.Contains(t, reply, name)
	}

	reply = h.registry.Dispatch(context.Background(), admin(), "help timegroup")
	assert.Contains(t, reply, "timegroup add <group> <time> [reconcile]")

	reply = h.registry.Dispatch(context.Background(), admin(), "bogus")
	assert.Contains(t, reply, `Unknown command "bogus"`)

	reply = h.registry.Dispatch(context.Background(), admin(), "timegroup")
	assert.Contains(t, reply, "timegroup list")
}

func TestTimegroupAdd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply := h.registry.Dispatch(ctx, admin(), "!timegroup add 100 30m yes")
	assert.Equal(t, "Added time group 100 at 30m.", reply)
	assert.Equal(t, []domain.Tier{{GroupID: 100, RequiredTime: 30 * time.Minute}}, h.tiers.added)

	reply = h.registry.Dispatch(ctx, admin(), "timegroup add 200 3600")
	assert.Equal(t, "Added time group 200 at 1h 0m.", reply)

	reply = h.registry.Dispatch(ctx, admin(), "timegroup add abc 3600")
	assert.Contains(t, reply, "Wrong parameters")
	assert.Contains(t, reply, `"abc" is not a valid group`)

	reply = h.registry.Dispatch(ctx, admin(), "timegroup add 300")
	assert.Contains(t, reply, "expected 2 arguments, got 1")
}

func TestTimegroupAddRendersTypedErrors(t *testing.T) {
	h := newHarness(t)
	h.tiers.err = &domain.DuplicateTierError{RequiredTime: time.Hour, ExistingGroup: 100}

	reply := h.registry.Dispatch(context.Background(), admin(), "timegroup add 200 1h")
	assert.Equal(t, "Error: "+h.tiers.err.Error(), reply)
}

func TestTimegroupRemoveAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Dispatch(ctx, admin(), "timegroup remove 100 yes")
	assert.Equal(t, []int{100}, h.tiers.removed)
	assert.True(t, h.tiers.revoked)

	assert.Equal(t, "No time groups configured.", h.registry.Dispatch(ctx, admin(), "timegroup list"))

	h.tiers.tiers = []domain.Tier{{GroupID: 100, RequiredTime: 90 * time.Minute}}
	assert.Equal(t, "Time groups:\ngroup 100 - 1h 30m", h.registry.Dispatch(ctx, admin(), "timegroup list"))
}

func TestGames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "Game 730 now grants group 12.", h.registry.Dispatch(ctx, admin(), "games add 730 12"))
	assert.Equal(t, "Game groups:\n730 - group 12", h.registry.Dispatch(ctx, admin(), "games list"))

	reply := h.registry.Dispatch(ctx, admin(), "games remove 999")
	assert.Equal(t, "Error: "+domain.ErrAssociationNotFound.Error(), reply)
}

func TestTimeShowAndSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tiers.tiers = []domain.Tier{{GroupID: 100, RequiredTime: time.Hour}}
	h.times.times["alice-uid"] = 26 * time.Hour

	assert.Equal(t, "alice was online for 1d 2h 0m (time group 100).", h.registry.Dispatch(ctx, admin(), "time show alice-uid"))

	assert.Equal(t, "Set time of bob-uid to 2d 0h 0m.", h.registry.Dispatch(ctx, admin(), "time set bob-uid 2d"))
	assert.Equal(t, 48*time.Hour, h.times.times["bob-uid"])
	assert.Equal(t, []string{"bob-uid"}, h.reconciler.forced)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "Reconciled alice-uid.", h.registry.Dispatch(ctx, admin(), "reconcile user alice-uid"))
	assert.Equal(t, "Queued reconciliation for 1 users.", h.registry.Dispatch(ctx, admin(), "reconcile all"))
}

func TestPerms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "Gave permission to alice.", h.registry.Dispatch(ctx, admin(), "perms add alice-uid"))
	assert.True(t, h.perms.IsAdmin("alice-uid"))

	admins, err := h.store.Admins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin-uid", "alice-uid"}, admins)

	assert.Equal(t, "alice-uid already has permission.", h.registry.Dispatch(ctx, admin(), "perms add alice-uid"))

	reply := h.registry.Dispatch(ctx, admin(), "perms list")
	assert.Contains(t, reply, "admin-uid - admin-uid")
	assert.Contains(t, reply, "alice - alice-uid")

	assert.Equal(t, "You cannot revoke your own permission.", h.registry.Dispatch(ctx, admin(), "perms remove admin-uid"))
	assert.Equal(t, "Revoked the permission from alice.", h.registry.Dispatch(ctx, admin(), "perms remove alice-uid"))
	assert.False(t, h.perms.IsAdmin("alice-uid"))
	assert.Equal(t, "alice-uid has no permission.", h.registry.Dispatch(ctx, admin(), "perms remove alice-uid"))
}

func TestUsersAndUnlink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "No linked users.", h.registry.Dispatch(ctx, admin(), "users"))

	_, err := h.store.SetSteamID(ctx, "alice-uid", "76561197960287930")
	require.NoError(t, err)

	assert.Equal(t, "Linked users (1):\nalice - 76561197960287930", h.registry.Dispatch(ctx, admin(), "users"))

	assert.Equal(t, "Unlinked alice-uid.", h.registry.Dispatch(ctx, admin(), "unlink alice-uid"))
	assert.Equal(t, []string{"alice-uid"}, h.games.unlinked)

	reply := h.registry.Dispatch(ctx, admin(), "unlink")
	assert.Contains(t, reply, "Wrong parameters")
}

func TestRegisterDuplicate(t *testing.T) {
	h := newHarness(t)

	err := h.registry.Register(Command{Name: "users"})
	assert.True(t, errors.Is(err, ErrDuplicateCommand))

	assert.Error(t, h.registry.Register(Command{Name: "help"}))
}

func TestParseDuration(t *testing.T) {
	for input, want := range map[string]time.Duration{
		"3600": time.Hour,
		"90m":  90 * time.Minute,
		"2d":   48 * time.Hour,
		"0":    0,
	} {
		got, err := ParseDuration(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, input := range []string{"-5", "-1h", "xd", "soon"} {
		_, err := ParseDuration(input)
		assert.Error(t, err, input)
	}
}

func TestPermissionsList(t *testing.T) {
	perms := NewPermissions(store.NewMemory())
	ctx := context.Background()

	for _, uid := range []string{"c", "a", "b"} {
		granted, err := perms.Grant(ctx, uid)
		require.NoError(t, err)
		assert.True(t, granted)
	}

	list := perms.List()
	assert.True(t, sort.StringsAreSorted(list))
	assert.Len(t, list, 3)
}
