package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcm/ts-companion/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func backends(t *testing.T) map[string]Store {
	out := map[string]Store{
		"sqlite": newTestSQLite(t),
		"memory": NewMemory(),
	}

	for name, s := range extraBackends(t) {
		out[name] = s
	}

	return out
}

func TestTimeRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := s.GetTime(ctx, "uid-a")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.CreateUser(ctx, "uid-a"))
			require.NoError(t, s.CreateUser(ctx, "uid-a"))

			d, found, err := s.GetTime(ctx, "uid-a")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Zero(t, d)

			require.NoError(t, s.SaveTime(ctx, "uid-a", 90*time.Second))
			require.NoError(t, s.SaveTimes(ctx, map[string]time.Duration{
				"uid-b": time.Hour,
				"uid-c": 2 * time.Minute,
			}))

			d, _, err = s.GetTime(ctx, "uid-a")
			require.NoError(t, err)
			assert.Equal(t, 90*time.Second, d)

			d, _, err = s.GetTime(ctx, "uid-b")
			require.NoError(t, err)
			assert.Equal(t, time.Hour, d)
		})
	}
}

func TestTiersAndGames(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.InsertTier(ctx, domain.Tier{GroupID: 12, RequiredTime: time.Hour}))
			require.NoError(t, s.InsertTier(ctx, domain.Tier{GroupID: 11, RequiredTime: 5 * time.Minute}))

			err := s.InsertTier(ctx, domain.Tier{GroupID: 13, RequiredTime: time.Hour})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrDurableStore))

			tiers, err := s.ListTiers(ctx)
			require.NoError(t, err)
			assert.Equal(t, []domain.Tier{
				{GroupID: 11, RequiredTime: 5 * time.Minute},
				{GroupID: 12, RequiredTime: time.Hour},
			}, tiers)

			require.NoError(t, s.DeleteTier(ctx, 11))

			tiers, err = s.ListTiers(ctx)
			require.NoError(t, err)
			assert.Len(t, tiers, 1)

			require.NoError(t, s.UpsertGameAssociation(ctx, domain.GameAssociation{GameID: 570, GroupID: 40}))
			require.NoError(t, s.UpsertGameAssociation(ctx, domain.GameAssociation{GameID: 570, GroupID: 41}))
			require.NoError(t, s.UpsertGameAssociation(ctx, domain.GameAssociation{GameID: 730, GroupID: 42}))

			assocs, err := s.ListGameAssociations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []domain.GameAssociation{{GameID: 570, GroupID: 41}, {GameID: 730, GroupID: 42}}, assocs)

			require.NoError(t, s.DeleteGameAssociation(ctx, 570))

			assocs, err = s.ListGameAssociations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []domain.GameAssociation{{GameID: 730, GroupID: 42}}, assocs)
		})
	}
}

func TestSteamLinkAndSelection(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			changed, err := s.SetSteamID(ctx, "uid-a", "76561197960287930")
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = s.SetSteamID(ctx, "uid-a", "76561197960287930")
			require.NoError(t, err)
			assert.False(t, changed)

			id, err := s.SteamID(ctx, "uid-a")
			require.NoError(t, err)
			assert.Equal(t, "76561197960287930", id)

			linked, err := s.LinkedUsers(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"uid-a": "76561197960287930"}, linked)

			require.NoError(t, s.SaveSelectedGames(ctx, "uid-a", []int{730, 10, 570}))
			require.NoError(t, s.SaveSelectedGames(ctx, "uid-a", []int{570, 730}))

			games, err := s.SelectedGames(ctx, "uid-a")
			require.NoError(t, err)
			assert.Equal(t, []int{570, 730}, games)

			require.NoError(t, s.ClearSteamID(ctx, "uid-a"))

			id, err = s.SteamID(ctx, "uid-a")
			require.NoError(t, err)
			assert.Empty(t, id)
		})
	}
}

func TestAdmins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SetAdmin(ctx, "uid-b", true))
			require.NoError(t, s.SetAdmin(ctx, "uid-a", true))
			require.NoError(t, s.SetAdmin(ctx, "uid-b", false))

			admins, err := s.Admins(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"uid-a"}, admins)
		})
	}
}
