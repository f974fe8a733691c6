// Package steamgroups grants server groups for owned Steam games.
package steamgroups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/steam"
)

// Store persists associations, selections and Steam links.
type Store interface {
	ListGameAssociations(ctx context.Context) ([]domain.GameAssociation, error)
	UpsertGameAssociation(ctx context.Context, assoc domain.GameAssociation) error
	DeleteGameAssociation(ctx context.Context, gameID int) error
	SelectedGames(ctx context.Context, uid string) ([]int, error)
	SaveSelectedGames(ctx context.Context, uid string, games []int) error
	SteamID(ctx context.Context, uid string) (string, error)
	SetSteamID(ctx context.Context, uid, steamID string) (bool, error)
	ClearSteamID(ctx context.Context, uid string) error
}

// Games looks up game ownership.
type Games interface {
	OwnedGames(ctx context.Context, steamID string) ([]steam.Game, error)
}

// Groups mutates and inspects server group membership.
type Groups interface {
	AddServerGroup(ctx context.Context, uid string, groupID int) error
	RemoveServerGroup(ctx context.Context, uid string, groupID int) error
	ServerGroupsOf(ctx context.Context, uid string) ([]int, error)
}

// Config holds mapper settings.
type Config struct {
	// SelectionEnabled limits groups to the games a user picked.
	SelectionEnabled bool
	// MaxSelected bounds a selection. Zero means unbounded.
	MaxSelected int
}

// Selectable is an owned game that has a group.
type Selectable struct {
	Game     steam.Game
	GroupID  int
	Selected bool
}

// Mapper holds the game association table and applies it to identities.
type Mapper struct {
	log    logrus.FieldLogger
	cfg    Config
	store  Store
	games  Games
	groups Groups

	mu    sync.RWMutex
	assoc map[int]int
}

// NewMapper creates a mapper with no associations loaded.
func NewMapper(log logrus.FieldLogger, cfg Config, store Store, games Games, groups Groups) *Mapper {
	return &Mapper{
		log:    log.WithField("component", "steamgroups"),
		cfg:    cfg,
		store:  store,
		games:  games,
		groups: groups,
		assoc:  make(map[int]int),
	}
}

// Config returns the mapper settings.
func (m *Mapper) Config() Config {
	return m.cfg
}

// Load replaces the in-memory associations with the stored ones.
func (m *Mapper) Load(ctx context.Context) error {
	assocs, err := m.store.ListGameAssociations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load game associations: %w", err)
	}

	table := make(map[int]int, len(assocs))
	for _, a := range assocs {
		table[a.GameID] = a.GroupID
	}

	m.mu.Lock()
	m.assoc = table
	m.mu.Unlock()

	m.log.WithField("games", len(table)).Info("Loaded game associations")

	return nil
}

// Add maps gameID to groupID, replacing any existing mapping for the game.
func (m *Mapper) Add(ctx context.Context, gameID, groupID int) error {
	if gameID <= 0 {
		return &domain.InvalidAssociationError{GameID: gameID, GroupID: groupID, Reason: "game id must be positive"}
	}

	if groupID <= 0 {
		return &domain.InvalidAssociationError{GameID: gameID, GroupID: groupID, Reason: "group id must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.UpsertGameAssociation(ctx, domain.GameAssociation{GameID: gameID, GroupID: groupID}); err != nil {
		return fmt.Errorf("failed to persist game association: %w", err)
	}

	m.assoc[gameID] = groupID

	m.log.WithFields(logrus.Fields{
		"game_id":  gameID,
		"group_id": groupID,
	}).Info("Added game association")

	return nil
}

// Remove deletes the association for gameID.
func (m *Mapper) Remove(ctx context.Context, gameID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assoc[gameID]; !ok {
		return fmt.Errorf("game %d: %w", gameID, domain.ErrAssociationNotFound)
	}

	if err := m.store.DeleteGameAssociation(ctx, gameID); err != nil {
		return fmt.Errorf("failed to delete game association: %w", err)
	}

	delete(m.assoc, gameID)

	m.log.WithField("game_id", gameID).Info("Removed game association")

	return nil
}

// List returns every association ordered by game id.
func (m *Mapper) List() []domain.GameAssociation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assocs := make([]domain.GameAssociation, 0, len(m.assoc))
	for game, group := range m.assoc {
		assocs = append(assocs, domain.GameAssociation{GameID: game, GroupID: group})
	}

	sort.Slice(assocs, func(i, j int) bool { return assocs[i].GameID < assocs[j].GameID })

	return assocs
}

// GroupFor returns the group mapped to gameID.
func (m *Mapper) GroupFor(gameID int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.assoc[gameID]

	return g, ok
}

// IsGameGroup reports whether any game maps to groupID.
func (m *Mapper) IsGameGroup(groupID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.assoc {
		if g == groupID {
			return true
		}
	}

	return false
}

// Plan computes the game group changes for an identity. selected is ignored
// when selection is disabled.
func (m *Mapper) Plan(owned, selected, current []int) domain.Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eligible := owned
	if m.cfg.SelectionEnabled {
		eligible = intersect(owned, selected)
	}

	correct := make(map[int]struct{})

	var delta domain.Delta

	for _, game := range eligible {
		group, ok := m.assoc[game]
		if !ok {
			continue
		}

		if _, dup := correct[group]; dup {
			continue
		}

		correct[group] = struct{}{}

		if !domain.HasGroup(current, group) {
			delta.Add = append(delta.Add, group)
		}
	}

	mapped := make(map[int]struct{}, len(m.assoc))
	for _, g := range m.assoc {
		mapped[g] = struct{}{}
	}

	for _, g := range current {
		if _, isGame := mapped[g]; !isGame {
			continue
		}

		if _, ok := correct[g]; !ok {
			delta.Remove = append(delta.Remove, g)
		}
	}

	return delta
}

// Reconcile applies the game groups for uid given the games it owns and the groups it holds.
func (m *Mapper) Reconcile(ctx context.Context, uid string, owned, current []int) (domain.Delta, error) {
	var selected []int

	if m.cfg.SelectionEnabled {
		var err error

		selected, err = m.selection(ctx, uid, owned)
		if err != nil {
			return domain.Delta{}, err
		}
	}

	delta := m.Plan(owned, selected, current)

	return delta, m.apply(ctx, uid, delta)
}

// selection loads uid's selection, dropping games that are no longer owned or
// mapped and trimming it to the configured bound.
func (m *Mapper) selection(ctx context.Context, uid string, owned []int) ([]int, error) {
	stored, err := m.store.SelectedGames(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected games: %w", err)
	}

	normalized := m.NormalizeSelection(stored, owned)

	if len(normalized) != len(stored) {
		if err := m.store.SaveSelectedGames(ctx, uid, normalized); err != nil {
			m.log.WithError(err).WithField("uid", uid).Warn("Failed to save trimmed selection")
		}
	}

	return normalized, nil
}

func (m *Mapper) apply(ctx context.Context, uid string, delta domain.Delta) error {
	if delta.Empty() {
		return nil
	}

	var errs []error

	for _, g := range delta.Add {
		if err := m.groups.AddServerGroup(ctx, uid, g); err != nil {
			errs = append(errs, fmt.Errorf("failed to add group %d: %w", g, err))
		}
	}

	for _, g := range delta.Remove {
		if err := m.groups.RemoveServerGroup(ctx, uid, g); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove group %d: %w", g, err))
		}
	}

	m.log.WithFields(logrus.Fields{
		"uid":    uid,
		"add":    delta.Add,
		"remove": delta.Remove,
	}).Info("Reconciled game groups")

	return errors.Join(errs...)
}

// Sync looks up uid's Steam games and reconciles its game groups. It returns
// ErrNotLinked for identities without a Steam account.
func (m *Mapper) Sync(ctx context.Context, uid string, current []int) (domain.Delta, error) {
	steamID, err := m.store.SteamID(ctx, uid)
	if err != nil {
		return domain.Delta{}, fmt.Errorf("failed to read steam link: %w", err)
	}

	if steamID == "" {
		return domain.Delta{}, domain.ErrNotLinked
	}

	owned, err := m.ownedIDs(ctx, steamID)
	if err != nil {
		return domain.Delta{}, err
	}

	return m.Reconcile(ctx, uid, owned, current)
}

func (m *Mapper) ownedIDs(ctx context.Context, steamID string) ([]int, error) {
	games, err := m.games.OwnedGames(ctx, steamID)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.AppID)
	}

	return ids, nil
}

// NormalizeSelection keeps the selected games that are owned and mapped, in
// order, truncated to the configured maximum.
func (m *Mapper) NormalizeSelection(selected, owned []int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ownedSet := toSet(owned)
	out := make([]int, 0, len(selected))

	for _, g := range selected {
		if _, ok := ownedSet[g]; !ok {
			continue
		}

		if _, ok := m.assoc[g]; !ok {
			continue
		}

		out = append(out, g)
	}

	if m.cfg.MaxSelected > 0 && len(out) > m.cfg.MaxSelected {
		out = out[:m.cfg.MaxSelected]
	}

	return out
}

// DefaultSelection picks the first mapped games from owned, up to the maximum.
func (m *Mapper) DefaultSelection(owned []int) []int {
	return m.NormalizeSelection(owned, owned)
}

// SelectGames stores uid's game selection.
func (m *Mapper) SelectGames(ctx context.Context, uid string, games []int) error {
	if m.cfg.MaxSelected > 0 && len(games) > m.cfg.MaxSelected {
		return fmt.Errorf("%w: %d selected, at most %d allowed", domain.ErrTooManyGames, len(games), m.cfg.MaxSelected)
	}

	for _, g := range games {
		if _, ok := m.GroupFor(g); !ok {
			return &domain.InvalidAssociationError{GameID: g, Reason: "game has no group"}
		}
	}

	if err := m.store.SaveSelectedGames(ctx, uid, dedupe(games)); err != nil {
		return fmt.Errorf("failed to save selected games: %w", err)
	}

	return nil
}

// SelectableGames lists uid's owned games that have a group, marking the selected ones.
func (m *Mapper) SelectableGames(ctx context.Context, uid string) ([]Selectable, error) {
	steamID, err := m.store.SteamID(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to read steam link: %w", err)
	}

	if steamID == "" {
		return nil, domain.ErrNotLinked
	}

	games, err := m.games.OwnedGames(ctx, steamID)
	if err != nil {
		return nil, err
	}

	selected, err := m.store.SelectedGames(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected games: %w", err)
	}

	chosen := toSet(selected)

	var out []Selectable

	for _, g := range games {
		group, ok := m.GroupFor(g.AppID)
		if !ok {
			continue
		}

		_, sel := chosen[g.AppID]
		out = append(out, Selectable{Game: g, GroupID: group, Selected: sel})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Game.Name < out[j].Game.Name })

	return out, nil
}

// LinkAccount binds uid to steamID. On a new link with selection enabled the
// default selection is stored. Game groups are left to the next Sync, which
// the caller schedules on the identity's lane.
func (m *Mapper) LinkAccount(ctx context.Context, uid, steamID string) (bool, error) {
	steamID, err := steam.ParseSteamID(steamID)
	if err != nil {
		return false, err
	}

	changed, err := m.store.SetSteamID(ctx, uid, steamID)
	if err != nil {
		return false, fmt.Errorf("failed to link steam account: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{
		"uid":      uid,
		"steam_id": steamID,
	})

	if !changed {
		log.Debug("Steam account already linked")
		return false, nil
	}

	log.Info("Linked steam account")

	if !m.cfg.SelectionEnabled {
		return true, nil
	}

	owned, err := m.ownedIDs(ctx, steamID)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch owned games after linking")
		return true, nil
	}

	if err := m.store.SaveSelectedGames(ctx, uid, m.DefaultSelection(owned)); err != nil {
		log.WithError(err).Warn("Failed to store default selection")
	}

	return true, nil
}

// UnlinkAccount removes uid's Steam link, its selection and any game groups it holds.
func (m *Mapper) UnlinkAccount(ctx context.Context, uid string) error {
	if err := m.store.ClearSteamID(ctx, uid); err != nil {
		return fmt.Errorf("failed to unlink steam account: %w", err)
	}

	if err := m.store.SaveSelectedGames(ctx, uid, nil); err != nil {
		return fmt.Errorf("failed to clear selected games: %w", err)
	}

	m.log.WithField("uid", uid).Info("Unlinked steam account")

	current, err := m.groups.ServerGroupsOf(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to read groups of %s: %w", uid, err)
	}

	return m.apply(ctx, uid, m.Plan(nil, nil, current))
}

func toSet(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}

func intersect(a, b []int) []int {
	set := toSet(b)

	var out []int

	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}

	return out
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
