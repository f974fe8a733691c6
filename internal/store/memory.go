package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samcm/ts-companion/internal/domain"
)

type memoryUser struct {
	time    time.Duration
	steamID string
	admin   bool
}

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*memoryUser
	tiers    map[int]time.Duration
	games    map[int]int
	selected map[string][]int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*memoryUser),
		tiers:    make(map[int]time.Duration),
		games:    make(map[int]int),
		selected: make(map[string][]int),
	}
}

func (m *Memory) user(uid string) *memoryUser {
	u, ok := m.users[uid]
	if !ok {
		u = &memoryUser{}
		m.users[uid] = u
	}

	return u
}

func (m *Memory) GetTime(_ context.Context, uid string) (time.Duration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[uid]
	if !ok {
		return 0, false, nil
	}

	return u.time, true, nil
}

func (m *Memory) CreateUser(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.user(uid)

	return nil
}

func (m *Memory) SaveTime(_ context.Context, uid string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.user(uid).time = d

	return nil
}

func (m *Memory) SaveTimes(_ context.Context, times map[string]time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uid, d := range times {
		m.user(uid).time = d
	}

	return nil
}

func (m *Memory) ListTiers(_ context.Context) ([]domain.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiers := make([]domain.Tier, 0, len(m.tiers))
	for g, d := range m.tiers {
		tiers = append(tiers, domain.Tier{GroupID: g, RequiredTime: d})
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].RequiredTime < tiers[j].RequiredTime })

	return tiers, nil
}

func (m *Memory) InsertTier(_ context.Context, tier domain.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tiers[tier.GroupID]; ok {
		return wrap("insert tier", domain.ErrTierExists)
	}

	for g, d := range m.tiers {
		if d == tier.RequiredTime {
			return wrap("insert tier", &domain.DuplicateTierError{RequiredTime: d, ExistingGroup: g})
		}
	}

	m.tiers[tier.GroupID] = tier.RequiredTime

	return nil
}

func (m *Memory) DeleteTier(_ context.Context, groupID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tiers, groupID)

	return nil
}

func (m *Memory) ListGameAssociations(_ context.Context) ([]domain.GameAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assocs := make([]domain.GameAssociation, 0, len(m.games))
	for game, group := range m.games {
		assocs = append(assocs, domain.GameAssociation{GameID: game, GroupID: group})
	}

	sort.Slice(assocs, func(i, j int) bool { return assocs[i].GameID < assocs[j].GameID })

	return assocs, nil
}

func (m *Memory) UpsertGameAssociation(_ context.Context, assoc domain.GameAssociation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.games[assoc.GameID] = assoc.GroupID

	return nil
}

func (m *Memory) DeleteGameAssociation(_ context.Context, gameID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.games, gameID)

	return nil
}

func (m *Memory) SelectedGames(_ context.Context, uid string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]int(nil), m.selected[uid]...), nil
}

func (m *Memory) SaveSelectedGames(_ context.Context, uid string, games []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(games) == 0 {
		delete(m.selected, uid)
		return nil
	}

	m.selected[uid] = append([]int(nil), games...)

	return nil
}

func (m *Memory) SteamID(_ context.Context, uid string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.users[uid]; ok {
		return u.steamID, nil
	}

	return "", nil
}

func (m *Memory) SetSteamID(_ context.Context, uid, steamID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(uid)
	if u.steamID == steamID {
		return false, nil
	}

	u.steamID = steamID

	return true, nil
}

func (m *Memory) ClearSteamID(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[uid]; ok {
		u.steamID = ""
	}

	return nil
}

func (m *Memory) LinkedUsers(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	linked := make(map[string]string)

	for uid, u := range m.users {
		if u.steamID != "" {
			linked[uid] = u.steamID
		}
	}

	return linked, nil
}

func (m *Memory) Admins(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var admins []string

	for uid, u := range m.users {
		if u.admin {
			admins = append(admins, uid)
		}
	}

	sort.Strings(admins)

	return admins, nil
}

func (m *Memory) SetAdmin(_ context.Context, uid string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.user(uid).admin = admin

	return nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}
