package bot

import (
	"context"
	"errors"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/presence"
	"github.com/samcm/ts-companion/internal/teamspeak"
)

// ErrGamesDisabled is returned by game commands when Steam is not configured.
var ErrGamesDisabled = errors.New("game groups are disabled")

type nicknames struct {
	presence *presence.Reconciler
}

func (n nicknames) Nickname(uid string) string {
	if sessions := n.presence.SessionsOf(uid); len(sessions) > 0 {
		return sessions[0].Nickname
	}

	return ""
}

type groupNames struct {
	ts teamspeak.Service
}

func (g groupNames) GroupNames(ctx context.Context) (map[int]string, error) {
	groups, err := g.ts.ServerGroups(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[int]string, len(groups))
	for _, group := range groups {
		names[group.ID] = group.Name
	}

	return names, nil
}

type disabledGames struct{}

func (disabledGames) Add(context.Context, int, int) error         { return ErrGamesDisabled }
func (disabledGames) Remove(context.Context, int) error           { return ErrGamesDisabled }
func (disabledGames) List() []domain.GameAssociation              { return nil }
func (disabledGames) UnlinkAccount(context.Context, string) error { return ErrGamesDisabled }
