package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samcm/ts-companion/internal/domain"
)

// TierManager is the tier engine surface used by timegroup.
type TierManager interface {
	Add(ctx context.Context, groupID int, required time.Duration, reconcileOnline bool) error
	Remove(ctx context.Context, groupID int, revoke bool) error
	List() []domain.Tier
	Resolve(accrued time.Duration) (domain.Tier, bool)
}

// GameManager is the Steam group mapper surface used by games and unlink.
type GameManager interface {
	Add(ctx context.Context, gameID, groupID int) error
	Remove(ctx context.Context, gameID int) error
	List() []domain.GameAssociation
	UnlinkAccount(ctx context.Context, uid string) error
}

// TimeManager reads and corrects accrued time.
type TimeManager interface {
	Get(ctx context.Context, uid string, allowDurableFallback bool) (time.Duration, error)
	Set(ctx context.Context, uid string, d time.Duration) error
}

// Reconciler forces membership reconciliation.
type Reconciler interface {
	ForceReconcile(ctx context.Context, uid string) error
	ReconcileAll(ctx context.Context) int
	SessionsOf(uid string) []domain.Session
}

// Directory lists Steam-linked identities.
type Directory interface {
	LinkedUsers(ctx context.Context) (map[string]string, error)
}

// GroupNamer resolves server group names for listings.
type GroupNamer interface {
	GroupNames(ctx context.Context) (map[int]string, error)
}

// Deps are the collaborators of the built-in commands.
type Deps struct {
	Tiers       TierManager
	Games       GameManager
	Times       TimeManager
	Reconciler  Reconciler
	Directory   Directory
	Permissions *Permissions
	// Groups is optional.
	Groups GroupNamer
}

// RegisterBuiltin registers timegroup, games, time, reconcile, perms, users and unlink.
func RegisterBuiltin(r *Registry, deps Deps) error {
	b := &builtin{deps: deps}

	for _, cmd := range []Command{
		b.timegroup(),
		b.games(),
		b.timeCmd(),
		b.reconcile(),
		b.perms(),
		b.users(),
		b.unlink(),
	} {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}

	return nil
}

type builtin struct {
	deps Deps
}

func (b *builtin) groupName(names map[int]string, id int) string {
	if name, ok := names[id]; ok {
		return fmt.Sprintf("%s (%d)", name, id)
	}

	return fmt.Sprintf("group %d", id)
}

func (b *builtin) groupNames(ctx context.Context) map[int]string {
	if b.deps.Groups == nil {
		return nil
	}

	names, err := b.deps.Groups.GroupNames(ctx)
	if err != nil {
		return nil
	}

	return names
}

func (b *builtin) nickname(uid string) string {
	if sessions := b.deps.Reconciler.SessionsOf(uid); len(sessions) > 0 {
		return sessions[0].Nickname
	}

	return uid
}

func (b *builtin) timegroup() Command {
	return Command{
		Name: "timegroup",
		Help: "Manage groups users get for their online time",
		Subs: []Sub{
			{
				Name: "add",
				Help: "Adds a time group, optionally granting it to online users right away",
				Params: []Param{
					{Name: "group", Kind: KindInt},
					{Name: "time", Kind: KindDuration},
					{Name: "reconcile", Kind: KindBool, Optional: true},
				},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					group, required := args.Int("group"), args.Duration("time")

					if err := b.deps.Tiers.Add(ctx, group, required, args.Bool("reconcile")); err != nil {
						return "", err
					}

					return fmt.Sprintf("Added time group %d at %s.", group, FormatDuration(required)), nil
				},
			},
			{
				Name: "remove",
				Help: "Removes a time group, optionally taking it from everyone holding it",
				Params: []Param{
					{Name: "group", Kind: KindInt},
					{Name: "revoke", Kind: KindBool, Optional: true},
				},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					group := args.Int("group")

					if err := b.deps.Tiers.Remove(ctx, group, args.Bool("revoke")); err != nil {
						return "", err
					}

					return fmt.Sprintf("Removed time group %d.", group), nil
				},
			},
			{
				Name: "list",
				Help: "Lists all time groups",
				Run: func(ctx context.Context, caller Caller, _ Args) (string, error) {
					tiers := b.deps.Tiers.List()
					if len(tiers) == 0 {
						return "No time groups configured.", nil
					}

					names := b.groupNames(ctx)

					lines := make([]string, 0, len(tiers)+1)
					lines = append(lines, caller.Dialect.Bold("Time groups:"))

					for _, t := range tiers {
						lines = append(lines, fmt.Sprintf("%s - %s", b.groupName(names, t.GroupID), FormatDuration(t.RequiredTime)))
					}

					return strings.Join(lines, "\n"), nil
				},
			},
		},
	}
}

func (b *builtin) games() Command {
	return Command{
		Name: "games",
		Help: "Associate Steam games with server groups",
		Subs: []Sub{
			{
				Name: "add",
				Help: "Associates a Steam game with a server group",
				Params: []Param{
					{Name: "game", Kind: KindInt},
					{Name: "group", Kind: KindInt},
				},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					game, group := args.Int("game"), args.Int("group")

					if err := b.deps.Games.Add(ctx, game, group); err != nil {
						return "", err
					}

					return fmt.Sprintf("Game %d now grants group %d.", game, group), nil
				},
			},
			{
				Name:   "remove",
				Help:   "Removes the association of a game",
				Params: []Param{{Name: "game", Kind: KindInt}},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					if err := b.deps.Games.Remove(ctx, args.Int("game")); err != nil {
						return "", err
					}

					return fmt.Sprintf("Removed game %d.", args.Int("game")), nil
				},
			},
			{
				Name: "list",
				Help: "Lists all associations",
				Run: func(ctx context.Context, caller Caller, _ Args) (string, error) {
					assocs := b.deps.Games.List()
					if len(assocs) == 0 {
						return "No games associated.", nil
					}

					names := b.groupNames(ctx)

					lines := make([]string, 0, len(assocs)+1)
					lines = append(lines, caller.Dialect.Bold("Game groups:"))

					for _, a := range assocs {
						lines = append(lines, fmt.Sprintf("%d - %s", a.GameID, b.groupName(names, a.GroupID)))
					}

					return strings.Join(lines, "\n"), nil
				},
			},
		},
	}
}

func (b *builtin) timeCmd() Command {
	return Command{
		Name: "time",
		Help: "Shows and corrects how long users were on this server",
		Subs: []Sub{
			{
				Name:   "show",
				Help:   "Shows how long the user was active",
				Params: []Param{{Name: "uid", Kind: KindUID}},
				Run: func(ctx context.Context, caller Caller, args Args) (string, error) {
					uid := args.String("uid")

					accrued, err := b.deps.Times.Get(ctx, uid, true)
					if err != nil {
						return "", err
					}

					reply := fmt.Sprintf("%s was online for %s", caller.Dialect.Bold(b.nickname(uid)), FormatDuration(accrued))

					if tier, ok := b.deps.Tiers.Resolve(accrued); ok {
						reply += fmt.Sprintf(" (time group %d)", tier.GroupID)
					}

					return reply + ".", nil
				},
			},
			{
				Name: "set",
				Help: "Overwrites the accrued time of a user and reconciles their groups",
				Params: []Param{
					{Name: "uid", Kind: KindUID},
					{Name: "time", Kind: KindDuration},
				},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					uid, d := args.String("uid"), args.Duration("time")

					if err := b.deps.Times.Set(ctx, uid, d); err != nil {
						return "", err
					}

					if err := b.deps.Reconciler.ForceReconcile(ctx, uid); err != nil {
						return fmt.Sprintf("Set time of %s to %s, but reconciling failed: %s", uid, FormatDuration(d), err), nil
					}

					return fmt.Sprintf("Set time of %s to %s.", uid, FormatDuration(d)), nil
				},
			},
		},
	}
}

func (b *builtin) reconcile() Command {
	return Command{
		Name: "reconcile",
		Help: "Recomputes time and game groups",
		Subs: []Sub{
			{
				Name:   "user",
				Help:   "Reconciles a single user",
				Params: []Param{{Name: "uid", Kind: KindUID}},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					if err := b.deps.Reconciler.ForceReconcile(ctx, args.String("uid")); err != nil {
						return "", err
					}

					return fmt.Sprintf("Reconciled %s.", args.String("uid")), nil
				},
			},
			{
				Name: "all",
				Help: "Reconciles every online user",
				Run: func(ctx context.Context, _ Caller, _ Args) (string, error) {
					n := b.deps.Reconciler.ReconcileAll(ctx)

					return fmt.Sprintf("Queued reconciliation for %d users.", n), nil
				},
			},
		},
	}
}

func (b *builtin) perms() Command {
	return Command{
		Name: "perms",
		Help: "Manage who may use these commands",
		Subs: []Sub{
			{
				Name:   "add",
				Help:   "Allows a user to change the bot's settings",
				Params: []Param{{Name: "uid", Kind: KindUID}},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					uid := args.String("uid")

					granted, err := b.deps.Permissions.Grant(ctx, uid)
					if err != nil {
						return "", err
					}

					if !granted {
						return fmt.Sprintf("%s already has permission.", uid), nil
					}

					return fmt.Sprintf("Gave permission to %s.", b.nickname(uid)), nil
				},
			},
			{
				Name:   "remove",
				Help:   "Takes away a user's right to change the settings",
				Params: []Param{{Name: "uid", Kind: KindUID}},
				Run: func(ctx context.Context, caller Caller, args Args) (string, error) {
					uid := args.String("uid")

					if uid == caller.UID {
						return "You cannot revoke your own permission.", nil
					}

					revoked, err := b.deps.Permissions.Revoke(ctx, uid)
					if err != nil {
						return "", err
					}

					if !revoked {
						return fmt.Sprintf("%s has no permission.", uid), nil
					}

					return fmt.Sprintf("Revoked the permission from %s.", b.nickname(uid)), nil
				},
			},
			{
				Name: "list",
				Help: "Lists all users with permission",
				Run: func(_ context.Context, caller Caller, _ Args) (string, error) {
					uids := b.deps.Permissions.List()
					if len(uids) == 0 {
						return "Nobody has permission.", nil
					}

					lines := []string{caller.Dialect.Bold("Users with permission:")}
					for _, uid := range uids {
						lines = append(lines, fmt.Sprintf("%s - %s", b.nickname(uid), uid))
					}

					return strings.Join(lines, "\n"), nil
				},
			},
		},
	}
}

func (b *builtin) users() Command {
	return Command{
		Name: "users",
		Help: "Lists users with a linked Steam account",
		Subs: []Sub{
			{
				Help: "Lists users with a linked Steam account",
				Run: func(ctx context.Context, caller Caller, _ Args) (string, error) {
					linked, err := b.deps.Directory.LinkedUsers(ctx)
					if err != nil {
						return "", err
					}

					if len(linked) == 0 {
						return "No linked users.", nil
					}

					uids := make([]string, 0, len(linked))
					for uid := range linked {
						uids = append(uids, uid)
					}

					sort.Strings(uids)

					lines := []string{caller.Dialect.Bold(fmt.Sprintf("Linked users (%d):", len(uids)))}
					for _, uid := range uids {
						lines = append(lines, fmt.Sprintf("%s - %s", b.nickname(uid), linked[uid]))
					}

					return strings.Join(lines, "\n"), nil
				},
			},
		},
	}
}

func (b *builtin) unlink() Command {
	return Command{
		Name: "unlink",
		Help: "Removes the Steam link of a user",
		Subs: []Sub{
			{
				Help:   "Removes the Steam link and game groups of a user",
				Params: []Param{{Name: "uid", Kind: KindUID}},
				Run: func(ctx context.Context, _ Caller, args Args) (string, error) {
					if err := b.deps.Games.UnlinkAccount(ctx, args.String("uid")); err != nil {
						return "", err
					}

					return fmt.Sprintf("Unlinked %s.", args.String("uid")), nil
				},
			},
		},
	}
}
