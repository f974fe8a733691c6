// Package store persists accrued time, tiers, game associations and Steam links.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/samcm/ts-companion/internal/domain"
)

// Store is the durable state behind the bot.
type Store interface {
	// GetTime returns the persisted time for uid and whether a record exists.
	GetTime(ctx context.Context, uid string) (time.Duration, bool, error)
	// CreateUser inserts a zero-time record for uid if none exists.
	CreateUser(ctx context.Context, uid string) error
	SaveTime(ctx context.Context, uid string, d time.Duration) error
	// SaveTimes upserts every entry in a single round trip.
	SaveTimes(ctx context.Context, times map[string]time.Duration) error

	ListTiers(ctx context.Context) ([]domain.Tier, error)
	InsertTier(ctx context.Context, tier domain.Tier) error
	DeleteTier(ctx context.Context, groupID int) error

	ListGameAssociations(ctx context.Context) ([]domain.GameAssociation, error)
	UpsertGameAssociation(ctx context.Context, assoc domain.GameAssociation) error
	DeleteGameAssociation(ctx context.Context, gameID int) error

	SelectedGames(ctx context.Context, uid string) ([]int, error)
	SaveSelectedGames(ctx context.Context, uid string, games []int) error

	// SteamID returns the linked Steam id for uid, or "" when unlinked.
	SteamID(ctx context.Context, uid string) (string, error)
	// SetSteamID links uid to steamID and reports whether anything changed.
	SetSteamID(ctx context.Context, uid, steamID string) (bool, error)
	ClearSteamID(ctx context.Context, uid string) error
	// LinkedUsers maps every linked uid to its Steam id.
	LinkedUsers(ctx context.Context) (map[string]string, error)

	Admins(ctx context.Context) ([]string, error)
	SetAdmin(ctx context.Context, uid string, admin bool) error

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// New opens the configured backend and migrates its schema.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(ctx, cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", domain.ErrDurableStore, op, err)
}

func toSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func fromSeconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
