package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDurableStore wraps failures of the persistent store.
	ErrDurableStore = errors.New("durable store error")
	// ErrSteamUnavailable is returned when the Steam API cannot be reached.
	ErrSteamUnavailable = errors.New("steam api unavailable")
	// ErrSteamAuth is returned when the Steam API rejects the configured key.
	ErrSteamAuth = errors.New("steam api key rejected")
	// ErrDuplicateTier is returned when a tier with the same required time exists.
	ErrDuplicateTier = errors.New("duplicate tier")
	// ErrTierExists is returned when a group is already configured as a tier.
	ErrTierExists = errors.New("group is already a tier")
	// ErrTierNotFound is returned when no tier uses the given group.
	ErrTierNotFound = errors.New("tier not found")
	// ErrInvalidAssociation is returned for malformed game associations.
	ErrInvalidAssociation = errors.New("invalid game association")
	// ErrAssociationNotFound is returned when a game has no association.
	ErrAssociationNotFound = errors.New("game association not found")
	// ErrNotLinked is returned when an identity has no Steam account linked.
	ErrNotLinked = errors.New("no steam account linked")
	// ErrTooManyGames is returned when a selection exceeds the configured maximum.
	ErrTooManyGames = errors.New("too many games selected")
	// ErrConcurrencyInvariant marks a state that should be impossible by construction.
	ErrConcurrencyInvariant = errors.New("concurrency invariant violated")
)

// DuplicateTierError reports a tier insert that collides with an existing threshold.
type DuplicateTierError struct {
	RequiredTime  time.Duration
	ExistingGroup int
}

func (e *DuplicateTierError) Error() string {
	return fmt.Sprintf("a tier requiring %s already exists (group %d)", e.RequiredTime, e.ExistingGroup)
}

// Is makes the error match ErrDuplicateTier.
func (e *DuplicateTierError) Is(target error) bool {
	return target == ErrDuplicateTier
}

// InvalidAssociationError reports a rejected game association.
type InvalidAssociationError struct {
	GameID  int
	GroupID int
	Reason  string
}

func (e *InvalidAssociationError) Error() string {
	return fmt.Sprintf("invalid association game %d -> group %d: %s", e.GameID, e.GroupID, e.Reason)
}

// Is makes the error match ErrInvalidAssociation.
func (e *InvalidAssociationError) Is(target error) bool {
	return target == ErrInvalidAssociation
}
