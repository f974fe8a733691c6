// Package tiers grants server groups for accrued online time.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/scheduler"
)

// Store persists tiers.
type Store interface {
	ListTiers(ctx context.Context) ([]domain.Tier, error)
	InsertTier(ctx context.Context, tier domain.Tier) error
	DeleteTier(ctx context.Context, groupID int) error
}

// TimeSource reads accrued time.
type TimeSource interface {
	Get(ctx context.Context, uid string, allowDurableFallback bool) (time.Duration, error)
}

// Groups mutates and inspects server group membership.
type Groups interface {
	AddServerGroup(ctx context.Context, uid string, groupID int) error
	RemoveServerGroup(ctx context.Context, uid string, groupID int) error
	GroupMembers(ctx context.Context, groupID int) ([]string, error)
	Sessions(ctx context.Context) ([]domain.Session, error)
}

// Announcer is told about promotions.
type Announcer interface {
	Promoted(ctx context.Context, uid string, tier domain.Tier, accrued time.Duration)
}

// Config holds tier engine settings.
type Config struct {
	// BypassUID is never reconciled.
	BypassUID string
}

// Engine holds the ordered tier set and applies it to identities.
type Engine struct {
	log       logrus.FieldLogger
	cfg       Config
	store     Store
	times     TimeSource
	groups    Groups
	exec      scheduler.Executor
	announcer Announcer

	mu    sync.RWMutex
	tiers []domain.Tier
}

// NewEngine creates an engine with no tiers loaded.
func NewEngine(log logrus.FieldLogger, cfg Config, store Store, times TimeSource, groups Groups, exec scheduler.Executor) *Engine {
	return &Engine{
		log:    log.WithField("component", "tiers"),
		cfg:    cfg,
		store:  store,
		times:  times,
		groups: groups,
		exec:   exec,
	}
}

// SetAnnouncer installs an observer for promotions.
func (e *Engine) SetAnnouncer(a Announcer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.announcer = a
}

// Load replaces the in-memory tiers with the stored ones.
func (e *Engine) Load(ctx context.Context) error {
	tiers, err := e.store.ListTiers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tiers: %w", err)
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].RequiredTime < tiers[j].RequiredTime })

	e.mu.Lock()
	e.tiers = tiers
	e.mu.Unlock()

	e.log.WithField("tiers", len(tiers)).Info("Loaded time tiers")

	return nil
}

// List returns the tiers ordered by required time.
func (e *Engine) List() []domain.Tier {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return append([]domain.Tier(nil), e.tiers...)
}

// IsTierGroup reports whether groupID belongs to a tier.
func (e *Engine) IsTierGroup(groupID int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, t := range e.tiers {
		if t.GroupID == groupID {
			return true
		}
	}

	return false
}

// Resolve returns the tier with the greatest required time not above accrued.
func (e *Engine) Resolve(accrued time.Duration) (domain.Tier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return resolve(e.tiers, accrued)
}

func resolve(tiers []domain.Tier, accrued time.Duration) (domain.Tier, bool) {
	i := sort.Search(len(tiers), func(i int) bool { return tiers[i].RequiredTime > accrued })
	if i == 0 {
		return domain.Tier{}, false
	}

	return tiers[i-1], true
}

// Add creates a tier. With reconcileOnline set, connected identities that now
// qualify for it are reconciled straight away.
func (e *Engine) Add(ctx context.Context, groupID int, required time.Duration, reconcileOnline bool) error {
	if groupID <= 0 {
		return fmt.Errorf("invalid group id %d", groupID)
	}

	if required < 0 {
		return fmt.Errorf("required time must not be negative")
	}

	tier := domain.Tier{GroupID: groupID, RequiredTime: required}

	e.mu.Lock()

	for _, t := range e.tiers {
		if t.RequiredTime == required {
			e.mu.Unlock()
			return &domain.DuplicateTierError{RequiredTime: required, ExistingGroup: t.GroupID}
		}

		if t.GroupID == groupID {
			e.mu.Unlock()
			return fmt.Errorf("group %d: %w", groupID, domain.ErrTierExists)
		}
	}

	if err := e.store.InsertTier(ctx, tier); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to persist tier: %w", err)
	}

	i := sort.Search(len(e.tiers), func(i int) bool { return e.tiers[i].RequiredTime > required })
	e.tiers = append(e.tiers, domain.Tier{})
	copy(e.tiers[i+1:], e.tiers[i:])
	e.tiers[i] = tier

	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"group_id": groupID,
		"required": required,
	}).Info("Added time tier")

	if reconcileOnline {
		e.reconcileOnline(ctx, tier)
	}

	return nil
}

// reconcileOnline reconciles every connected identity whose time resolves to tier.
func (e *Engine) reconcileOnline(ctx context.Context, tier domain.Tier) {
	sessions, err := e.groups.Sessions(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Failed to list sessions for tier reconciliation")
		return
	}

	seen := make(map[string]struct{}, len(sessions))

	for _, sess := range sessions {
		if _, ok := seen[sess.UID]; ok {
			continue
		}

		seen[sess.UID] = struct{}{}

		accrued, err := e.times.Get(ctx, sess.UID, false)
		if err != nil {
			continue
		}

		if t, ok := e.Resolve(accrued); !ok || t.GroupID != tier.GroupID {
			continue
		}

		uid, groups := sess.UID, sess.ServerGroups

		e.exec.Submit(uid, "tiers.reconcile", func(ctx context.Context) error {
			_, err := e.Reconcile(ctx, uid, groups)
			return err
		})
	}
}

// Remove deletes the tier for groupID. With revoke set the group is also
// removed from every client holding it.
func (e *Engine) Remove(ctx context.Context, groupID int, revoke bool) error {
	e.mu.Lock()

	idx := -1

	for i, t := range e.tiers {
		if t.GroupID == groupID {
			idx = i
			break
		}
	}

	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("group %d: %w", groupID, domain.ErrTierNotFound)
	}

	if err := e.store.DeleteTier(ctx, groupID); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to delete tier: %w", err)
	}

	e.tiers = append(e.tiers[:idx], e.tiers[idx+1:]...)
	e.mu.Unlock()

	e.log.WithField("group_id", groupID).Info("Removed time tier")

	if !revoke {
		return nil
	}

	members, err := e.groups.GroupMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to list members of group %d: %w", groupID, err)
	}

	var errs []error

	for _, uid := range members {
		if err := e.groups.RemoveServerGroup(ctx, uid, groupID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", uid, err))
		}
	}

	e.log.WithFields(logrus.Fields{
		"group_id": groupID,
		"members":  len(members),
		"failed":   len(errs),
	}).Info("Revoked tier group")

	return errors.Join(errs...)
}

// Plan computes the changes that bring current in line with the tier for accrued.
func (e *Engine) Plan(accrued time.Duration, current []int) domain.Delta {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var delta domain.Delta

	correct, ok := resolve(e.tiers, accrued)
	if ok && !domain.HasGroup(current, correct.GroupID) {
		delta.Add = append(delta.Add, correct.GroupID)
	}

	for _, t := range e.tiers {
		if ok && t.GroupID == correct.GroupID {
			continue
		}

		if domain.HasGroup(current, t.GroupID) {
			delta.Remove = append(delta.Remove, t.GroupID)
		}
	}

	return delta
}

// Reconcile applies the tier for uid's accrued time given its current groups.
func (e *Engine) Reconcile(ctx context.Context, uid string, current []int) (domain.Delta, error) {
	if uid == e.cfg.BypassUID {
		return domain.Delta{}, nil
	}

	accrued, err := e.times.Get(ctx, uid, true)
	if err != nil {
		return domain.Delta{}, err
	}

	delta := e.Plan(accrued, current)
	if delta.Empty() {
		return delta, nil
	}

	log := e.log.WithField("uid", uid)

	var errs []error

	for _, g := range delta.Add {
		if err := e.groups.AddServerGroup(ctx, uid, g); err != nil {
			errs = append(errs, fmt.Errorf("failed to add group %d: %w", g, err))
		}
	}

	for _, g := range delta.Remove {
		if err := e.groups.RemoveServerGroup(ctx, uid, g); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove group %d: %w", g, err))
		}
	}

	log.WithFields(logrus.Fields{
		"accrued": accrued,
		"add":     delta.Add,
		"remove":  delta.Remove,
	}).Info("Reconciled time tier")

	return delta, errors.Join(errs...)
}

// TimeChanged promotes uid when its time crosses a tier threshold.
func (e *Engine) TimeChanged(uid string, before, after time.Duration) {
	if uid == e.cfg.BypassUID || after <= before {
		return
	}

	e.mu.RLock()
	crossed, ok := resolve(e.tiers, after)
	previous, hadPrevious := resolve(e.tiers, before)
	announcer := e.announcer
	e.mu.RUnlock()

	if !ok || crossed.RequiredTime <= before {
		return
	}

	e.exec.Submit(uid, "tiers.promote", func(ctx context.Context) error {
		if err := e.groups.AddServerGroup(ctx, uid, crossed.GroupID); err != nil {
			return fmt.Errorf("failed to add group %d to %s: %w", crossed.GroupID, uid, err)
		}

		if hadPrevious && previous.GroupID != crossed.GroupID {
			if err := e.groups.RemoveServerGroup(ctx, uid, previous.GroupID); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"uid":      uid,
					"group_id": previous.GroupID,
				}).Debug("Previous tier group was not removed")
			}
		}

		e.log.WithFields(logrus.Fields{
			"uid":      uid,
			"group_id": crossed.GroupID,
			"accrued":  after,
		}).Info("Promoted to time tier")

		if announcer != nil {
			announcer.Promoted(ctx, uid, crossed, after)
		}

		return nil
	})
}
