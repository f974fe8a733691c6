// Package ledger tracks accrued online time per identity.
//
// Entries are cached while an identity has live sessions and written back to
// the durable store periodically and when the last session ends. Operations on
// a single identity are linearized; listeners observe every change in the order
// it was applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/samcm/ts-companion/internal/domain"
)

// Store is the durable side of the ledger.
type Store interface {
	GetTime(ctx context.Context, uid string) (time.Duration, bool, error)
	CreateUser(ctx context.Context, uid string) error
	SaveTime(ctx context.Context, uid string, d time.Duration) error
	SaveTimes(ctx context.Context, times map[string]time.Duration) error
}

// SessionCounter reports how many live sessions reference an identity.
type SessionCounter interface {
	LiveSessions(uid string) int
}

// Listener observes every change to an identity's accrued time.
//
// Listeners run synchronously inside Add and must not call Add for the same identity.
type Listener interface {
	TimeChanged(uid string, before, after time.Duration)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(uid string, before, after time.Duration)

// TimeChanged calls f.
func (f ListenerFunc) TimeChanged(uid string, before, after time.Duration) {
	f(uid, before, after)
}

type noSessions struct{}

func (noSessions) LiveSessions(string) int { return 0 }

type entry struct {
	// op serializes add+notify and save+evict for this identity.
	op sync.Mutex
	// mu guards value and evicted.
	mu      sync.Mutex
	value   time.Duration
	evicted bool
}

func (e *entry) get() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.value
}

// ErrNegative is returned for negative deltas or times.
var ErrNegative = errors.New("negative duration")

// Ledger is the in-memory cache of accrued time.
type Ledger struct {
	log      logrus.FieldLogger
	store    Store
	sessions SessionCounter

	mu      sync.Mutex
	entries map[string]*entry
	loads   singleflight.Group

	// writeMu is held from reading a value until it is durable, so store
	// writes land in the order their values were read. Lock order is
	// entry.op, writeMu, entry.mu, mu.
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an empty ledger backed by store.
func New(log logrus.FieldLogger, store Store) *Ledger {
	return &Ledger{
		log:      log.WithField("component", "ledger"),
		store:    store,
		sessions: noSessions{},
		entries:  make(map[string]*entry),
	}
}

// SetSessionCounter installs the registry consulted before evicting an entry.
func (l *Ledger) SetSessionCounter(sc SessionCounter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessions = sc
}

// AddListener registers an observer of time changes.
func (l *Ledger) AddListener(listener Listener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	l.listeners = append(l.listeners, listener)
}

func (l *Ledger) liveSessions(uid string) int {
	l.mu.Lock()
	sc := l.sessions
	l.mu.Unlock()

	return sc.LiveSessions(uid)
}

func (l *Ledger) cached(uid string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.entries[uid]
}

// Load makes sure uid is cached, creating a zero record in the store if needed.
// Loading an identity that is already cached does nothing.
func (l *Ledger) Load(ctx context.Context, uid string) error {
	_, err := l.entry(ctx, uid)

	return err
}

func (l *Ledger) entry(ctx context.Context, uid string) (*entry, error) {
	if e := l.cached(uid); e != nil {
		return e, nil
	}

	v, err, _ := l.loads.Do(uid, func() (interface{}, error) {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()

		if e := l.cached(uid); e != nil {
			return e, nil
		}

		d, found, err := l.store.GetTime(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("failed to load time for %s: %w", uid, err)
		}

		if !found {
			if err := l.store.CreateUser(ctx, uid); err != nil {
				return nil, fmt.Errorf("failed to create record for %s: %w", uid, err)
			}

			l.log.WithField("uid", uid).Debug("Created time record")
		}

		l.mu.Lock()
		defer l.mu.Unlock()

		if existing := l.entries[uid]; existing != nil {
			return existing, nil
		}

		e := &entry{value: d}
		l.entries[uid] = e

		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*entry), nil
}

// Get returns the cached time for uid. When uid is not cached it returns zero,
// or reads the store without caching if allowDurableFallback is set.
func (l *Ledger) Get(ctx context.Context, uid string, allowDurableFallback bool) (time.Duration, error) {
	if e := l.cached(uid); e != nil {
		return e.get(), nil
	}

	if !allowDurableFallback {
		return 0, nil
	}

	d, _, err := l.store.GetTime(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("failed to read time for %s: %w", uid, err)
	}

	return d, nil
}

// Add credits delta to uid, loading it first if needed, and notifies listeners
// before returning.
func (l *Ledger) Add(ctx context.Context, uid string, delta time.Duration) error {
	if delta < 0 {
		return fmt.Errorf("%w: delta %s for %s", ErrNegative, delta, uid)
	}

	for {
		e, err := l.entry(ctx, uid)
		if err != nil {
			return err
		}

		e.op.Lock()

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			e.op.Unlock()

			continue
		}

		before := e.value
		e.value += delta
		after := e.value
		e.mu.Unlock()

		l.notify(uid, before, after)
		e.op.Unlock()

		return nil
	}
}

func (l *Ledger) notify(uid string, before, after time.Duration) {
	l.listenersMu.RLock()
	listeners := l.listeners
	l.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener.TimeChanged(uid, before, after)
	}
}

// Set overwrites the time for uid without notifying listeners. Callers must
// reconcile memberships afterwards since time may have moved backwards.
func (l *Ledger) Set(ctx context.Context, uid string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: time %s for %s", ErrNegative, d, uid)
	}

	for {
		e := l.cached(uid)
		if e != nil {
			return l.setCached(ctx, uid, e, d)
		}

		l.writeMu.Lock()

		// A load may have finished while we waited.
		if l.cached(uid) != nil {
			l.writeMu.Unlock()
			continue
		}

		err := l.store.SaveTime(ctx, uid, d)
		l.writeMu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to set time for %s: %w", uid, err)
		}

		return nil
	}
}

func (l *Ledger) setCached(ctx context.Context, uid string, e *entry, d time.Duration) error {
	e.op.Lock()
	defer e.op.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	e.mu.Lock()
	e.value = d
	e.mu.Unlock()

	if err := l.store.SaveTime(ctx, uid, d); err != nil {
		return fmt.Errorf("failed to set time for %s: %w", uid, err)
	}

	return nil
}

// Save flushes uid to the store. With evict set the entry is dropped from the
// cache, unless another live session still references the identity.
// Store failures are logged and leave the cached value authoritative.
func (l *Ledger) Save(ctx context.Context, uid string, evict bool) {
	log := l.log.WithField("uid", uid)

	e := l.cached(uid)
	if e == nil {
		log.Debug("Save skipped, identity not cached")
		return
	}

	e.op.Lock()
	defer e.op.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	e.mu.Lock()
	value, evicted := e.value, e.evicted
	e.mu.Unlock()

	if evicted {
		if evict {
			l.invariantViolation(uid, e, "Entry evicted twice")
		} else {
			log.Debug("Save skipped, entry already flushed and evicted")
		}

		return
	}

	if err := l.store.SaveTime(ctx, uid, value); err != nil {
		log.WithError(err).Warn("Failed to save time, keeping cached value")
		return
	}

	if !evict {
		return
	}

	if n := l.liveSessions(uid); n > 0 {
		log.WithField("sessions", n).Debug("Eviction skipped, identity still has live sessions")
		return
	}

	l.evict(uid, e)
	log.WithField("time", value).Debug("Saved and evicted")
}

// evict removes e from the cache. The caller holds e.op.
func (l *Ledger) evict(uid string, e *entry) {
	e.mu.Lock()
	e.evicted = true
	e.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries[uid] == e {
		delete(l.entries, uid)
	}
}

// invariantViolation logs a should-not-happen state and drops the entry so the
// next access re-reads the store.
func (l *Ledger) invariantViolation(uid string, e *entry, msg string) {
	l.log.WithError(domain.ErrConcurrencyInvariant).WithField("uid", uid).Error(msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries[uid] == e {
		delete(l.entries, uid)
	}
}

// SaveAll flushes every cached entry in one batch.
//
// Without evict it takes a snapshot, so concurrent adds are never blocked, and
// afterwards drops entries that have no live session and did not change since
// the snapshot. Sets and saves that arrive during the flush wait for it and
// are written after it. With evict every entry is held for the duration of the flush
// and dropped afterwards.
func (l *Ledger) SaveAll(ctx context.Context, evict bool) {
	if evict {
		l.saveAllEvict(ctx)
		return
	}

	times, snapshot, err := l.flushSnapshot(ctx)
	if err != nil {
		l.log.WithError(err).WithField("entries", len(times)).Warn("Failed to flush ledger, keeping cached values")
		return
	}

	if len(times) == 0 {
		return
	}

	l.log.WithField("entries", len(times)).Debug("Flushed ledger")

	for uid, e := range snapshot {
		if l.liveSessions(uid) > 0 {
			continue
		}

		e.op.Lock()
		e.mu.Lock()
		unchanged := !e.evicted && e.value == times[uid]
		e.mu.Unlock()

		if unchanged && l.liveSessions(uid) == 0 {
			l.evict(uid, e)
			l.log.WithField("uid", uid).Debug("Evicted entry without live sessions")
		}

		e.op.Unlock()
	}
}

// flushSnapshot reads every live entry and writes the values in one batch.
func (l *Ledger) flushSnapshot(ctx context.Context) (map[string]time.Duration, map[string]*entry, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	snapshot := make(map[string]*entry, len(l.entries))
	for uid, e := range l.entries {
		snapshot[uid] = e
	}
	l.mu.Unlock()

	times := make(map[string]time.Duration, len(snapshot))

	for uid, e := range snapshot {
		e.mu.Lock()
		if e.evicted {
			delete(snapshot, uid)
		} else {
			times[uid] = e.value
		}
		e.mu.Unlock()
	}

	if len(times) == 0 {
		return times, snapshot, nil
	}

	return times, snapshot, l.store.SaveTimes(ctx, times)
}

func (l *Ledger) saveAllEvict(ctx context.Context) {
	l.mu.Lock()
	uids := make([]string, 0, len(l.entries))
	held := make(map[string]*entry, len(l.entries))

	for uid, e := range l.entries {
		uids = append(uids, uid)
		held[uid] = e
	}
	l.mu.Unlock()

	sort.Strings(uids)

	times := make(map[string]time.Duration, len(uids))

	for _, uid := range uids {
		e := held[uid]
		e.op.Lock()

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			e.op.Unlock()
			delete(held, uid)

			continue
		}

		times[uid] = e.value
		e.mu.Unlock()
	}

	defer func() {
		for _, e := range held {
			e.op.Unlock()
		}
	}()

	if len(times) == 0 {
		return
	}

	l.writeMu.Lock()
	err := l.store.SaveTimes(ctx, times)
	l.writeMu.Unlock()

	if err != nil {
		l.log.WithError(err).WithField("entries", len(times)).Warn("Failed to flush ledger, keeping cached values")
		return
	}

	for uid, e := range held {
		l.evict(uid, e)
	}

	l.log.WithField("entries", len(times)).Info("Flushed and evicted ledger")
}

// Cached returns the identities currently held in memory.
func (l *Ledger) Cached() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	uids := make([]string, 0, len(l.entries))
	for uid := range l.entries {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	return uids
}

// IsCached reports whether uid is held in memory.
func (l *Ledger) IsCached(uid string) bool {
	return l.cached(uid) != nil
}
