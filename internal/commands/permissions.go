package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PermissionStore persists the admin flag.
type PermissionStore interface {
	Admins(ctx context.Context) ([]string, error)
	SetAdmin(ctx context.Context, uid string, admin bool) error
}

// Permissions is the in-memory admin set, loaded once and written through.
type Permissions struct {
	store PermissionStore

	mu     sync.RWMutex
	admins map[string]struct{}
}

// NewPermissions creates an empty admin set.
func NewPermissions(store PermissionStore) *Permissions {
	return &Permissions{
		store:  store,
		admins: make(map[string]struct{}),
	}
}

// Load replaces the admin set with the stored one.
func (p *Permissions) Load(ctx context.Context) error {
	uids, err := p.store.Admins(ctx)
	if err != nil {
		return fmt.Errorf("failed to load admins: %w", err)
	}

	admins := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		admins[uid] = struct{}{}
	}

	p.mu.Lock()
	p.admins = admins
	p.mu.Unlock()

	return nil
}

// IsAdmin reports whether uid may run commands.
func (p *Permissions) IsAdmin(uid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.admins[uid]

	return ok
}

// Grant makes uid an admin. It reports false when uid already was one.
func (p *Permissions) Grant(ctx context.Context, uid string) (bool, error) {
	if p.IsAdmin(uid) {
		return false, nil
	}

	if err := p.store.SetAdmin(ctx, uid, true); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.admins[uid] = struct{}{}
	p.mu.Unlock()

	return true, nil
}

// Revoke removes uid from the admins. It reports false when uid was not one.
func (p *Permissions) Revoke(ctx context.Context, uid string) (bool, error) {
	if !p.IsAdmin(uid) {
		return false, nil
	}

	if err := p.store.SetAdmin(ctx, uid, false); err != nil {
		return false, err
	}

	p.mu.Lock()
	delete(p.admins, uid)
	p.mu.Unlock()

	return true, nil
}

// List returns the admins in sorted order.
func (p *Permissions) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	uids := make([]string, 0, len(p.admins))
	for uid := range p.admins {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	return uids
}
