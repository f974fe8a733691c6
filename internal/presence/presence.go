// Package presence reacts to clients joining, leaving and moving.
//
// It keeps the registry of live sessions, drives the time ledger's load and
// save lifecycle and reconciles tier and game groups when identities connect.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/expiring"
	"github.com/samcm/ts-companion/internal/markup"
	"github.com/samcm/ts-companion/internal/scheduler"
)

// Ledger is the lifecycle side of the time ledger.
type Ledger interface {
	Load(ctx context.Context, uid string) error
	Save(ctx context.Context, uid string, evict bool)
	SaveAll(ctx context.Context, evict bool)
}

// Tiers reconciles time tier groups.
type Tiers interface {
	Reconcile(ctx context.Context, uid string, current []int) (domain.Delta, error)
}

// Games reconciles Steam game groups.
type Games interface {
	Sync(ctx context.Context, uid string, current []int) (domain.Delta, error)
}

// Transport is the TeamSpeak side used by the reconciler.
type Transport interface {
	SendPrivateMessage(ctx context.Context, clientID int, msg string) error
	MoveClient(ctx context.Context, clientID, channelID int) error
	ServerGroupsOf(ctx context.Context, uid string) ([]int, error)
}

// Admins reports privileged identities.
type Admins interface {
	IsAdmin(uid string) bool
}

// LinkIssuer creates personal login links.
type LinkIssuer interface {
	LoginURL(ctx context.Context, uid string) (string, error)
}

// Config holds presence settings.
type Config struct {
	RejoinCooldown time.Duration
}

// flushKey is the worker lane used for whole-ledger flushes.
const flushKey = "ledger"

// Reconciler tracks live sessions and keeps memberships in line with them.
type Reconciler struct {
	log       logrus.FieldLogger
	cfg       Config
	ledger    Ledger
	tiers     Tiers
	games     Games
	transport Transport
	admins    Admins
	links     LinkIssuer
	cooldowns expiring.Store
	exec      scheduler.Executor

	mu           sync.Mutex
	sessions     map[int]*domain.Session
	counts       map[string]int
	loginChannel int
}

// Deps are the collaborators of a Reconciler. Games and Links are optional.
type Deps struct {
	Ledger    Ledger
	Tiers     Tiers
	Games     Games
	Transport Transport
	Admins    Admins
	Links     LinkIssuer
	Cooldowns expiring.Store
	Executor  scheduler.Executor
}

// NewReconciler creates a reconciler with an empty session registry.
func NewReconciler(log logrus.FieldLogger, cfg Config, deps Deps) *Reconciler {
	return &Reconciler{
		log:       log.WithField("component", "presence"),
		cfg:       cfg,
		ledger:    deps.Ledger,
		tiers:     deps.Tiers,
		games:     deps.Games,
		transport: deps.Transport,
		admins:    deps.Admins,
		links:     deps.Links,
		cooldowns: deps.Cooldowns,
		exec:      deps.Executor,
		sessions:  make(map[int]*domain.Session),
		counts:    make(map[string]int),
	}
}

// SetLoginChannel sets the channel that triggers a login link when entered.
func (r *Reconciler) SetLoginChannel(channelID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loginChannel = channelID
}

// LiveSessions returns the number of registered sessions for uid.
func (r *Reconciler) LiveSessions(uid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counts[uid]
}

// SessionsOf returns the registered sessions for uid.
func (r *Reconciler) SessionsOf(uid string) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Session

	for _, s := range r.sessions {
		if s.UID == uid {
			out = append(out, *s)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })

	return out
}

// Identities returns every identity with a live session.
func (r *Reconciler) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	uids := make([]string, 0, len(r.counts))
	for uid := range r.counts {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	return uids
}

// register adds sess to the registry and reports whether it is new. Caller holds mu.
func (r *Reconciler) register(sess domain.Session) bool {
	if _, ok := r.sessions[sess.ClientID]; ok {
		r.sessions[sess.ClientID] = &sess
		return false
	}

	if sess.JoinedAt.IsZero() {
		sess.JoinedAt = time.Now()
	}

	r.sessions[sess.ClientID] = &sess
	r.counts[sess.UID]++

	return true
}

// Connected registers a new session and reconciles its identity in the background.
func (r *Reconciler) Connected(ctx context.Context, sess domain.Session) {
	if sess.UID == "" {
		return
	}

	r.mu.Lock()
	isNew := r.register(sess)
	count := r.counts[sess.UID]
	r.mu.Unlock()

	if !isNew {
		return
	}

	r.log.WithFields(logrus.Fields{
		"uid":       sess.UID,
		"client_id": sess.ClientID,
		"sessions":  count,
	}).Debug("Client connected")

	uid, groups := sess.UID, sess.ServerGroups

	r.exec.Submit(uid, "presence.connect", func(ctx context.Context) error {
		if err := r.ledger.Load(ctx, uid); err != nil {
			return fmt.Errorf("failed to set up session for %s: %w", uid, err)
		}

		return r.reconcile(ctx, uid, groups, false)
	})
}

// reconcile applies tier and game groups to uid. Game groups are skipped while
// uid is cooling down from a recent reconcile unless force is set.
func (r *Reconciler) reconcile(ctx context.Context, uid string, current []int, force bool) error {
	var errs []error

	if _, err := r.tiers.Reconcile(ctx, uid, current); err != nil {
		errs = append(errs, err)
	}

	if err := r.syncGames(ctx, uid, current, force); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Reconciler) syncGames(ctx context.Context, uid string, current []int, force bool) error {
	if r.games == nil {
		return nil
	}

	log := r.log.WithField("uid", uid)

	if !force && !r.isAdmin(uid) && r.cfg.RejoinCooldown > 0 {
		fresh, err := r.cooldowns.SetNX(ctx, "cooldown:"+uid, "1", r.cfg.RejoinCooldown)
		if err != nil {
			log.WithError(err).Warn("Failed to check rejoin cooldown")
		} else if !fresh {
			log.Debug("Skipping game sync during rejoin cooldown")
			return nil
		}
	}

	_, err := r.games.Sync(ctx, uid, current)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotLinked):
		return nil
	case errors.Is(err, domain.ErrSteamUnavailable), errors.Is(err, domain.ErrSteamAuth):
		log.WithError(err).Warn("Skipping game sync, steam unavailable")
		return nil
	default:
		return fmt.Errorf("failed to sync game groups for %s: %w", uid, err)
	}
}

func (r *Reconciler) isAdmin(uid string) bool {
	return r.admins != nil && r.admins.IsAdmin(uid)
}

// Disconnected unregisters a session. The ledger entry is saved and kept while
// other sessions of the identity remain, and saved and evicted otherwise.
func (r *Reconciler) Disconnected(ctx context.Context, clientID int) {
	r.mu.Lock()

	sess, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		r.log.WithField("client_id", clientID).Debug("Disconnect for unknown session")

		return
	}

	delete(r.sessions, clientID)

	uid := sess.UID

	r.counts[uid]--
	remaining := r.counts[uid]

	if remaining <= 0 {
		delete(r.counts, uid)
	}

	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"uid":       uid,
		"client_id": clientID,
	})

	if remaining > 0 {
		log.WithField("sessions", remaining).Info("Soft save, identity still connected")

		r.exec.Submit(uid, "presence.soft-save", func(ctx context.Context) error {
			r.ledger.Save(ctx, uid, false)
			return nil
		})

		return
	}

	log.Debug("Client disconnected")

	r.exec.Submit(uid, "presence.save", func(ctx context.Context) error {
		r.ledger.Save(ctx, uid, true)
		return nil
	})
}

// Moved records a channel change. Entering the login channel sends the client
// its login link and moves it back where it came from.
func (r *Reconciler) Moved(ctx context.Context, clientID, channelID int) {
	r.mu.Lock()

	sess, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}

	previous := sess.ChannelID
	sess.ChannelID = channelID
	login := r.loginChannel
	uid, version := sess.UID, sess.Version

	r.mu.Unlock()

	if login == 0 || channelID != login || previous == login || r.links == nil {
		return
	}

	r.exec.Submit(uid, "presence.login-link", func(ctx context.Context) error {
		url, err := r.links.LoginURL(ctx, uid)
		if err != nil {
			return fmt.Errorf("failed to create login link for %s: %w", uid, err)
		}

		if err := r.transport.SendPrivateMessage(ctx, clientID, LoginMessage(markup.ForVersion(version), url)); err != nil {
			return fmt.Errorf("failed to send login link: %w", err)
		}

		if previous != 0 {
			if err := r.transport.MoveClient(ctx, clientID, previous); err != nil {
				return fmt.Errorf("failed to move client back: %w", err)
			}
		}

		r.mu.Lock()
		if s, ok := r.sessions[clientID]; ok && s.ChannelID == login {
			s.ChannelID = previous
		}
		r.mu.Unlock()

		r.log.WithField("uid", uid).Info("Sent login link")

		return nil
	})
}

// LoginMessage is the chat text carrying a login link.
func LoginMessage(d markup.Dialect, url string) string {
	return d.Bold("Steam") + ": " + d.Link("Link your Steam account and pick your games", url) +
		" " + d.Italic("(personal link, do not share)")
}

// Populate replaces the registry with sessions, loads every identity and
// reconciles it. It runs whenever the transport (re)connects.
func (r *Reconciler) Populate(ctx context.Context, sessions []domain.Session) {
	r.mu.Lock()
	r.sessions = make(map[int]*domain.Session, len(sessions))
	r.counts = make(map[string]int)

	first := make(map[string]domain.Session)

	for _, s := range sessions {
		if s.UID == "" {
			continue
		}

		r.register(s)

		if _, ok := first[s.UID]; !ok {
			first[s.UID] = s
		}
	}
	r.mu.Unlock()

	for uid, s := range first {
		uid, groups := uid, s.ServerGroups

		r.exec.Submit(uid, "presence.populate", func(ctx context.Context) error {
			if err := r.ledger.Load(ctx, uid); err != nil {
				return fmt.Errorf("failed to load %s: %w", uid, err)
			}

			return r.reconcile(ctx, uid, groups, false)
		})
	}

	r.log.WithFields(logrus.Fields{
		"sessions":   len(sessions),
		"identities": len(first),
	}).Info("Populated sessions")
}

// Reset drops every session and queues a flush of the ledger. It runs when the
// transport is lost.
func (r *Reconciler) Reset(_ context.Context) {
	r.mu.Lock()
	r.sessions = make(map[int]*domain.Session)
	r.counts = make(map[string]int)
	r.mu.Unlock()

	r.exec.Submit(flushKey, "presence.flush", func(ctx context.Context) error {
		r.ledger.SaveAll(ctx, true)
		return nil
	})

	r.log.Info("Reset sessions")
}

// ForceReconcile reads uid's current groups and reconciles tier and game groups
// without honouring the rejoin cooldown.
func (r *Reconciler) ForceReconcile(ctx context.Context, uid string) error {
	current, err := r.transport.ServerGroupsOf(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to read groups of %s: %w", uid, err)
	}

	return r.reconcile(ctx, uid, current, true)
}

// ReconcileAll queues a forced reconcile for every connected identity.
func (r *Reconciler) ReconcileAll(ctx context.Context) int {
	uids := r.Identities()

	for _, uid := range uids {
		uid := uid

		r.exec.Submit(uid, "presence.reconcile", func(ctx context.Context) error {
			return r.ForceReconcile(ctx, uid)
		})
	}

	return len(uids)
}
