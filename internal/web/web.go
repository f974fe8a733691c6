// Package web serves the Steam login and game selection pages.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yohcop/openid-go"

	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/expiring"
	"github.com/samcm/ts-companion/internal/steamgroups"
)

const (
	// SessionCookie holds the web session id.
	SessionCookie = "BotSession"

	steamOpenID    = "https://steamcommunity.com/openid"
	steamClaimedID = "https://steamcommunity.com/openid/id/"
)

// Config holds web server settings.
type Config struct {
	Listen      string
	ExternalURL string
	TokenTTL    time.Duration
	SessionTTL  time.Duration
	// Insecure drops the Secure flag from cookies for plain HTTP setups.
	Insecure bool
}

// Linker is the Steam group mapper surface the pages use.
type Linker interface {
	LinkAccount(ctx context.Context, uid, steamID string) (bool, error)
	SelectableGames(ctx context.Context, uid string) ([]steamgroups.Selectable, error)
	SelectGames(ctx context.Context, uid string, games []int) error
	Config() steamgroups.Config
}

// Verifier performs the OpenID handshake.
type Verifier interface {
	RedirectURL(provider, returnTo, realm string) (string, error)
	// Verify checks a callback URL and returns the claimed id.
	Verify(fullURL string) (string, error)
}

type openIDVerifier struct {
	discovery openid.DiscoveryCache
	nonces    openid.NonceStore
}

// NewOpenIDVerifier verifies against the real OpenID providers.
func NewOpenIDVerifier() Verifier {
	return &openIDVerifier{
		discovery: openid.NewSimpleDiscoveryCache(),
		nonces:    openid.NewSimpleNonceStore(),
	}
}

func (v *openIDVerifier) RedirectURL(provider, returnTo, realm string) (string, error) {
	return openid.RedirectURL(provider, returnTo, realm)
}

func (v *openIDVerifier) Verify(fullURL string) (string, error) {
	return openid.Verify(fullURL, v.discovery, v.nonces)
}

// Deps are the collaborators of the server.
type Deps struct {
	Store    expiring.Store
	Linker   Linker
	Verifier Verifier
	// Changed runs after an identity links an account or saves a selection.
	Changed func(uid string)
}

// Server is the web front end.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	store    expiring.Store
	linker   Linker
	verifier Verifier
	changed  func(uid string)
	router   chi.Router
	srv      *http.Server
}

// NewServer builds the router. Start must be called to listen.
func NewServer(log logrus.FieldLogger, cfg Config, deps Deps) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}

	cfg.ExternalURL = strings.TrimRight(cfg.ExternalURL, "/")

	if deps.Verifier == nil {
		deps.Verifier = NewOpenIDVerifier()
	}

	if deps.Changed == nil {
		deps.Changed = func(string) {}
	}

	s := &Server{
		log:      log.WithField("component", "web"),
		cfg:      cfg,
		store:    deps.Store,
		linker:   deps.Linker,
		verifier: deps.Verifier,
		changed:  deps.Changed,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/authenticate", s.handleAuthenticate)
	r.Get("/accept", s.handleAccept)
	r.Get("/select", s.handleSelectPage)
	r.Post("/select", s.handleSelectSave)

	s.router = r

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background.
func (s *Server) Start(_ context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		s.log.WithField("addr", s.cfg.Listen).Info("Web server listening")

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Web server failed")
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}

	s.log.Info("Web server stopped")

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	uid, ok, err := s.consumeToken(ctx, r.URL.Query().Get("token"))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "Something went wrong, please try again.", err)
		return
	}

	if !ok {
		s.renderMessage(w, http.StatusForbidden, "This link is invalid or has expired. Ask the bot for a new one.")
		return
	}

	if err := s.startSession(w, r, uid); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "Something went wrong, please try again.", err)
		return
	}

	target, err := s.verifier.RedirectURL(steamOpenID, s.cfg.ExternalURL+"/accept", s.cfg.ExternalURL+"/")
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "Steam is not reachable right now.", err)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	uid, ok := s.sessionUID(r)
	if !ok {
		s.renderMessage(w, http.StatusUnauthorized, "Your session has expired. Ask the bot for a new link.")
		return
	}

	claimed, err := s.verifier.Verify(s.cfg.ExternalURL + r.URL.RequestURI())
	if err != nil {
		s.fail(w, r, http.StatusForbidden, "The Steam login could not be verified.", err)
		return
	}

	steamID := strings.TrimPrefix(claimed, steamClaimedID)
	if steamID == claimed {
		s.fail(w, r, http.StatusForbidden, "The Steam login could not be verified.", fmt.Errorf("unexpected claimed id %q", claimed))
		return
	}

	changed, err := s.linker.LinkAccount(ctx, uid, steamID)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "Your Steam account could not be linked.", err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"uid":      uid,
		"steam_id": steamID,
		"changed":  changed,
	}).Info("Steam login accepted")

	if changed {
		s.changed(uid)
	}

	if !s.linker.Config().SelectionEnabled {
		s.renderMessage(w, http.StatusOK, "Your Steam account is linked. You can close this page.")
		return
	}

	http.Redirect(w, r, "/select", http.StatusFound)
}

func (s *Server) handleSelectPage(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.sessionUID(r)
	if !ok {
		s.renderMessage(w, http.StatusUnauthorized, "Your session has expired. Ask the bot for a new link.")
		return
	}

	s.renderSelection(w, r, uid, http.StatusOK, "")
}

func (s *Server) handleSelectSave(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.sessionUID(r)
	if !ok {
		s.renderMessage(w, http.StatusUnauthorized, "Your session has expired. Ask the bot for a new link.")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderSelection(w, r, uid, http.StatusBadRequest, "The form could not be read.")
		return
	}

	games := make([]int, 0, len(r.PostForm["game"]))

	for _, raw := range r.PostForm["game"] {
		id, err := strconv.Atoi(raw)
		if err != nil {
			s.renderSelection(w, r, uid, http.StatusBadRequest, fmt.Sprintf("%q is not a game.", raw))
			return
		}

		games = append(games, id)
	}

	if err := s.linker.SelectGames(r.Context(), uid, games); err != nil {
		var invalid *domain.InvalidAssociationError

		switch {
		case errors.Is(err, domain.ErrTooManyGames):
			s.renderSelection(w, r, uid, http.StatusBadRequest,
				fmt.Sprintf("You can select at most %d games.", s.linker.Config().MaxSelected))
		case errors.As(err, &invalid):
			s.renderSelection(w, r, uid, http.StatusBadRequest, "One of the selected games cannot be shown.")
		default:
			s.fail(w, r, http.StatusInternalServerError, "Your selection could not be saved.", err)
		}

		return
	}

	s.changed(uid)
	s.renderSelection(w, r, uid, http.StatusOK, "Saved. Your groups will update shortly.")
}

func (s *Server) renderSelection(w http.ResponseWriter, r *http.Request, uid string, status int, notice string) {
	games, err := s.linker.SelectableGames(r.Context(), uid)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotLinked):
			s.renderMessage(w, http.StatusForbidden, "No Steam account is linked to your identity.")
		case errors.Is(err, domain.ErrSteamUnavailable):
			s.fail(w, r, http.StatusBadGateway, "Steam is not reachable right now.", err)
		default:
			s.fail(w, r, http.StatusInternalServerError, "Your games could not be loaded.", err)
		}

		return
	}

	s.render(w, status, selectTemplate, selectPage{
		Games:  games,
		Max:    s.linker.Config().MaxSelected,
		Notice: notice,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	}).Warn("Request failed")

	s.renderMessage(w, status, msg)
}

// startSession binds uid to a fresh session cookie.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, uid string) error {
	id := uuid.NewString()

	if err := s.store.Set(r.Context(), sessionKey+id, uid, s.cfg.SessionTTL); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		Expires:  time.Now().Add(s.cfg.SessionTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !s.cfg.Insecure,
	})

	return nil
}

func (s *Server) sessionUID(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}

	if _, err := uuid.Parse(c.Value); err != nil {
		return "", false
	}

	uid, ok, err := s.store.Get(r.Context(), sessionKey+c.Value)
	if err != nil {
		s.log.WithError(err).Warn("Failed to read session")
		return "", false
	}

	return uid, ok
}
