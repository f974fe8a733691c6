package teamspeak

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ts3 "github.com/multiplay/go-ts3"
	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
)

const (
	eventBuffer   = 256
	pingInterval  = time.Minute
	reconnectMax  = 2 * time.Minute
	emptyResultID = "empty result set"
)

// ErrNotConnected is returned while the query connection is down.
var ErrNotConnected = errors.New("not connected to TeamSpeak server")

// Config holds TeamSpeak connection settings.
type Config struct {
	Host         string
	QueryPort    int
	Username     string
	Password     string
	ServerID     int
	Nickname     string
	LoginChannel string
}

// Group is a server group.
type Group struct {
	ID   int
	Name string
}

// Service defines the TeamSpeak service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
	Sessions(ctx context.Context) ([]domain.Session, error)
	LoginChannel() int
	AddServerGroup(ctx context.Context, uid string, groupID int) error
	RemoveServerGroup(ctx context.Context, uid string, groupID int) error
	ServerGroupsOf(ctx context.Context, uid string) ([]int, error)
	GroupMembers(ctx context.Context, groupID int) ([]string, error)
	ServerGroups(ctx context.Context) ([]Group, error)
	SendPrivateMessage(ctx context.Context, clientID int, msg string) error
	MoveClient(ctx context.Context, clientID, channelID int) error
}

type service struct {
	log    logrus.FieldLogger
	cfg    Config
	client *ts3.Client
	mu     sync.Mutex

	dbids   map[string]int
	dbidsMu sync.RWMutex

	loginChannel int
	self         int
	events       chan Event
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewService creates a new TeamSpeak service.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	return &service{
		log:    log.WithField("component", "teamspeak"),
		cfg:    cfg,
		dbids:  make(map[string]int),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Start connects to the TeamSpeak server and begins watching for events.
func (s *service) Start(ctx context.Context) error {
	notifications, err := s.connect()
	if err != nil {
		return err
	}

	s.wg.Add(1)

	go s.watch(ctx, notifications)

	return nil
}

// connect dials, authenticates and subscribes to notifications.
func (s *service) connect() (<-chan ts3.Notification, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.QueryPort)
	s.log.WithField("address", addr).Info("Connecting to TeamSpeak server")

	client, err := ts3.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TeamSpeak: %w", err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := client.Use(s.cfg.ServerID); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to select virtual server %d: %w", s.cfg.ServerID, err)
	}

	if s.cfg.Nickname != "" {
		cmd := ts3.NewCmd("clientupdate").WithArgs(ts3.NewArg("client_nickname", s.cfg.Nickname))
		if _, err := client.ExecCmd(cmd); err != nil {
			s.log.WithError(err).Warn("Failed to set query nickname")
		}
	}

	for _, event := range []string{"server", "textprivate"} {
		cmd := ts3.NewCmd("servernotifyregister").WithArgs(ts3.NewArg("event", event))
		if _, err := client.ExecCmd(cmd); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to register for %s events: %w", event, err)
		}
	}

	cmd := ts3.NewCmd("servernotifyregister").WithArgs(ts3.NewArg("event", "channel"), ts3.NewArg("id", 0))
	if _, err := client.ExecCmd(cmd); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register for channel events: %w", err)
	}

	var me struct {
		ClientID int `ms:"client_id"`
	}

	if _, err := client.ExecCmd(ts3.NewCmd("whoami").WithResponse(&me)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to resolve query client id: %w", err)
	}

	loginChannel := 0

	if s.cfg.LoginChannel != "" {
		channels, err := client.Server.ChannelList()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get channel list: %w", err)
		}

		for _, ch := range channels {
			if strings.EqualFold(ch.ChannelName, s.cfg.LoginChannel) {
				loginChannel = ch.ID
				break
			}
		}

		if loginChannel == 0 {
			s.log.WithField("channel", s.cfg.LoginChannel).Warn("Login channel not found")
		}
	}

	s.mu.Lock()
	s.client = client
	s.loginChannel = loginChannel
	s.self = me.ClientID
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"login_channel": loginChannel,
		"client_id":     me.ClientID,
	}).Info("Connected to TeamSpeak server")

	return client.Notifications(), nil
}

func (s *service) queryClientID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.self
}

// Stop disconnects from the TeamSpeak server.
func (s *service) Stop() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	s.closeClient()
	s.wg.Wait()

	return nil
}

func (s *service) closeClient() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.log.Info("Disconnected from TeamSpeak server")
	}
}

// Events returns the stream of server events.
func (s *service) Events() <-chan Event {
	return s.events
}

// LoginChannel returns the resolved login channel id, or 0.
func (s *service) LoginChannel() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loginChannel
}

// watch forwards notifications and reconnects when the connection drops.
func (s *service) watch(ctx context.Context, notifications <-chan ts3.Notification) {
	defer s.wg.Done()

	for {
		s.forward(ctx, notifications)

		if s.stopping(ctx) {
			return
		}

		s.log.Warn("Lost connection to TeamSpeak server")
		s.closeClient()
		s.emit(ctx, Event{Type: EventDisconnected})

		next, err := s.reconnect(ctx)
		if err != nil {
			return
		}

		notifications = next

		sessions, err := s.Sessions(ctx)
		if err != nil {
			s.log.WithError(err).Warn("Failed to list sessions after reconnect")
		}

		s.emit(ctx, Event{Type: EventConnected, Sessions: sessions})
	}
}

// forward returns once the notification stream ends or a ping fails.
func (s *service) forward(ctx context.Context, notifications <-chan ts3.Notification) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.log.WithError(err).Warn("TeamSpeak keepalive failed")
				return
			}
		case n, ok := <-notifications:
			if !ok {
				return
			}

			event, ok := parseEvent(n.Type, n.Data, s.queryClientID())
			if !ok {
				continue
			}

			if event.Type == EventJoin {
				s.remember(event.Session.UID, event.Session.DatabaseID)
			}

			s.emit(ctx, event)
		}
	}
}

func (s *service) reconnect(ctx context.Context) (<-chan ts3.Notification, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = reconnectMax
	b.MaxElapsedTime = 0

	var notifications <-chan ts3.Notification

	op := func() error {
		if s.stopping(ctx) {
			return backoff.Permanent(ErrNotConnected)
		}

		n, err := s.connect()
		if err != nil {
			return err
		}

		notifications = n

		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.log.WithError(err).WithField("retry_in", wait).Warn("Reconnect to TeamSpeak failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	return notifications, nil
}

func (s *service) stopping(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *service) emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *service) ping() error {
	return s.exec(ts3.NewCmd("whoami"))
}

func (s *service) exec(cmd *ts3.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNotConnected
	}

	_, err := s.client.ExecCmd(cmd)

	return err
}

// Sessions lists every connected non-query client.
func (s *service) Sessions(ctx context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, ErrNotConnected
	}

	clients, err := s.client.Server.ClientList(ts3.ClientUID, ts3.ClientTimes, ts3.ClientGroups, ts3.ClientInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	sessions := make([]domain.Session, 0, len(clients))

	for _, cl := range clients {
		// Skip ServerQuery clients
		if cl.Type == 1 || cl.OnlineClientExt == nil || cl.UniqueIdentifier == nil {
			continue
		}

		sess := domain.Session{
			ClientID:   cl.ID,
			UID:        *cl.UniqueIdentifier,
			DatabaseID: cl.DatabaseID,
			Nickname:   cl.Nickname,
			ChannelID:  cl.ChannelID,
		}

		if cl.OnlineClientTimes != nil && cl.IdleTime != nil {
			sess.IdleTime = time.Duration(*cl.IdleTime) * time.Millisecond
		}

		if cl.OnlineClientGroups != nil && cl.ServerGroups != nil {
			sess.ServerGroups = append([]int(nil), *cl.ServerGroups...)
		}

		if cl.OnlineClientInfo != nil {
			if cl.Version != nil {
				sess.Version = *cl.Version
			}

			if cl.Platform != nil {
				sess.Platform = *cl.Platform
			}
		}

		s.remember(sess.UID, sess.DatabaseID)
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

func (s *service) remember(uid string, dbid int) {
	if uid == "" || dbid == 0 {
		return
	}

	s.dbidsMu.Lock()
	s.dbids[uid] = dbid
	s.dbidsMu.Unlock()
}

// databaseID resolves a uid to its client database id, caching the result.
func (s *service) databaseID(uid string) (int, error) {
	s.dbidsMu.RLock()
	dbid, ok := s.dbids[uid]
	s.dbidsMu.RUnlock()

	if ok {
		return dbid, nil
	}

	var resp struct {
		DatabaseID int `ms:"cldbid"`
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return 0, ErrNotConnected
	}

	cmd := ts3.NewCmd("clientgetdbidfromuid").WithArgs(ts3.NewArg("cluid", uid)).WithResponse(&resp)
	if _, err := client.ExecCmd(cmd); err != nil {
		return 0, fmt.Errorf("failed to resolve database id for %s: %w", uid, err)
	}

	s.remember(uid, resp.DatabaseID)

	return resp.DatabaseID, nil
}

// AddServerGroup adds the identity to a server group.
func (s *service) AddServerGroup(_ context.Context, uid string, groupID int) error {
	dbid, err := s.databaseID(uid)
	if err != nil {
		return err
	}

	cmd := ts3.NewCmd("servergroupaddclient").WithArgs(ts3.NewArg("sgid", groupID), ts3.NewArg("cldbid", dbid))
	if err := s.exec(cmd); err != nil {
		return fmt.Errorf("failed to add %s to group %d: %w", uid, groupID, err)
	}

	s.log.WithFields(logrus.Fields{"uid": uid, "group": groupID}).Debug("Added server group")

	return nil
}

// RemoveServerGroup removes the identity from a server group.
func (s *service) RemoveServerGroup(_ context.Context, uid string, groupID int) error {
	dbid, err := s.databaseID(uid)
	if err != nil {
		return err
	}

	cmd := ts3.NewCmd("servergroupdelclient").WithArgs(ts3.NewArg("sgid", groupID), ts3.NewArg("cldbid", dbid))
	if err := s.exec(cmd); err != nil {
		return fmt.Errorf("failed to remove %s from group %d: %w", uid, groupID, err)
	}

	s.log.WithFields(logrus.Fields{"uid": uid, "group": groupID}).Debug("Removed server group")

	return nil
}

// ServerGroupsOf returns the server groups the identity currently holds.
func (s *service) ServerGroupsOf(_ context.Context, uid string) ([]int, error) {
	dbid, err := s.databaseID(uid)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		GroupID int `ms:"sgid"`
	}

	cmd := ts3.NewCmd("servergroupsbyclientid").WithArgs(ts3.NewArg("cldbid", dbid)).WithResponse(&resp)
	if err := s.exec(cmd); err != nil {
		if isEmptyResult(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get groups of %s: %w", uid, err)
	}

	groups := make([]int, 0, len(resp))
	for _, g := range resp {
		groups = append(groups, g.GroupID)
	}

	return groups, nil
}

// GroupMembers returns the uids of every member of a server group.
func (s *service) GroupMembers(_ context.Context, groupID int) ([]string, error) {
	var resp []struct {
		DatabaseID int    `ms:"cldbid"`
		UID        string `ms:"client_unique_identifier"`
	}

	cmd := ts3.NewCmd("servergroupclientlist").
		WithArgs(ts3.NewArg("sgid", groupID)).
		WithOptions("-names").
		WithResponse(&resp)
	if err := s.exec(cmd); err != nil {
		if isEmptyResult(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list members of group %d: %w", groupID, err)
	}

	uids := make([]string, 0, len(resp))

	for _, m := range resp {
		if m.UID == "" {
			continue
		}

		s.remember(m.UID, m.DatabaseID)
		uids = append(uids, m.UID)
	}

	return uids, nil
}

// ServerGroups lists the regular server groups.
func (s *service) ServerGroups(_ context.Context) ([]Group, error) {
	var resp []struct {
		ID   int    `ms:"sgid"`
		Name string `ms:"name"`
		Type int    `ms:"type"`
	}

	if err := s.exec(ts3.NewCmd("servergrouplist").WithResponse(&resp)); err != nil {
		return nil, fmt.Errorf("failed to list server groups: %w", err)
	}

	groups := make([]Group, 0, len(resp))

	for _, g := range resp {
		if g.Type != 1 {
			continue
		}

		groups = append(groups, Group{ID: g.ID, Name: g.Name})
	}

	return groups, nil
}

// SendPrivateMessage sends a text message to a single client.
func (s *service) SendPrivateMessage(_ context.Context, clientID int, msg string) error {
	cmd := ts3.NewCmd("sendtextmessage").WithArgs(
		ts3.NewArg("targetmode", 1),
		ts3.NewArg("target", clientID),
		ts3.NewArg("msg", msg),
	)
	if err := s.exec(cmd); err != nil {
		return fmt.Errorf("failed to message client %d: %w", clientID, err)
	}

	return nil
}

// MoveClient moves a client into a channel.
func (s *service) MoveClient(_ context.Context, clientID, channelID int) error {
	cmd := ts3.NewCmd("clientmove").WithArgs(ts3.NewArg("clid", clientID), ts3.NewArg("cid", channelID))
	if err := s.exec(cmd); err != nil {
		return fmt.Errorf("failed to move client %d to channel %d: %w", clientID, channelID, err)
	}

	return nil
}

func isEmptyResult(err error) bool {
	return err != nil && strings.Contains(err.Error(), emptyResultID)
}
