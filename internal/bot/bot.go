// Package bot wires the companion's services together and runs the event loop.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/activity"
	"github.com/samcm/ts-companion/internal/commands"
	"github.com/samcm/ts-companion/internal/config"
	"github.com/samcm/ts-companion/internal/discord"
	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/errsink"
	"github.com/samcm/ts-companion/internal/expiring"
	"github.com/samcm/ts-companion/internal/ledger"
	"github.com/samcm/ts-companion/internal/markup"
	"github.com/samcm/ts-companion/internal/presence"
	"github.com/samcm/ts-companion/internal/scheduler"
	"github.com/samcm/ts-companion/internal/steam"
	"github.com/samcm/ts-companion/internal/steamgroups"
	"github.com/samcm/ts-companion/internal/store"
	"github.com/samcm/ts-companion/internal/teamspeak"
	"github.com/samcm/ts-companion/internal/tiers"
	"github.com/samcm/ts-companion/internal/web"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
)

// Service defines the bot service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

// Bot owns every component and their lifecycles.
type Bot struct {
	log logrus.FieldLogger
	cfg *config.Config

	sink      errsink.Sink
	store     store.Store
	ephemeral expiring.Store
	redis     *expiring.Redis
	memory    *expiring.Memory
	ts        teamspeak.Service
	steam     *steam.Client

	ledger    *ledger.Ledger
	tiers     *tiers.Engine
	games     *steamgroups.Mapper
	perms     *commands.Permissions
	registry  *commands.Registry
	presence  *presence.Reconciler
	sampler   *activity.Sampler
	workers   *scheduler.Workers
	scheduler *scheduler.Scheduler
	web       *web.Server
	discord   discord.Service

	cancelWorkers context.CancelFunc
	done          chan struct{}
	wg            sync.WaitGroup
}

// New creates a bot for cfg. Nothing is connected until Start.
func New(log logrus.FieldLogger, cfg *config.Config) *Bot {
	return &Bot{
		log:  log.WithField("component", "bot"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the store, connects to TeamSpeak and begins processing events.
func (b *Bot) Start(ctx context.Context) error {
	sink, err := errsink.New(b.log, errsink.Config{
		SentryDSN:   b.cfg.Sentry.DSN,
		Environment: b.cfg.Sentry.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to create error sink: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		Driver: b.cfg.Database.Driver,
		Path:   b.cfg.Database.Path,
		DSN:    b.cfg.Database.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	ephemeral, err := b.openEphemeral(ctx)
	if err != nil {
		st.Close()
		return err
	}

	ts := teamspeak.NewService(b.log, teamspeak.Config{
		Host:         b.cfg.TeamSpeak.Host,
		QueryPort:    b.cfg.TeamSpeak.QueryPort,
		Username:     b.cfg.TeamSpeak.Username,
		Password:     b.cfg.TeamSpeak.Password,
		ServerID:     b.cfg.TeamSpeak.ServerID,
		Nickname:     b.cfg.TeamSpeak.Nickname,
		LoginChannel: b.cfg.TeamSpeak.LoginChannel,
	})

	if err := b.assemble(ctx, sink, st, ephemeral, ts); err != nil {
		b.abort()
		return err
	}

	if err := ts.Start(ctx); err != nil {
		b.abort()
		return fmt.Errorf("failed to start TeamSpeak service: %w", err)
	}

	sessions, err := ts.Sessions(ctx)
	if err != nil {
		b.log.WithError(err).Warn("Failed to list initial sessions")
	}

	b.run(ctx, sessions)

	if b.web != nil {
		if err := b.web.Start(ctx); err != nil {
			b.log.WithError(err).Warn("Failed to start web server")
		}
	}

	if b.cfg.Discord.Enabled {
		b.discord = discord.NewService(b.log, discord.Config{
			Token:     b.cfg.Discord.Token,
			ChannelID: b.cfg.Discord.ChannelID,
		}, nicknames{b.presence})

		if err := b.discord.Start(ctx); err != nil {
			b.log.WithError(err).Warn("Failed to start Discord announcer")
			b.discord = nil
		} else {
			b.tiers.SetAnnouncer(b.discord)
		}
	}

	b.log.WithFields(logrus.Fields{
		"sessions":        len(sessions),
		"sample_interval": b.cfg.Tracking.SampleInterval,
		"games":           b.games != nil,
		"web":             b.web != nil,
	}).Info("Bot started")

	return nil
}

func (b *Bot) openEphemeral(ctx context.Context) (expiring.Store, error) {
	if !b.cfg.Redis.Enabled {
		b.memory = expiring.NewMemory()
		return b.memory, nil
	}

	r, err := expiring.NewRedis(ctx, expiring.RedisConfig{
		Addr:     b.cfg.Redis.Addr,
		Password: b.cfg.Redis.Password,
		DB:       b.cfg.Redis.DB,
		Prefix:   b.cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b.redis = r

	return r, nil
}

// assemble builds every component around an already constructed transport.
func (b *Bot) assemble(ctx context.Context, sink errsink.Sink, st store.Store, ephemeral expiring.Store, ts teamspeak.Service) error {
	b.sink = sink
	b.store = st
	b.ephemeral = ephemeral
	b.ts = ts

	// Lanes are cancelled by Stop after the final flush, not by ctx.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelWorkers = cancel
	b.workers = scheduler.NewWorkers(workerCtx, b.log, sink, b.cfg.Workers.Lanes, b.cfg.Workers.QueueSize)

	b.ledger = ledger.New(b.log, st)

	b.tiers = tiers.NewEngine(b.log, tiers.Config{BypassUID: b.cfg.Tracking.BypassUID}, st, b.ledger, ts, b.workers)
	if err := b.tiers.Load(ctx); err != nil {
		return err
	}

	b.setupSteam(ctx, st, ts)

	b.perms = commands.NewPermissions(st)
	if err := b.perms.Load(ctx); err != nil {
		return err
	}

	deps := presence.Deps{
		Ledger:    b.ledger,
		Tiers:     b.tiers,
		Transport: ts,
		Admins:    b.perms,
		Cooldowns: ephemeral,
		Executor:  b.workers,
	}

	if b.games != nil {
		deps.Games = b.games

		if b.cfg.Web.Enabled {
			b.web = web.NewServer(b.log, web.Config{
				Listen:      b.cfg.Web.Listen,
				ExternalURL: b.cfg.Web.ExternalURL,
				TokenTTL:    b.cfg.Web.TokenTTL,
				SessionTTL:  b.cfg.Web.SessionTTL,
				Insecure:    b.cfg.Web.Insecure,
			}, web.Deps{
				Store:   ephemeral,
				Linker:  b.games,
				Changed: b.forceReconcile,
			})
			deps.Links = b.web
		}
	}

	b.presence = presence.NewReconciler(b.log, presence.Config{RejoinCooldown: b.cfg.Tracking.RejoinCooldown}, deps)
	b.ledger.SetSessionCounter(b.presence)

	b.registry = commands.NewRegistry(b.log, b.perms)

	cmdDeps := commands.Deps{
		Tiers:       b.tiers,
		Times:       b.ledger,
		Reconciler:  b.presence,
		Directory:   st,
		Permissions: b.perms,
		Groups:      groupNames{ts},
	}

	if b.games != nil {
		cmdDeps.Games = b.games
	} else {
		cmdDeps.Games = disabledGames{}
	}

	if err := commands.RegisterBuiltin(b.registry, cmdDeps); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	b.sampler = activity.NewSampler(b.log, activity.Config{
		Interval:    b.cfg.Tracking.SampleInterval,
		IdleCeiling: b.cfg.Tracking.IdleCeiling,
	}, ts, b.ledger, sink)

	return nil
}

// setupSteam enables game groups when the Steam API key works.
func (b *Bot) setupSteam(ctx context.Context, st store.Store, ts teamspeak.Service) {
	if b.cfg.Steam.APIKey == "" {
		b.log.Info("No Steam API key configured, game groups disabled")
		return
	}

	b.steam = steam.NewClient(b.log, steam.Config{
		APIKey:            b.cfg.Steam.APIKey,
		BaseURL:           b.cfg.Steam.BaseURL,
		RequestsPerSecond: b.cfg.Steam.RequestsPerSecond,
		Timeout:           b.cfg.Steam.Timeout,
	})

	if err := b.steam.CheckKey(ctx); err != nil {
		b.log.WithError(err).Warn("Steam API key check failed, game groups disabled")
		return
	}

	games := steamgroups.NewMapper(b.log, steamgroups.Config{
		SelectionEnabled: b.cfg.Web.Enabled && b.cfg.Web.MaxSelectedGames > 0,
		MaxSelected:      b.cfg.Web.MaxSelectedGames,
	}, st, b.steam, ts)

	if err := games.Load(ctx); err != nil {
		b.log.WithError(err).Warn("Failed to load game associations, game groups disabled")
		return
	}

	b.games = games
}

// run registers the ledger listener, populates sessions, starts the scheduler
// and the event loop.
func (b *Bot) run(ctx context.Context, sessions []domain.Session) {
	b.ledger.AddListener(b.tiers)

	b.presence.SetLoginChannel(b.ts.LoginChannel())
	b.presence.Populate(ctx, sessions)

	b.scheduler = scheduler.New(ctx, b.log, b.sink)
	b.scheduler.Every("activity.sample", b.cfg.Tracking.SampleInterval, b.sampler.Tick)

	if b.memory != nil {
		b.scheduler.Every("expiring.sweep", sweepInterval, func(context.Context) error {
			b.memory.Sweep()
			return nil
		})
	}

	b.wg.Add(1)

	go b.loop(ctx)
}

// Stop flushes all accrued time and disconnects everything in reverse order.
func (b *Bot) Stop() error {
	close(b.done)
	b.wg.Wait()

	if b.scheduler != nil {
		b.scheduler.Stop()
	}

	b.workers.StopAndWait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	b.ledger.SaveAll(ctx, true)
	b.cancelWorkers()

	if b.web != nil {
		if err := b.web.Stop(ctx); err != nil {
			b.log.WithError(err).Warn("Failed to stop web server")
		}
	}

	if b.discord != nil {
		if err := b.discord.Stop(); err != nil {
			b.log.WithError(err).Warn("Failed to stop Discord announcer")
		}
	}

	if err := b.ts.Stop(); err != nil {
		b.log.WithError(err).Warn("Failed to stop TeamSpeak service")
	}

	b.closeStores()
	b.sink.Flush()

	b.log.Info("Bot stopped")

	return nil
}

// abort releases what Start acquired before it failed.
func (b *Bot) abort() {
	if b.workers != nil {
		b.workers.StopAndWait()
		b.cancelWorkers()
	}

	b.closeStores()
}

func (b *Bot) closeStores() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.log.WithError(err).Warn("Failed to close redis")
		}
	}

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.WithError(err).Warn("Failed to close store")
		}
	}
}

// loop dispatches transport events.
func (b *Bot) loop(ctx context.Context) {
	defer b.wg.Done()

	events := b.ts.Events()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			b.handle(ctx, ev)
		}
	}
}

func (b *Bot) handle(ctx context.Context, ev teamspeak.Event) {
	switch ev.Type {
	case teamspeak.EventJoin:
		b.presence.Connected(ctx, ev.Session)
	case teamspeak.EventLeave:
		b.presence.Disconnected(ctx, ev.ClientID)
	case teamspeak.EventMove:
		b.presence.Moved(ctx, ev.ClientID, ev.ChannelID)
	case teamspeak.EventMessage:
		b.command(ev)
	case teamspeak.EventDisconnected:
		b.presence.Reset(ctx)
	case teamspeak.EventConnected:
		b.presence.SetLoginChannel(b.ts.LoginChannel())
		b.presence.Populate(ctx, ev.Sessions)
	}
}

// command runs a private message through the registry on the invoker's lane.
func (b *Bot) command(ev teamspeak.Event) {
	caller := commands.Caller{
		ClientID: ev.InvokerID,
		UID:      ev.InvokerUID,
		Nickname: ev.InvokerName,
		Dialect:  markup.Plain{},
	}

	if sessions := b.presence.SessionsOf(ev.InvokerUID); len(sessions) > 0 {
		caller.Dialect = markup.ForVersion(sessions[0].Version)
	}

	text := ev.Message

	b.workers.Submit(ev.InvokerUID, "commands.dispatch", func(ctx context.Context) error {
		reply := b.registry.Dispatch(ctx, caller, text)

		return b.ts.SendPrivateMessage(ctx, caller.ClientID, reply)
	})
}

func (b *Bot) forceReconcile(uid string) {
	b.workers.Submit(uid, "web.reconcile", func(ctx context.Context) error {
		if b.presence.LiveSessions(uid) == 0 {
			return nil
		}

		return b.presence.ForceReconcile(ctx, uid)
	})
}
