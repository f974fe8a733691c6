// Package discord announces time tier promotions in a Discord channel.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/domain"
)

// Config holds Discord bot settings.
type Config struct {
	Token     string
	ChannelID string
}

// Nicknames resolves the display name of an identity.
type Nicknames interface {
	Nickname(uid string) string
}

// Sender posts embeds. *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Service defines the Discord service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Promoted(ctx context.Context, uid string, tier domain.Tier, accrued time.Duration)
}

type service struct {
	log       logrus.FieldLogger
	cfg       Config
	nicknames Nicknames
	session   *discordgo.Session
	sender    Sender
	mu        sync.Mutex
}

// NewService creates a new Discord service.
func NewService(log logrus.FieldLogger, cfg Config, nicknames Nicknames) Service {
	return &service{
		log:       log.WithField("component", "discord"),
		cfg:       cfg,
		nicknames: nicknames,
	}
}

// Start connects to Discord.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	if _, err := session.Channel(s.cfg.ChannelID); err != nil {
		session.Close()
		return fmt.Errorf("failed to access announcement channel %s: %w", s.cfg.ChannelID, err)
	}

	s.session = session
	s.sender = session
	s.log.WithField("channel_id", s.cfg.ChannelID).Info("Connected to Discord")

	return nil
}

// Stop disconnects from Discord.
func (s *service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Close()
		s.session = nil
		s.log.Info("Disconnected from Discord")
	}

	s.sender = nil

	return nil
}

// Promoted posts an announcement for a tier crossing. Failures are logged.
func (s *service) Promoted(_ context.Context, uid string, tier domain.Tier, accrued time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sender == nil {
		return
	}

	name := uid
	if s.nicknames != nil {
		if n := s.nicknames.Nickname(uid); n != "" {
			name = n
		}
	}

	log := s.log.WithFields(logrus.Fields{
		"uid":   uid,
		"group": tier.GroupID,
	})

	if _, err := s.sender.ChannelMessageSendEmbed(s.cfg.ChannelID, buildEmbed(name, tier, accrued)); err != nil {
		log.WithError(err).Warn("Failed to post promotion")
		return
	}

	log.Debug("Posted promotion")
}

// buildEmbed creates the promotion embed.
func buildEmbed(name string, tier domain.Tier, accrued time.Duration) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Promotion",
		Description: fmt.Sprintf("**%s** reached %s of online time.", name, formatDuration(tier.RequiredTime)),
		Color:       0x2ECC71, // Green
		Timestamp:   time.Now().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    "TeamSpeak Server",
			IconURL: "https://i.imgur.com/pK2qRkC.png", // TS3 icon
		},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Group",
				Value:  fmt.Sprintf("%d", tier.GroupID),
				Inline: true,
			},
			{
				Name:   "Total time",
				Value:  formatDuration(accrued),
				Inline: true,
			},
		},
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}

	return fmt.Sprintf("%dm", minutes)
}
