// Package config handles loading and validation of application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	TeamSpeak TeamSpeakConfig `yaml:"teamspeak"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Steam     SteamConfig     `yaml:"steam"`
	Web       WebConfig       `yaml:"web"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Workers   WorkersConfig   `yaml:"workers"`
	Discord   DiscordConfig   `yaml:"discord"`
	Sentry    SentryConfig    `yaml:"sentry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TeamSpeakConfig holds TeamSpeak ServerQuery connection settings.
type TeamSpeakConfig struct {
	Host         string `yaml:"host"`
	QueryPort    int    `yaml:"query_port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ServerID     int    `yaml:"server_id"`
	Nickname     string `yaml:"nickname"`
	LoginChannel string `yaml:"login_channel"` // Joining this channel sends the Steam login link
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig holds the optional redis connection for cooldowns, tokens and sessions.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SteamConfig holds Steam Web API settings.
type SteamConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// WebConfig holds the login and game selection site settings.
type WebConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Listen           string        `yaml:"listen"`
	ExternalURL      string        `yaml:"external_url"`
	MaxSelectedGames int           `yaml:"max_selected_games"` // 0 disables game selection
	TokenTTL         time.Duration `yaml:"token_ttl"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	Insecure         bool          `yaml:"insecure"`
}

// TrackingConfig holds online time accounting settings.
type TrackingConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	IdleCeiling    time.Duration `yaml:"idle_ceiling"`
	RejoinCooldown time.Duration `yaml:"rejoin_cooldown"`
	BypassUID      string        `yaml:"bypass_uid"`
}

// WorkersConfig sizes the per-identity worker lanes.
type WorkersConfig struct {
	Lanes     int `yaml:"lanes"`
	QueueSize int `yaml:"queue_size"`
}

// DiscordConfig holds the optional promotion announcer settings.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// SentryConfig holds error reporting settings.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		TeamSpeak: TeamSpeakConfig{
			QueryPort: 10011,
			Username:  "serveradmin",
			ServerID:  1,
			Nickname:  "Companion",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "ts-companion.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "ts-companion:",
		},
		Steam: SteamConfig{
			BaseURL:           "https://api.steampowered.com",
			RequestsPerSecond: 1,
			Timeout:           10 * time.Second,
		},
		Web: WebConfig{
			Listen:           ":8080",
			MaxSelectedGames: 5,
			TokenTTL:         15 * time.Minute,
			SessionTTL:       15 * time.Minute,
		},
		Tracking: TrackingConfig{
			SampleInterval: 30 * time.Second,
			IdleCeiling:    5 * time.Minute,
			RejoinCooldown: 2 * time.Minute,
		},
		Workers: WorkersConfig{
			Lanes:     8,
			QueueSize: 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and parses the configuration from the given file path.
// Environment variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.TeamSpeak.Host == "" {
		return fmt.Errorf("teamspeak.host is required")
	}

	if c.TeamSpeak.Password == "" {
		return fmt.Errorf("teamspeak.password is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Steam.RequestsPerSecond <= 0 {
		return fmt.Errorf("steam.requests_per_second must be positive")
	}

	if c.Web.Enabled {
		if c.Web.ExternalURL == "" {
			return fmt.Errorf("web.external_url is required when web is enabled")
		}

		if u, err := url.Parse(c.Web.ExternalURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("web.external_url must be an absolute URL")
		}

		if c.Steam.APIKey == "" {
			return fmt.Errorf("steam.api_key is required when web is enabled")
		}
	}

	if c.Web.MaxSelectedGames < 0 {
		return fmt.Errorf("web.max_selected_games must not be negative")
	}

	if c.Tracking.SampleInterval < time.Second {
		return fmt.Errorf("tracking.sample_interval must be at least 1s")
	}

	if c.Tracking.IdleCeiling < c.Tracking.SampleInterval {
		return fmt.Errorf("tracking.idle_ceiling must be at least tracking.sample_interval")
	}

	if c.Tracking.RejoinCooldown < 0 {
		return fmt.Errorf("tracking.rejoin_cooldown must not be negative")
	}

	if c.Workers.Lanes < 1 {
		return fmt.Errorf("workers.lanes must be at least 1")
	}

	if c.Discord.Enabled {
		if c.Discord.Token == "" {
			return fmt.Errorf("discord.token is required when discord is enabled")
		}

		if c.Discord.ChannelID == "" {
			return fmt.Errorf("discord.channel_id is required when discord is enabled")
		}
	}

	return nil
}
