// Package main provides the entry point for ts-companion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/samcm/ts-companion/internal/bot"
	"github.com/samcm/ts-companion/internal/config"
	"github.com/samcm/ts-companion/internal/domain"
	"github.com/samcm/ts-companion/internal/store"
	"github.com/samcm/ts-companion/internal/teamspeak"
	"github.com/samcm/ts-companion/internal/tiers"
)

var (
	configPath string
	dryRun     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ts-companion",
	Short: "TeamSpeak companion bot for online time and Steam game groups",
	Long: "A TeamSpeak ServerQuery bot that tracks how long users are active, " +
		"grants time based server groups and maps linked Steam games to groups.",
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (required)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print online users with their time and tier, without changing anything")

	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	// Optional .env for secrets referenced from the config file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if dryRun {
		return runDryRun(cmd.Context(), log, cfg)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("Received shutdown signal")
		cancel()
	}()

	b := bot.New(log, cfg)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}

	// Wait for context cancellation
	<-ctx.Done()

	if err := b.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping bot")
	}

	log.Info("Shutdown complete")

	return nil
}

type dryRunRow struct {
	nickname string
	uid      string
	accrued  time.Duration
	tier     string
}

// runDryRun prints every online identity with its stored time and tier.
func runDryRun(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) error {
	log.Info("Running in dry-run mode")

	st, err := store.New(ctx, store.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	defer st.Close()

	engine := tiers.NewEngine(log, tiers.Config{BypassUID: cfg.Tracking.BypassUID}, st, nil, nil, nil)
	if err := engine.Load(ctx); err != nil {
		return err
	}

	ts := teamspeak.NewService(log, teamspeak.Config{
		Host:      cfg.TeamSpeak.Host,
		QueryPort: cfg.TeamSpeak.QueryPort,
		Username:  cfg.TeamSpeak.Username,
		Password:  cfg.TeamSpeak.Password,
		ServerID:  cfg.TeamSpeak.ServerID,
	})

	// Connect to TeamSpeak
	if err := ts.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to TeamSpeak: %w", err)
	}

	defer ts.Stop()

	sessions, err := ts.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	rows := make([]dryRunRow, 0, len(sessions))
	seen := make(map[string]struct{}, len(sessions))

	for _, sess := range sessions {
		if _, ok := seen[sess.UID]; ok {
			continue
		}

		seen[sess.UID] = struct{}{}

		accrued, _, err := st.GetTime(ctx, sess.UID)
		if err != nil {
			return fmt.Errorf("failed to read time of %s: %w", sess.UID, err)
		}

		rows = append(rows, dryRunRow{
			nickname: sess.Nickname,
			uid:      sess.UID,
			accrued:  accrued,
			tier:     tierLabel(engine, sess, accrued),
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].accrued > rows[j].accrued })

	// Print state
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	title := fmt.Sprintf("Online time (%d tiers)", len(engine.List()))
	padding := (62 - len(title)) / 2
	fmt.Printf("║%s%s%s║\n", strings.Repeat(" ", padding), title, strings.Repeat(" ", 62-padding-len(title)))
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")

	if len(rows) == 0 {
		fmt.Println("║  No users online                                             ║")
	}

	for _, row := range rows {
		fmt.Printf("║  %-30s %10s  %-17s ║\n", truncate(row.nickname, 30), formatDuration(row.accrued), truncate(row.tier, 17))
		fmt.Printf("║      %-56s ║\n", truncate(row.uid, 56))
	}

	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	return nil
}

func tierLabel(engine *tiers.Engine, sess domain.Session, accrued time.Duration) string {
	tier, ok := engine.Resolve(accrued)
	if !ok {
		return "-"
	}

	label := fmt.Sprintf("group %d", tier.GroupID)

	if !domain.HasGroup(sess.ServerGroups, tier.GroupID) {
		label += " (missing)"
	}

	return label
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max-3] + "..."
}

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
