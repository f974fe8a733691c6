package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samcm/ts-companion/internal/domain"
)

// SQLite implements Store on a local SQLite file.
type SQLite struct {
	db *sql.DB
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS ts_user (
		uid TEXT PRIMARY KEY,
		time_seconds INTEGER NOT NULL DEFAULT 0,
		steam_id TEXT,
		admin INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS time_tier (
		group_id INTEGER PRIMARY KEY,
		required_seconds INTEGER NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS steam_game (
		game_id INTEGER PRIMARY KEY,
		group_id INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS selected_game (
		uid TEXT NOT NULL,
		game_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (uid, game_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ts_user_steam ON ts_user(steam_id) WHERE steam_id IS NOT NULL`,
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, m := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

func (s *SQLite) GetTime(ctx context.Context, uid string) (time.Duration, bool, error) {
	var secs int64

	err := s.db.QueryRowContext(ctx, `SELECT time_seconds FROM ts_user WHERE uid = ?`, uid).Scan(&secs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, wrap("read time", err)
	}

	return fromSeconds(secs), true, nil
}

func (s *SQLite) CreateUser(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ts_user (uid, time_seconds) VALUES (?, 0) ON CONFLICT(uid) DO NOTHING`, uid)
	if err != nil {
		return wrap("create user", err)
	}

	return nil
}

func (s *SQLite) SaveTime(ctx context.Context, uid string, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ts_user (uid, time_seconds) VALUES (?, ?)
		ON CONFLICT(uid) DO UPDATE SET time_seconds = excluded.time_seconds`, uid, toSeconds(d))
	if err != nil {
		return wrap("save time", err)
	}

	return nil
}

func (s *SQLite) SaveTimes(ctx context.Context, times map[string]time.Duration) error {
	if len(times) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin flush", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ts_user (uid, time_seconds) VALUES (?, ?)
		ON CONFLICT(uid) DO UPDATE SET time_seconds = excluded.time_seconds`)
	if err != nil {
		return wrap("prepare flush", err)
	}
	defer stmt.Close()

	for uid, d := range times {
		if _, err := stmt.ExecContext(ctx, uid, toSeconds(d)); err != nil {
			return wrap("flush time", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit flush", err)
	}

	return nil
}

func (s *SQLite) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, required_seconds FROM time_tier ORDER BY required_seconds`)
	if err != nil {
		return nil, wrap("list tiers", err)
	}
	defer rows.Close()

	var tiers []domain.Tier

	for rows.Next() {
		var (
			t    domain.Tier
			secs int64
		)

		if err := rows.Scan(&t.GroupID, &secs); err != nil {
			return nil, wrap("scan tier", err)
		}

		t.RequiredTime = fromSeconds(secs)
		tiers = append(tiers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list tiers", err)
	}

	return tiers, nil
}

func (s *SQLite) InsertTier(ctx context.Context, tier domain.Tier) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO time_tier (group_id, required_seconds) VALUES (?, ?)`,
		tier.GroupID, toSeconds(tier.RequiredTime))
	if err != nil {
		return wrap("insert tier", err)
	}

	return nil
}

func (s *SQLite) DeleteTier(ctx context.Context, groupID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM time_tier WHERE group_id = ?`, groupID); err != nil {
		return wrap("delete tier", err)
	}

	return nil
}

func (s *SQLite) ListGameAssociations(ctx context.Context) ([]domain.GameAssociation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id, group_id FROM steam_game ORDER BY game_id`)
	if err != nil {
		return nil, wrap("list games", err)
	}
	defer rows.Close()

	var assocs []domain.GameAssociation

	for rows.Next() {
		var a domain.GameAssociation
		if err := rows.Scan(&a.GameID, &a.GroupID); err != nil {
			return nil, wrap("scan game", err)
		}

		assocs = append(assocs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list games", err)
	}

	return assocs, nil
}

func (s *SQLite) UpsertGameAssociation(ctx context.Context, assoc domain.GameAssociation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steam_game (game_id, group_id) VALUES (?, ?)
		ON CONFLICT(game_id) DO UPDATE SET group_id = excluded.group_id`, assoc.GameID, assoc.GroupID)
	if err != nil {
		return wrap("save game", err)
	}

	return nil
}

func (s *SQLite) DeleteGameAssociation(ctx context.Context, gameID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM steam_game WHERE game_id = ?`, gameID); err != nil {
		return wrap("delete game", err)
	}

	return nil
}

func (s *SQLite) SelectedGames(ctx context.Context, uid string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id FROM selected_game WHERE uid = ? ORDER BY position`, uid)
	if err != nil {
		return nil, wrap("list selected games", err)
	}
	defer rows.Close()

	var games []int

	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan selected game", err)
		}

		games = append(games, id)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list selected games", err)
	}

	return games, nil
}

func (s *SQLite) SaveSelectedGames(ctx context.Context, uid string, games []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin selection", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM selected_game WHERE uid = ?`, uid); err != nil {
		return wrap("clear selection", err)
	}

	for i, g := range games {
		if _, err := tx.ExecContext(ctx, `INSERT INTO selected_game (uid, game_id, position) VALUES (?, ?, ?)`, uid, g, i); err != nil {
			return wrap("save selection", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit selection", err)
	}

	return nil
}

func (s *SQLite) SteamID(ctx context.Context, uid string) (string, error) {
	var steamID sql.NullString

	err := s.db.QueryRowContext(ctx, `SELECT steam_id FROM ts_user WHERE uid = ?`, uid).Scan(&steamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", wrap("read steam id", err)
	}

	return steamID.String, nil
}

func (s *SQLite) SetSteamID(ctx context.Context, uid, steamID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ts_user (uid, time_seconds, steam_id) VALUES (?, 0, ?)
		ON CONFLICT(uid) DO UPDATE SET steam_id = excluded.steam_id
		WHERE ts_user.steam_id IS NULL OR ts_user.steam_id <> excluded.steam_id`, uid, steamID)
	if err != nil {
		return false, wrap("link steam id", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("link steam id", err)
	}

	return n > 0, nil
}

func (s *SQLite) ClearSteamID(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ts_user SET steam_id = NULL WHERE uid = ?`, uid); err != nil {
		return wrap("unlink steam id", err)
	}

	return nil
}

func (s *SQLite) LinkedUsers(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid, steam_id FROM ts_user WHERE steam_id IS NOT NULL`)
	if err != nil {
		return nil, wrap("list linked users", err)
	}
	defer rows.Close()

	linked := make(map[string]string)

	for rows.Next() {
		var uid, steamID string
		if err := rows.Scan(&uid, &steamID); err != nil {
			return nil, wrap("scan linked user", err)
		}

		linked[uid] = steamID
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list linked users", err)
	}

	return linked, nil
}

func (s *SQLite) Admins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM ts_user WHERE admin = 1 ORDER BY uid`)
	if err != nil {
		return nil, wrap("list admins", err)
	}
	defer rows.Close()

	var admins []string

	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, wrap("scan admin", err)
		}

		admins = append(admins, uid)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list admins", err)
	}

	return admins, nil
}

func (s *SQLite) SetAdmin(ctx context.Context, uid string, admin bool) error {
	flag := 0
	if admin {
		flag = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ts_user (uid, time_seconds, admin) VALUES (?, 0, ?)
		ON CONFLICT(uid) DO UPDATE SET admin = excluded.admin`, uid, flag)
	if err != nil {
		return wrap("set admin", err)
	}

	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
