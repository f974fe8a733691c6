package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samcm/ts-companion/internal/domain"
)

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS ts_user (
		uid VARCHAR(64) PRIMARY KEY,
		time_seconds BIGINT NOT NULL DEFAULT 0,
		steam_id VARCHAR(32),
		admin BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS time_tier (
		group_id INT PRIMARY KEY,
		required_seconds BIGINT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS steam_game (
		game_id INT PRIMARY KEY,
		group_id INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS selected_game (
		uid VARCHAR(64) NOT NULL,
		game_id INT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (uid, game_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ts_user_steam ON ts_user(steam_id) WHERE steam_id IS NOT NULL`,
}

const upsertTime = `
	INSERT INTO ts_user (uid, time_seconds) VALUES ($1, $2)
	ON CONFLICT (uid) DO UPDATE SET time_seconds = EXCLUDED.time_seconds`

// NewPostgres connects to dsn and migrates the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 8
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := &Postgres{pool: pool}

	for _, m := range postgresMigrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return p, nil
}

func (p *Postgres) GetTime(ctx context.Context, uid string) (time.Duration, bool, error) {
	var secs int64

	err := p.pool.QueryRow(ctx, `SELECT time_seconds FROM ts_user WHERE uid = $1`, uid).Scan(&secs)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, wrap("read time", err)
	}

	return fromSeconds(secs), true, nil
}

func (p *Postgres) CreateUser(ctx context.Context, uid string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO ts_user (uid, time_seconds) VALUES ($1, 0) ON CONFLICT (uid) DO NOTHING`, uid)
	if err != nil {
		return wrap("create user", err)
	}

	return nil
}

func (p *Postgres) SaveTime(ctx context.Context, uid string, d time.Duration) error {
	if _, err := p.pool.Exec(ctx, upsertTime, uid, toSeconds(d)); err != nil {
		return wrap("save time", err)
	}

	return nil
}

func (p *Postgres) SaveTimes(ctx context.Context, times map[string]time.Duration) error {
	if len(times) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for uid, d := range times {
		batch.Queue(upsertTime, uid, toSeconds(d))
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range times {
		if _, err := br.Exec(); err != nil {
			return wrap("flush time", err)
		}
	}

	return nil
}

func (p *Postgres) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	rows, err := p.pool.Query(ctx, `SELECT group_id, required_seconds FROM time_tier ORDER BY required_seconds`)
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

func (p *Postgres) InsertTier(ctx context.Context, tier domain.Tier) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO time_tier (group_id, required_seconds) VALUES ($1, $2)`,
		tier.GroupID, toSeconds(tier.RequiredTime))
	if err != nil {
		return wrap("insert tier", err)
	}

	return nil
}

func (p *Postgres) DeleteTier(ctx context.Context, groupID int) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM time_tier WHERE group_id = $1`, groupID); err != nil {
		return wrap("delete tier", err)
	}

	return nil
}

func (p *Postgres) ListGameAssociations(ctx context.Context) ([]domain.GameAssociation, error) {
	rows, err := p.pool.Query(ctx, `SELECT game_id, group_id FROM steam_game ORDER BY game_id`)
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

func (p *Postgres) UpsertGameAssociation(ctx context.Context, assoc domain.GameAssociation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO steam_game (game_id, group_id) VALUES ($1, $2)
		ON CONFLICT (game_id) DO UPDATE SET group_id = EXCLUDED.group_id`, assoc.GameID, assoc.GroupID)
	if err != nil {
		return wrap("save game", err)
	}

	return nil
}

func (p *Postgres) DeleteGameAssociation(ctx context.Context, gameID int) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM steam_game WHERE game_id = $1`, gameID); err != nil {
		return wrap("delete game", err)
	}

	return nil
}

func (p *Postgres) SelectedGames(ctx context.Context, uid string) ([]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT game_id FROM selected_game WHERE uid = $1 ORDER BY position`, uid)
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

func (p *Postgres) SaveSelectedGames(ctx context.Context, uid string, games []int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrap("begin selection", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM selected_game WHERE uid = $1`, uid)

	for i, g := range games {
		batch.Queue(`INSERT INTO selected_game (uid, game_id, position) VALUES ($1, $2, $3)`, uid, g, i)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrap("save selection", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrap("commit selection", err)
	}

	return nil
}

func (p *Postgres) SteamID(ctx context.Context, uid string) (string, error) {
	var steamID *string

	err := p.pool.QueryRow(ctx, `SELECT steam_id FROM ts_user WHERE uid = $1`, uid).Scan(&steamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", wrap("read steam id", err)
	}

	if steamID == nil {
		return "", nil
	}

	return *steamID, nil
}

func (p *Postgres) SetSteamID(ctx context.Context, uid, steamID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO ts_user (uid, time_seconds, steam_id) VALUES ($1, 0, $2)
		ON CONFLICT (uid) DO UPDATE SET steam_id = EXCLUDED.steam_id
		WHERE ts_user.steam_id IS DISTINCT FROM EXCLUDED.steam_id`, uid, steamID)
	if err != nil {
		return false, wrap("link steam id", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ClearSteamID(ctx context.Context, uid string) error {
	if _, err := p.pool.Exec(ctx, `UPDATE ts_user SET steam_id = NULL WHERE uid = $1`, uid); err != nil {
		return wrap("unlink steam id", err)
	}

	return nil
}

func (p *Postgres) LinkedUsers(ctx context.Context) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT uid, steam_id FROM ts_user WHERE steam_id IS NOT NULL`)
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

func (p *Postgres) Admins(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT uid FROM ts_user WHERE admin ORDER BY uid`)
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

func (p *Postgres) SetAdmin(ctx context.Context, uid string, admin bool) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ts_user (uid, time_seconds, admin) VALUES ($1, 0, $2)
		ON CONFLICT (uid) DO UPDATE SET admin = EXCLUDED.admin`, uid, admin)
	if err != nil {
		return wrap("set admin", err)
	}

	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()

	return nil
}
