package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	"hyperhive/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PGStore persists registry state in Postgres. Strategy configs and activity
// payloads are stored as JSONB documents next to the columns queries filter
// on, so schema churn in the Go types does not require migrations.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPGStore applies pending migrations and connects a pool.
func OpenPGStore(ctx context.Context, dsn string, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pgstore")

	if err := applyMigrations(ctx, dsn, logger); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{pool: pool, logger: logger}, nil
}

func applyMigrations(ctx context.Context, dsn string, logger *slog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("database schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) SaveStrategy(ctx context.Context, rec PersistedStrategy) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	counters, err := json.Marshal(rec.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategies (id, owner, name, status, error_state, config, counters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_state = EXCLUDED.error_state,
			config = EXCLUDED.config,
			counters = EXCLUDED.counters,
			updated_at = EXCLUDED.updated_at`,
		rec.Config.ID, rec.Config.Owner, rec.Config.Name, string(rec.Status), rec.ErrorState,
		cfg, counters, rec.Config.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteStrategy(ctx context.Context, id string) error {
	// Activities are kept: the trail outlives the strategy row.
	if _, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	return nil
}

func (s *PGStore) LoadStrategies(ctx context.Context) ([]PersistedStrategy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT config, status, error_state, counters, updated_at
		FROM strategies ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []PersistedStrategy
	for rows.Next() {
		var (
			cfgRaw, countersRaw []byte
			rec                 PersistedStrategy
			status              string
		)
		if err := rows.Scan(&cfgRaw, &status, &rec.ErrorState, &countersRaw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		if err := json.Unmarshal(cfgRaw, &rec.Config); err != nil {
			s.logger.Warn("skipping undecodable strategy row", "error", err)
			continue
		}
		if len(countersRaw) > 0 {
			if err := json.Unmarshal(countersRaw, &rec.Counters); err != nil {
				return nil, fmt.Errorf("decode counters: %w", err)
			}
		}
		rec.Status = types.StrategyStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendActivity(ctx context.Context, a types.Activity) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hive_activities (id, strategy_id, kind, ts, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.StrategyID, string(a.Kind), a.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// RecentActivities reads the persisted trail, newest first. strategyID empty
// means all strategies.
func (s *PGStore) RecentActivities(ctx context.Context, strategyID string, limit int) ([]types.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM hive_activities
		WHERE ($1 = '' OR strategy_id = $1)
		ORDER BY ts DESC LIMIT $2`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []types.Activity
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		var a types.Activity
		if err := json.Unmarshal(payload, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveBotRun(ctx context.Context, run BotRun) error {
	hb, err := json.Marshal(run.Heartbeat)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bot_runs (bot_id, name, heartbeat, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = EXCLUDED.name,
			heartbeat = EXCLUDED.heartbeat,
			last_seen = EXCLUDED.last_seen`,
		run.Heartbeat.ID, run.Heartbeat.Name, hb, run.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert bot run: %w", err)
	}
	return nil
}

// LoadBotRuns reads the persisted heartbeat map.
func (s *PGStore) LoadBotRuns(ctx context.Context) (map[string]BotRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT heartbeat, last_seen FROM bot_runs`)
	if err != nil {
		return nil, fmt.Errorf("query bot runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]BotRun)
	for rows.Next() {
		var (
			raw []byte
			run BotRun
		)
		if err := rows.Scan(&raw, &run.LastSeen); err != nil {
			return nil, fmt.Errorf("scan bot run: %w", err)
		}
		if err := json.Unmarshal(raw, &run.Heartbeat); err != nil {
			continue
		}
		out[run.Heartbeat.ID] = run
	}
	return out, rows.Err()
}
