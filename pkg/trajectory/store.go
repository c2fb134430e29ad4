package trajectory

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx database/sql driver

	"github.com/weftworks/loom/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Store indexes trajectory summaries in Postgres for querying. The JSONL
// files remain the source of truth; the index is rebuildable from them.
type Store struct {
	db  *stdsql.DB
	log *slog.Logger
}

// NewStore connects to Postgres and applies pending migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, log: slog.With("component", "trajectory_store")}, nil
}

func runMigrations(db *stdsql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Index records one completed task. Full steps stay in the JSONL files;
// the row carries only what queries filter on.
func (s *Store) Index(ctx context.Context, result *models.TrajectoryResult) error {
	const query = `
		INSERT INTO trajectories (
			task_id, task_type, description, success, termination_reason,
			steps, tool_calls, total_tokens, duration_ms, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		result.TaskID,
		string(result.TaskType),
		result.Description,
		result.Success,
		string(result.Termination),
		len(result.Steps),
		result.ToolCalls,
		result.TokensUsed.TotalTokens,
		result.DurationMS,
		result.StartedAt,
		result.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("indexing trajectory %s: %w", result.TaskID, err)
	}
	return nil
}

// Summary is one indexed trajectory row.
type Summary struct {
	TaskID      string
	TaskType    string
	Success     bool
	Termination string
	Steps       int
	ToolCalls   int
	TotalTokens int
	DurationMS  int64
	StartedAt   time.Time
}

// Recent returns the most recently started trajectories, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	const query = `
		SELECT task_id, task_type, success, termination_reason,
		       steps, tool_calls, total_tokens, duration_ms, started_at
		FROM trajectories
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trajectories: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.TaskID, &sum.TaskType, &sum.Success, &sum.Termination,
			&sum.Steps, &sum.ToolCalls, &sum.TotalTokens, &sum.DurationMS, &sum.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning trajectory row: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
