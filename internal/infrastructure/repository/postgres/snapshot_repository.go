package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const defaultSnapshotName = "bm25"

// SnapshotRepository keeps the sparse index snapshot in one row, so every
// api and worker process can load the same state.
type SnapshotRepository struct {
	db   *sql.DB
	name string
}

func NewSnapshotRepository(db *sql.DB, name string) *SnapshotRepository {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultSnapshotName
	}
	return &SnapshotRepository{db: db, name: name}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS sparse_snapshots (
	name TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	size_bytes INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) Read(ctx context.Context) ([]byte, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT data
FROM sparse_snapshots
WHERE name = $1
`, r.name)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "read snapshot", fmt.Errorf("snapshot %q", r.name))
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return data, nil
}

func (r *SnapshotRepository) Write(ctx context.Context, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sparse_snapshots (name, data, size_bytes, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes, updated_at = EXCLUDED.updated_at
`, r.name, data, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}
