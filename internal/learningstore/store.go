// Package learningstore is the optional durable archive for learnings
// extracted during orchestration. The ledger keeps a bounded, in-memory
// view of recent learnings for prompt injection; this package persists the
// full history in Postgres for later retrieval and offline analysis, when
// a DSN is configured.
package learningstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/codeready-toolchain/agentctl/internal/learning"
)

//go:embed migrations
var migrationsFS embed.FS

// Compile-time checks that Store implements both halves of the archive seam.
var (
	_ learning.Persister = (*Store)(nil)
	_ learning.Loader    = (*Store)(nil)
)

// Store persists learnings to Postgres, applying embedded migrations on open.
type Store struct {
	db *stdsql.DB
}

// Open connects to dsn, runs pending migrations, and returns a ready Store.
// Callers should Close it on shutdown.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("learningstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("learningstore: ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("learningstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source; closing m would also close db, which the
	// caller still owns.
	return source.Close()
}

// Close releases the underlying connection pool.
func (st *Store) Close() error {
	return st.db.Close()
}

// Save persists one learning. Implements learning.Persister.
func (st *Store) Save(l learning.Learning) error {
	_, err := st.db.Exec(
		`INSERT INTO learnings (id, session_id, kind, content, confidence, source_event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		l.ID, l.SessionID, string(l.Kind), l.Content, l.Confidence, l.SourceEventID, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("learningstore: save: %w", err)
	}
	return nil
}

// Recent returns the most recently created learnings for a session, newest
// first, capped at limit.
func (st *Store) Recent(ctx context.Context, sessionID string, limit int) ([]learning.Learning, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT id, session_id, kind, content, confidence, source_event_id, created_at
		 FROM learnings WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("learningstore: recent: %w", err)
	}
	defer rows.Close()

	var out []learning.Learning
	for rows.Next() {
		var l learning.Learning
		var kind string
		if err := rows.Scan(&l.ID, &l.SessionID, &kind, &l.Content, &l.Confidence, &l.SourceEventID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("learningstore: scan: %w", err)
		}
		l.Kind = learning.Kind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}
