// Package sqlite is the single-node persistence backend used when no
// PostgreSQL DSN is configured. It stores the same JSON bodies as the
// PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/mission"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at path and applies the schema.
func New(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets readers proceed during writes; busy_timeout makes writers wait
	// for the lock before reporting SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	tables := []string{"agents", "tools", "missions", "swarms", "pipelines"}
	for _, t := range tables {
		stmt := `CREATE TABLE IF NOT EXISTS ` + t + ` (
			id         TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
		idx := `CREATE INDEX IF NOT EXISTS idx_` + t + `_created ON ` + t + `(created_at, id)`
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("index %s: %w", t, err)
		}
	}
	return nil
}

// ts formats a timestamp so lexical order matches chronological order.
func ts(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func (s *Store) upsert(ctx context.Context, table, id string, v any, created, updated time.Time) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		id, string(body), ts(created), ts(updated),
	)
	if err != nil {
		return classify("save "+table+" "+id, err)
	}
	return nil
}

func list[T any](ctx context.Context, s *Store, table string) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM `+table+` ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list "+table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list "+table, err)
	}
	return out, nil
}

func (s *Store) SaveAgent(ctx context.Context, a registry.Agent) error {
	return s.upsert(ctx, "agents", a.ID, a, a.CreatedAt, a.UpdatedAt)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return classify("delete agent "+id, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	return list[registry.Agent](ctx, s, "agents")
}

// SaveTool inserts a tool once; later saves of the same id are ignored.
func (s *Store) SaveTool(ctx context.Context, t registry.Tool) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tool %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, string(body), ts(t.CreatedAt), ts(t.CreatedAt),
	)
	if err != nil {
		return classify("save tool "+t.ID, err)
	}
	return nil
}

func (s *Store) ListTools(ctx context.Context) ([]registry.Tool, error) {
	return list[registry.Tool](ctx, s, "tools")
}

func (s *Store) SaveMission(ctx context.Context, m mission.Mission) error {
	return s.upsert(ctx, "missions", m.ID, m, m.CreatedAt, m.UpdatedAt)
}

func (s *Store) ListMissions(ctx context.Context) ([]mission.Mission, error) {
	return list[mission.Mission](ctx, s, "missions")
}

func (s *Store) SaveSwarm(ctx context.Context, d swarm.Deployment) error {
	return s.upsert(ctx, "swarms", d.ID, d, d.CreatedAt, d.UpdatedAt)
}

func (s *Store) ListSwarms(ctx context.Context) ([]swarm.Deployment, error) {
	return list[swarm.Deployment](ctx, s, "swarms")
}

func (s *Store) SavePipeline(ctx context.Context, p pipeline.Pipeline) error {
	return s.upsert(ctx, "pipelines", p.ID, p, p.CreatedAt, p.UpdatedAt)
}

func (s *Store) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	return list[pipeline.Pipeline](ctx, s, "pipelines")
}

// classify marks lock contention as transient.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperr.Transient(wrapped)
		}
	}
	return wrapped
}
