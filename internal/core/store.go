package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

// ConfigStore persists system configs between runs.
type ConfigStore interface {
	Get(ctx context.Context, id string) (api.SystemConfig, error)
	Put(ctx context.Context, cfg api.SystemConfig) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]api.SystemConfig, error)
}

// SQLiteStore keeps each config as a JSON blob keyed by system ID.
type SQLiteStore struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewSQLiteStore opens or creates the database at path and applies
// pending migrations. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		version := filepath.Base(name)
		var n int
		// The first migration creates schema_migrations itself.
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n)
		if err == nil && n > 0 {
			continue
		}
		schema, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		log.Debug().Str("migration", version).Msg("Applied store migration")
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, id string) (api.SystemConfig, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM systems WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return api.SystemConfig{}, fmt.Errorf("get %s: %w", id, ErrUnknownSystem)
	}
	if err != nil {
		return api.SystemConfig{}, fmt.Errorf("get %s: %w", id, err)
	}
	var cfg api.SystemConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return api.SystemConfig{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return cfg, nil
}

// Put inserts or replaces a config after validating it.
func (s *SQLiteStore) Put(ctx context.Context, cfg api.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put system: %w", err)
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cfg.ID, err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO systems (id, config, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		cfg.ID, string(blob), now, now)
	if err != nil {
		return fmt.Errorf("put %s: %w", cfg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM systems WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrUnknownSystem)
	}
	return nil
}

// List returns configs in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]api.SystemConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, config FROM systems ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer rows.Close()

	var out []api.SystemConfig
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		var cfg api.SystemConfig
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// StaticStore serves the systems section of a config file from memory.
type StaticStore struct {
	mu      sync.RWMutex
	systems []api.SystemConfig
}

func NewStaticStore(systems []api.SystemConfig) *StaticStore {
	st := &StaticStore{}
	for _, s := range systems {
		st.systems = append(st.systems, s.Clone())
	}
	return st
}

func (st *StaticStore) Get(_ context.Context, id string) (api.SystemConfig, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.systems {
		if s.ID == id {
			return s.Clone(), nil
		}
	}
	return api.SystemConfig{}, fmt.Errorf("get %s: %w", id, ErrUnknownSystem)
}

func (st *StaticStore) Put(_ context.Context, cfg api.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put system: %w", err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.systems {
		if s.ID == cfg.ID {
			st.systems[i] = cfg.Clone()
			return nil
		}
	}
	st.systems = append(st.systems, cfg.Clone())
	return nil
}

func (st *StaticStore) Delete(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.systems {
		if s.ID == id {
			st.systems = append(st.systems[:i:i], st.systems[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete %s: %w", id, ErrUnknownSystem)
}

func (st *StaticStore) List(_ context.Context) ([]api.SystemConfig, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]api.SystemConfig, 0, len(st.systems))
	for _, s := range st.systems {
		out = append(out, s.Clone())
	}
	return out, nil
}
