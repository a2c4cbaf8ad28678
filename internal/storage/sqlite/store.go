// Package sqlite provides a SQLite-backed save store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Corphon/Formamorph/internal/storage"
	"github.com/Corphon/Formamorph/internal/storage/sqlite/migrations"
	"github.com/Corphon/Formamorph/internal/storage/sqlitemigrate"
)

// Store persists save records in a single SQLite table.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("record name is required")
	}
	return nil
}

// Get returns the stored bytes for name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := s.ready(ctx, name); err != nil {
		return nil, err
	}
	var data []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT data FROM saves WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get save %q: %w", name, err)
	}
	return data, nil
}

// Put upserts the record.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	if err := s.ready(ctx, name); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO saves (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put save %q: %w", name, err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.ready(ctx, name); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM saves WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete save %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete save %q: %w", name, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns every record ordered by name.
func (s *Store) List(ctx context.Context) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name, length(data), updated_at FROM saves ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var (
			entry   storage.Entry
			updated int64
		)
		if err := rows.Scan(&entry.Name, &entry.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan save row: %w", err)
		}
		entry.UpdatedAt = fromMillis(updated)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saves: %w", err)
	}
	return out, nil
}
