// Package postgres provides a PostgreSQL-backed settings store, so several
// hosts sharing one chat also share the record locator and deletion mode.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/0xdsaini/telegramdrive/internal/metrics"
)

const schema = `CREATE TABLE IF NOT EXISTS drive_settings (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
)`

// Store keeps settings in the drive_settings table, scoped by namespace
// (normally the chat id).
type Store struct {
	db        *sql.DB
	namespace string
}

// New connects to databaseURL and creates the settings table if needed.
func New(ctx context.Context, databaseURL, namespace string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings table: %w", err)
	}

	return &Store{db: db, namespace: namespace}, nil
}

// NewWithDB wraps an existing connection. The table must already exist.
func NewWithDB(db *sql.DB, namespace string) *Store {
	return &Store{db: db, namespace: namespace}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements settings.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordSettingsQuery("get", time.Since(start)) }()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM drive_settings WHERE namespace = $1 AND key = $2`,
		s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements settings.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	defer func() { metrics.RecordSettingsQuery("set", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drive_settings (namespace, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.namespace, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Delete implements settings.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { metrics.RecordSettingsQuery("delete", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM drive_settings WHERE namespace = $1 AND key = $2`,
		s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
