/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

const defaultSQLitePath = "offloadd.db"

var migrations = []struct {
	version string
	stmt    string
}{
	{
		version: "001_config_kv",
		stmt: `CREATE TABLE IF NOT EXISTS config_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
}

type sqliteStore struct {
	db *sql.DB
}

// initSQLiteStore opens SQLITE_PATH (or offloadd.db) and applies migrations.
func initSQLiteStore() (*sqliteStore, error) {
	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = defaultSQLitePath
	}
	return openSQLiteStore(path)
}

func openSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", m.version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
	}
	return nil
}

func (ss *sqliteStore) Ping(ctx context.Context) error {
	if err := ss.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	return nil
}

func (ss *sqliteStore) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := ss.db.QueryRowContext(ctx, "SELECT value FROM config_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: select %s failed: %w", key, err)
	}
	return value, nil
}

func (ss *sqliteStore) set(ctx context.Context, key string, value []byte) error {
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO config_kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("set: upsert %s failed: %w", key, err)
	}
	return nil
}

func (ss *sqliteStore) del(ctx context.Context, key string) error {
	if _, err := ss.db.ExecContext(ctx, "DELETE FROM config_kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("del: delete %s failed: %w", key, err)
	}
	return nil
}

func (ss *sqliteStore) Close() error {
	return ss.db.Close()
}
