// Package fieldsqlite persists fieldsync collections in a SQLite database,
// one JSON blob row per entity kind.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// CollectionsTable holds one row per kind
const CollectionsTable = "_fieldsync_collections"

// Store is a fieldsync.LocalStore backed by SQLite
type Store struct {
	DB      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize writes to avoid SQLITE_BUSY under WAL
}

// Open opens (or creates) the database file at path with WAL journaling and a
// busy timeout, and prepares the collections table.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New prepares the collections table on an already opened database
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, logger: logger}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + CollectionsTable + ` (
		kind       TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return fmt.Errorf("failed to create collections table: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.DB.Close()
}

// GetAll loads the collection of kind. A missing row is an empty collection.
func (s *Store) GetAll(ctx context.Context, kind fieldsync.Kind) ([]fieldsync.Entity, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM `+CollectionsTable+` WHERE kind = ?`, string(kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s collection: %w", kind, err)
	}
	return fieldsync.DecodeCollection(kind, []byte(payload))
}

// PutAll replaces the collection of kind with a single upsert
func (s *Store) PutAll(ctx context.Context, kind fieldsync.Kind, entities []fieldsync.Entity) error {
	blob, err := fieldsync.EncodeCollection(entities)
	if err != nil {
		return fmt.Errorf("failed to encode %s collection: %w", kind, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO `+CollectionsTable+` (kind, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(kind), string(blob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s collection: %w", kind, err)
	}
	s.logger.Debug("collection persisted", "kind", kind, "entities", len(entities), "bytes", len(blob))
	return nil
}

// UpdatedAt returns when the collection of kind was last written, or the zero time
func (s *Store) UpdatedAt(ctx context.Context, kind fieldsync.Kind) (time.Time, error) {
	var ts string
	err := s.DB.QueryRowContext(ctx, `SELECT updated_at FROM `+CollectionsTable+` WHERE kind = ?`, string(kind)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s timestamp: %w", kind, err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s timestamp %q: %w", kind, ts, err)
	}
	return t, nil
}
