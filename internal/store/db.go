// Package store is the embedded relational session store: sessions,
// captures and generated videos, backed by SQLite with a single-writer
// discipline enforced through BEGIN IMMEDIATE transactions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store owns the database file at a configured path. Scheduler writes
// sessions and captures; worker writes videos (and terminal job status);
// the HTTP surface only reads.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// pending migrations, and returns a ready Store.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating data dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dbPath, err)
	}

	// SQLite serializes writes; a single connection plus _txlock=immediate
	// gives every Begin() the BEGIN IMMEDIATE single-writer discipline
	// spec §5 requires without fighting the driver's own locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components (e.g. the HTTP surface) that
// only need read access and don't want to route through Store's methods.
func (s *Store) DB() *sql.DB {
	return s.db
}
