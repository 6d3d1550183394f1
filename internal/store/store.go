package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no package record matches the lookup.
var ErrNotFound = errors.New("package record not found")

// PersistentStore keeps package records in SQLite.
type PersistentStore struct {
	db *sql.DB
}

func NewPersistentStore(dbPath string) (*PersistentStore, error) {

	dbDir := filepath.Dir(dbPath)

	// Ensure the database directory exists
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	store := &PersistentStore{db: db}

	if err := store.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return store, nil
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
