// Package persistence provides SQLite-based storage for user preferences and
// recommendation history.
package persistence

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"sommelier/pkg/logx"
)

// MemoryPath keeps the database in process for the lifetime of the Store.
const MemoryPath = ":memory:"

// Store is the preferences and history database. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens (or creates) the database at path and brings its schema up to date.
func Open(path string) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer, and an in-memory database lives only as long as its
	// one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, path: path, logger: logx.NewLogger("persistence")}
	s.logger.Info("Database initialized: %s (schema v%d)", path, CurrentSchemaVersion)
	return s, nil
}

func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == MemoryPath {
		return "file::memory:?" + pragmas
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + pragmas + "&_pragma=journal_mode(WAL)"
}

// Path returns the location the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
