package tombstone

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chatcore/internal/tombstone/migrations"
)

// SQLite persists tombstones in a small app-owned database file, so
// deletions survive restarts.
type SQLite struct {
	db *sql.DB
}

// Open creates the SQLite store with WAL mode and recommended pragmas, and
// brings the schema up to date.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open tombstone db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tombstone db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

func (s *SQLite) MarkDeletedForMe(messageID string) error {
	return s.mark(messageID, scopeMe)
}

func (s *SQLite) MarkDeletedForEveryone(messageID string) error {
	return s.mark(messageID, scopeEveryone)
}

func (s *SQLite) mark(messageID, scope string) error {
	if messageID == "" {
		return errors.New("empty message id")
	}
	_, err := s.db.Exec(`
		INSERT INTO tombstones (message_id, scope, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, scope) DO NOTHING`,
		messageID, scope, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("tombstone mark %s: %w", scope, err)
	}
	return nil
}

func (s *SQLite) IsDeletedForMe(messageID string) (bool, error) {
	return s.has(messageID, scopeMe)
}

func (s *SQLite) IsDeletedForEveryone(messageID string) (bool, error) {
	return s.has(messageID, scopeEveryone)
}

func (s *SQLite) has(messageID, scope string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tombstones WHERE message_id = ? AND scope = ?`,
		messageID, scope).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tombstone lookup %s: %w", scope, err)
	}
	return true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
