package userdir

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create users",
		sql: `
			CREATE TABLE users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL DEFAULT '',
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
	},
}

// SQLite is a Directory over a SQLite users table.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Directory = (*SQLite)(nil)

// OpenSQLite creates or opens the database at path and applies pending
// migrations.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// busy_timeout is per connection, so it goes in the DSN to reach every pooled one
	dsn := path + "?_pragma=busy_timeout(5000)"
	if strings.Contains(path, "?") {
		dsn = path + "&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// WAL can fail on some bind-mounted filesystems; default journaling still works
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logger.Warn("sqlite_wal_unavailable", zap.String("path", path), zap.Error(err))
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for i, m := range migrations {
		version := i + 1
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		s.logger.Info("sqlite_migration", zap.Int("version", version), zap.String("name", m.name))
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *SQLite) UserExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE username = ?", username).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("look up user %s: %w", username, err)
	}
	return true, nil
}

func (s *SQLite) AddUser(ctx context.Context, username, email string) error {
	if username == "" {
		return ErrInvalidUsername
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, email) VALUES (?, ?) ON CONFLICT(username) DO NOTHING",
		username, email)
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	if n == 0 {
		return ErrUserExists
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
