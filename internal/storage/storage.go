package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the agent's small local database: the token pair, recently-used
// account metadata, and the outbox of messages whose send failed.
type Store struct {
	*sql.DB
	logger *zap.Logger
}

func New(storagePath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", storagePath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		DB:     db,
		logger: logger,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Local store opened", zap.String("path", storagePath))
	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// Single-row token pair for the active session
		`CREATE TABLE IF NOT EXISTS session_tokens (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// Recently-used accounts for the login screen
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			last_login TIMESTAMP NOT NULL
		)`,
		// Chat messages whose REST send failed; retried, never dropped
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			message_data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			retry_count INTEGER DEFAULT 0,
			last_attempt TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_conversation ON outbox(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("Local store migrations completed")
	return nil
}

// SaveTokenPair persists the active pair, replacing any previous one
func (s *Store) SaveTokenPair(pair auth.TokenPair, expiresAt time.Time) error {
	_, err := s.Exec(`
		INSERT INTO session_tokens (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, pair.AccessToken, pair.RefreshToken, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save token pair: %w", err)
	}
	return nil
}

// LoadTokenPair returns the persisted pair, if any
func (s *Store) LoadTokenPair() (auth.TokenPair, bool, error) {
	var pair auth.TokenPair
	err := s.QueryRow(`
		SELECT access_token, refresh_token FROM session_tokens WHERE id = 1
	`).Scan(&pair.AccessToken, &pair.RefreshToken)
	if err == sql.ErrNoRows {
		return auth.TokenPair{}, false, nil
	}
	if err != nil {
		return auth.TokenPair{}, false, fmt.Errorf("failed to load token pair: %w", err)
	}
	return pair, true, nil
}

// ClearTokenPair removes the persisted pair on logout or expiry
func (s *Store) ClearTokenPair() error {
	if _, err := s.Exec(`DELETE FROM session_tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear token pair: %w", err)
	}
	return nil
}

// TouchAccount records a successful login for the recent-accounts list
func (s *Store) TouchAccount(username string, lastLogin time.Time) error {
	_, err := s.Exec(`
		INSERT INTO accounts (username, last_login) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET last_login = excluded.last_login
	`, username, lastLogin)
	if err != nil {
		return fmt.Errorf("failed to touch account: %w", err)
	}
	return nil
}

// RecentAccounts lists usernames by most recent login
func (s *Store) RecentAccounts(limit int) ([]string, error) {
	rows, err := s.Query(`
		SELECT username FROM accounts ORDER BY last_login DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			s.logger.Error("Failed to scan account row", zap.Error(err))
			continue
		}
		usernames = append(usernames, username)
	}
	return usernames, nil
}

func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Local store closed")
	return nil
}
