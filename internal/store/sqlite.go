package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ippclub/modbrowser/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Settings keys read by the catalog.
const (
	KeyPageSize      = "catalog.page_size"
	KeyVerifiedStars = "catalog.verified_stars"
)

// SQLiteStore is the settings key/value store and install history.
// Put buffers values in memory until Save writes them in one transaction.
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.Logger
	mu      sync.Mutex
	pending map[string]string
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dataPath string, logger *zap.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataPath, "modbrowser.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		logger:  logger,
		pending: make(map[string]string),
	}, nil
}

// Close flushes pending settings and closes the database connection
func (s *SQLiteStore) Close() error {
	if err := s.Save(); err != nil {
		s.logger.Error("failed to save settings on close", zap.Error(err))
	}
	return s.db.Close()
}

// Get returns the value for key. Unsaved values are visible immediately.
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	if v, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// GetInt returns the integer value for key, or def when unset or malformed.
func (s *SQLiteStore) GetInt(key string, def int) int {
	v, ok, err := s.Get(key)
	if err != nil {
		s.logger.Warn("failed to read setting", zap.String("key", key), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Warn("malformed integer setting", zap.String("key", key), zap.String("value", v))
		return def
	}
	return n
}

// GetBool returns the boolean value for key, or def when unset or malformed.
func (s *SQLiteStore) GetBool(key string, def bool) bool {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Put stages a value. It is persisted by the next Save.
func (s *SQLiteStore) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = value
}

// Save writes all staged values.
func (s *SQLiteStore) Save() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]string)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.restore(pending)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	for key, value := range pending {
		if _, err := tx.Exec(query, key, value, now); err != nil {
			tx.Rollback()
			s.restore(pending)
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.restore(pending)
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	return nil
}

// restore puts values back into the pending set unless they were overwritten
// in the meantime.
func (s *SQLiteStore) restore(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		if _, ok := s.pending[k]; !ok {
			s.pending[k] = v
		}
	}
}

// RecordInstall adds an install history record
func (s *SQLiteStore) RecordInstall(install *model.DBInstall) error {
	query := `
		INSERT INTO installs (repo, name, version, source_url, installed_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`

	if install.InstalledAt.IsZero() {
		install.InstalledAt = time.Now()
	}
	err := s.db.QueryRow(
		query,
		install.Repo,
		install.Name,
		install.Version,
		install.SourceURL,
		install.InstalledAt,
	).Scan(&install.ID)

	if err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}

	return nil
}

// ListInstalls returns install history for a repository, newest first.
// An empty repo lists every record.
func (s *SQLiteStore) ListInstalls(repo string, limit int) ([]*model.DBInstall, error) {
	query := `SELECT id, repo, name, version, source_url, installed_at FROM installs`
	var args []any
	if repo != "" {
		query += ` WHERE repo = ? COLLATE NOCASE`
		args = append(args, repo)
	}
	query += ` ORDER BY installed_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installs: %w", err)
	}
	defer rows.Close()

	var installs []*model.DBInstall
	for rows.Next() {
		install := &model.DBInstall{}
		err := rows.Scan(
			&install.ID,
			&install.Repo,
			&install.Name,
			&install.Version,
			&install.SourceURL,
			&install.InstalledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install: %w", err)
		}
		installs = append(installs, install)
	}

	return installs, rows.Err()
}
