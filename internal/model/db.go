package model

import (
	"time"
)

// DBInstall represents an install history record in the database
type DBInstall struct {
	ID          int64     `db:"id"`
	Repo        string    `db:"repo"`
	Name        string    `db:"name"`
	Version     string    `db:"version"`
	SourceURL   string    `db:"source_url"`
	InstalledAt time.Time `db:"installed_at"`
}

// Schema contains the SQL schema for the database
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repo TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    source_url TEXT NOT NULL,
    installed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_installs_repo ON installs(repo);
`
