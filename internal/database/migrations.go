package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS content (
    content_id TEXT NOT NULL,
    tone TEXT NOT NULL,
    language TEXT NOT NULL,
    content_type TEXT NOT NULL,
    title TEXT,
    body TEXT NOT NULL,
    metadata TEXT,
    origin TEXT NOT NULL DEFAULT 'authored',
    confidence REAL,
    updated_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (content_id, tone, language)
);

CREATE TABLE IF NOT EXISTS source_documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT NOT NULL,
    source TEXT,
    published_date TEXT,
    content TEXT,
    content_fetched INTEGER DEFAULT 0,
    collected_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    tone TEXT NOT NULL,
    scenario_id TEXT NOT NULL,
    confidence TEXT NOT NULL,
    outcome TEXT NOT NULL,
    deliverable INTEGER NOT NULL DEFAULT 0,
    fact_check_score REAL,
    fact_check_passed INTEGER DEFAULT 0,
    body_markdown TEXT NOT NULL,
    report_json TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_records (
    report_id TEXT PRIMARY KEY REFERENCES reports(id),
    session_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    record_json TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_content_type ON content(content_type);
CREATE INDEX IF NOT EXISTS idx_source_documents_url ON source_documents(url);
CREATE INDEX IF NOT EXISTS idx_reports_session ON reports(session_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "gap resolution log",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS gap_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    content_id TEXT NOT NULL,
    tone TEXT NOT NULL,
    language TEXT NOT NULL,
    state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    confidence REAL,
    warning TEXT,
    error TEXT,
    recorded_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_gap_results_run ON gap_results(run_id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
