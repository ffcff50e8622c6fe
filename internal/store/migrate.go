package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// Times are stored as INTEGER unix milliseconds (UTC) so due-work queries
// compare numbers, not formatted strings.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: conversations, messages, scheduled_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			tenant             TEXT NOT NULL,
			counterpart        TEXT NOT NULL,
			responder_enabled  INTEGER NOT NULL DEFAULT 1,
			summary_index      INTEGER NOT NULL DEFAULT 0,
			summary_text       TEXT NOT NULL DEFAULT '',
			summary_facts      TEXT NOT NULL DEFAULT '{}',
			summary_stage      TEXT NOT NULL DEFAULT '',
			tokens_saved       INTEGER NOT NULL DEFAULT 0,
			summary_updated_at INTEGER NOT NULL DEFAULT 0,
			summary_version    INTEGER NOT NULL DEFAULT 0,
			message_count      INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL,
			UNIQUE(tenant, counterpart)
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_summary ON conversations(tenant, summary_updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			direction       TEXT NOT NULL,
			body            TEXT NOT NULL DEFAULT '',
			sent_by         TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			UNIQUE(conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS scheduled_messages (
			id                 TEXT PRIMARY KEY,
			conversation_id    TEXT NOT NULL DEFAULT '',
			counterpart        TEXT NOT NULL,
			tenant             TEXT NOT NULL,
			kind               TEXT NOT NULL,
			content            TEXT NOT NULL DEFAULT '',
			generation_context TEXT NOT NULL DEFAULT '',
			scheduled_for      INTEGER NOT NULL,
			trigger_event      TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			retry_count        INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 3,
			next_retry_at      INTEGER,
			sent_at            INTEGER,
			error_message      TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_messages(status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_scheduled_retry ON scheduled_messages(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_counterpart ON scheduled_messages(tenant, counterpart, kind);
		`,
	},
	{
		Version:     2,
		Description: "v2: tenant_summaries",
		SQL: `
		CREATE TABLE IF NOT EXISTS tenant_summaries (
			tenant                TEXT PRIMARY KEY,
			text                  TEXT NOT NULL DEFAULT '',
			insights              TEXT NOT NULL DEFAULT '[]',
			stage                 TEXT NOT NULL DEFAULT '',
			conversations_covered INTEGER NOT NULL DEFAULT 0,
			cursor                INTEGER NOT NULL DEFAULT 0,
			version               INTEGER NOT NULL DEFAULT 0,
			updated_at            INTEGER NOT NULL DEFAULT 0
		);
		`,
	},
	{
		Version:     3,
		Description: "v3: summary write sequence for tenant aggregation",
		SQL: `
		ALTER TABLE conversations ADD COLUMN summary_seq INTEGER NOT NULL DEFAULT 0;
		UPDATE conversations SET summary_seq = (
			SELECT COUNT(*) FROM conversations c
			WHERE c.summary_updated_at > 0 AND (c.summary_updated_at < conversations.summary_updated_at
				OR (c.summary_updated_at = conversations.summary_updated_at AND c.id <= conversations.id))
		) WHERE summary_updated_at > 0;
		CREATE INDEX IF NOT EXISTS idx_conversations_summary_seq ON conversations(tenant, summary_seq);
		ALTER TABLE tenant_summaries ADD COLUMN cursor_seq INTEGER NOT NULL DEFAULT 0;
		UPDATE tenant_summaries SET cursor_seq = COALESCE((
			SELECT MAX(c.summary_seq) FROM conversations c
			WHERE c.tenant = tenant_summaries.tenant AND c.summary_updated_at > 0
				AND c.summary_updated_at <= tenant_summaries.cursor
		), 0);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // no table yet
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
