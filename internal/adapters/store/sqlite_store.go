package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL,
			total_emails INTEGER NOT NULL,
			processed_emails INTEGER NOT NULL,
			providers TEXT NOT NULL,
			options TEXT NOT NULL,
			error TEXT NOT NULL,
			retryable BOOLEAN NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS job_results (
			job_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			subject TEXT NOT NULL,
			sender TEXT NOT NULL,
			received_at INTEGER NOT NULL,
			position INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			analysis TEXT,
			PRIMARY KEY (job_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS priority_overrides (
			user_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			priority TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, message_id)
		)`,
	},
	upsertTail: func(keys, cols []string) string {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = excluded." + c
		}
		return "ON CONFLICT(" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
	},
}

// NewSQLiteStore opens (creating if needed) a SQLite job store
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(db, sqliteDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
