package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			progress INT NOT NULL,
			total_emails INT NOT NULL,
			processed_emails INT NOT NULL,
			providers TEXT NOT NULL,
			options TEXT NOT NULL,
			error TEXT NOT NULL,
			retryable BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_jobs_user (user_id, created_at),
			INDEX idx_jobs_status (status, updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS job_results (
			job_id VARCHAR(64) NOT NULL,
			message_id VARCHAR(255) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			subject TEXT NOT NULL,
			sender VARCHAR(512) NOT NULL,
			received_at BIGINT NOT NULL,
			position INT NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			analysis MEDIUMTEXT,
			PRIMARY KEY (job_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS priority_overrides (
			user_id VARCHAR(255) NOT NULL,
			message_id VARCHAR(255) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, message_id)
		)`,
	},
	upsertTail: func(keys, cols []string) string {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = VALUES(" + c + ")"
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	},
}

// NewMySQLStore connects to MySQL and creates the schema if needed
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	s, err := newSQLStore(db, mysqlDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
