package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// MySQLCache is a MySQL-backed core.CacheStore, shared across instances
type MySQLCache struct {
	*sqlCache
}

// NewMySQLCache creates a new MySQL cache
func NewMySQLCache(dsn string, logger *zap.Logger, cleanupFreq time.Duration) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key VARCHAR(512) PRIMARY KEY,
			value MEDIUMBLOB NOT NULL,
			written_at BIGINT NOT NULL,
			ttl_seconds BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			INDEX idx_cache_expires_at (expires_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	upsert := `
		INSERT INTO cache_entries (cache_key, value, written_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			written_at = VALUES(written_at),
			ttl_seconds = VALUES(ttl_seconds),
			expires_at = VALUES(expires_at)
	`
	return &MySQLCache{sqlCache: newSQLCache(db, upsert, logger, cleanupFreq)}, nil
}
