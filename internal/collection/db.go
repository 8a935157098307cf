package collection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// OpenDB はデータベース接続を開きます。driver は sqlite3 または postgres です。
func OpenDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite は単一コネクションで書き込みを直列化する
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect %s database: %w", driver, err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		modified_at TIMESTAMP NOT NULL,
		last_polled_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collections_owner_scope ON collections (owner_id, scope_id)`,
	`CREATE TABLE IF NOT EXISTS collection_members (
		collection_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (collection_id, job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS archive_jobs (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		status TEXT NOT NULL,
		artifact_key TEXT NOT NULL DEFAULT '',
		resource_ids TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS archive_job_records (
		job_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (job_id, record_id)
	)`,
}

// Init は必要なテーブルを作成します（存在する場合は何もしません）。
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
