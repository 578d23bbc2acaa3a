// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理和方言实现，用于多人共享的编排数据库。
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"uci-fleet/internal/shared/storage/dbutil"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return query
}

func (d *Dialect) CurrentTimestamp() string {
	return "NOW()"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    id VARCHAR(64) PRIMARY KEY,
    address VARCHAR(255) NOT NULL,
    port INTEGER DEFAULT 22,
    user_name VARCHAR(64),
    key_ref TEXT,
    groups_json TEXT DEFAULT '[]',
    environment VARCHAR(64),
    deployment_order INTEGER DEFAULT 0,
    state VARCHAR(32) DEFAULT 'unknown',
    successful_deployments INTEGER DEFAULT 0,
    failed_deployments INTEGER DEFAULT 0,
    last_seen TIMESTAMPTZ,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS device_groups (
    name VARCHAR(128) PRIMARY KEY,
    device_ids TEXT DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS deployments (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    strategy VARCHAR(32),
    phase VARCHAR(32),
    result_code INTEGER DEFAULT 0,
    payload TEXT,
    created_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_deployments_created ON deployments(created_at);

CREATE TABLE IF NOT EXISTS audit_events (
    seq BIGSERIAL PRIMARY KEY,
    id VARCHAR(64) NOT NULL UNIQUE,
    kind VARCHAR(32) NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    device_id VARCHAR(64),
    deployment_id VARCHAR(64),
    summary TEXT,
    payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);

CREATE TABLE IF NOT EXISTS baselines (
    seq BIGSERIAL PRIMARY KEY,
    scope VARCHAR(128) NOT NULL DEFAULT '',
    revision VARCHAR(64),
    message TEXT,
    files TEXT,
    captured_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_baselines_scope ON baselines(scope, seq);
`
