// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于单机编排、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"uci-fleet/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:fleet.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// :memory: 每个连接是独立数据库，限制为单连接
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 PostgreSQL 版本等价）
const schema = `
-- devices
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
    last_seen DATETIME,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- device_groups
CREATE TABLE IF NOT EXISTS device_groups (
    name VARCHAR(128) PRIMARY KEY,
    device_ids TEXT DEFAULT '[]'
);

-- deployments
CREATE TABLE IF NOT EXISTS deployments (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    strategy VARCHAR(32),
    phase VARCHAR(32),
    result_code INTEGER DEFAULT 0,
    payload TEXT,
    created_at DATETIME,
    finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_deployments_created ON deployments(created_at);

-- audit_events
CREATE TABLE IF NOT EXISTS audit_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id VARCHAR(64) NOT NULL UNIQUE,
    kind VARCHAR(32) NOT NULL,
    timestamp DATETIME NOT NULL,
    device_id VARCHAR(64),
    deployment_id VARCHAR(64),
    summary TEXT,
    payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);

-- baselines
CREATE TABLE IF NOT EXISTS baselines (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    scope VARCHAR(128) NOT NULL DEFAULT '',
    revision VARCHAR(64),
    message TEXT,
    files TEXT,
    captured_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_baselines_scope ON baselines(scope, seq);
`
