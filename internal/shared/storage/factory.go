// Package storage 多数据库工厂
//
// 使用 NewPersistentStore(driverType, dsn) 创建支持多种数据库的存储：
//   - memory：进程内存，进程退出即丢失
//   - sqlite：单机编排默认选项
//   - postgres：多人共享的编排数据库
package storage

import (
	"fmt"

	"uci-fleet/internal/shared/storage/dbutil"
	pgdriver "uci-fleet/internal/shared/storage/driver/postgres"
	sqlitedriver "uci-fleet/internal/shared/storage/driver/sqlite"
	"uci-fleet/internal/shared/storage/repository"
)

// RepositoryStore 是 repository.Store 的类型别名
type RepositoryStore = repository.Store

var _ PersistentStore = (*RepositoryStore)(nil)

// NewSQLiteStore 创建 SQLite 存储（含自动建表）
func NewSQLiteStore(dsn string) (*RepositoryStore, error) {
	db, err := sqlitedriver.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := sqlitedriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// NewPostgresStore 创建 PostgreSQL 存储（含自动建表）
func NewPostgresStore(dsn string) (*RepositoryStore, error) {
	db, err := pgdriver.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := pgdriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres auto-migrate failed: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// NewPersistentStore 根据驱动类型和 DSN 创建持久化存储
func NewPersistentStore(driver dbutil.DriverType, dsn string) (PersistentStore, error) {
	switch driver {
	case dbutil.DriverMemory:
		return NewMemoryStore(), nil
	case dbutil.DriverSQLite:
		return NewSQLiteStore(dsn)
	case dbutil.DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
