// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/memory）负责将底层错误转换为这些领域错误。
package storage

import "uci-fleet/internal/shared/storagetypes"

// 从 storagetypes 包重导出
var (
	ErrNotFound  = storagetypes.ErrNotFound
	ErrConflict  = storagetypes.ErrConflict
	ErrDuplicate = storagetypes.ErrDuplicate
)
