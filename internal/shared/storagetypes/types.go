// Package storagetypes 定义存储层共享错误与类型
//
// 独立包，避免循环导入：storage 接口包、repository、mongostore 都依赖它。
package storagetypes

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突，或试图修改已进入终态的记录
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// DefaultListLimit 列表查询未指定 limit 时的默认值
const DefaultListLimit = 100

// NormalizeLimit 规范化 limit 参数
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
