// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL）、mongostore/（审计）
//   - 初始化时通过依赖注入传入实现
//
// 持久化布局（逻辑）：
//   - 设备注册表：设备记录 + 命名分组
//   - 部署历史：只追加，终态后不可修改
//   - 审计日志：只追加，每条错误/恢复/漂移/部署事件一条
//   - 基线存储：校验和映射 + 版本历史
package storage

import (
	"context"

	"uci-fleet/internal/shared/model"
)

// DeviceStore 设备注册表存储
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *model.Device) error
	// GetDevice 不存在时返回 ErrNotFound
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	DeleteDevice(ctx context.Context, id string) error

	SaveGroup(ctx context.Context, name string, deviceIDs []string) error
	ListGroups(ctx context.Context) (map[string][]string, error)
}

// DeploymentStore 部署历史存储
type DeploymentStore interface {
	// SaveDeployment 插入或更新部署；已处于终态的记录返回 ErrConflict
	SaveDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error)
}

// AuditStore 审计日志（只追加）
type AuditStore interface {
	AppendAudit(ctx context.Context, event *model.AuditEvent) error
	// ListAudit kind 为空时返回全部类别，按时间升序
	ListAudit(ctx context.Context, kind model.AuditKind, limit int) ([]*model.AuditEvent, error)
}

// BaselineStore 漂移基线存储
type BaselineStore interface {
	// SaveBaseline 整体替换 b.Scope 的当前基线，并记入历史
	SaveBaseline(ctx context.Context, b *model.Baseline) error
	// GetBaseline 该 scope 没有基线时返回 ErrNotFound
	GetBaseline(ctx context.Context, scope string) (*model.Baseline, error)
	ListBaselineHistory(ctx context.Context, scope string, limit int) ([]*model.Baseline, error)
}

// PersistentStore 持久化存储聚合接口
type PersistentStore interface {
	DeviceStore
	DeploymentStore
	AuditStore
	BaselineStore
	Close() error
}
