// Package eventbus 事件总线抽象接口
//
// 编排器把阶段迁移、设备步骤、恢复结果、漂移报告发布到事件总线，
// 当前由 Redis Streams 实现；未配置 Redis 时使用 NoOpEventBus。
package eventbus

import (
	"context"
)

// Publisher 事件发布接口
//
// 发布失败不影响编排流程，调用方只记录日志。
type Publisher interface {
	Publish(ctx context.Context, ev *FleetEvent) error
}

// EventBus 事件总线组合接口
type EventBus interface {
	Publisher
	// Events 读取 stream 中 fromID 之后的事件（fromID 为空时从头读取）
	Events(ctx context.Context, stream, fromID string, count int64) ([]*FleetEvent, error)
	Close() error
}
