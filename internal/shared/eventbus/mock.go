// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"strconv"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (e *NoOpEventBus) Close() error { return nil }

func (e *NoOpEventBus) Publish(ctx context.Context, ev *FleetEvent) error { return nil }

func (e *NoOpEventBus) Events(ctx context.Context, stream, fromID string, count int64) ([]*FleetEvent, error) {
	return []*FleetEvent{}, nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)

// ============================================================================
// MemoryEventBus - 进程内记录事件（用于测试和单机运行）
// ============================================================================

// MemoryEventBus 在内存中按 stream 保存事件
type MemoryEventBus struct {
	mu      sync.Mutex
	seq     int
	streams map[string][]*FleetEvent
}

// NewMemoryEventBus 创建 MemoryEventBus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{streams: make(map[string][]*FleetEvent)}
}

func (e *MemoryEventBus) Close() error { return nil }

// Publish 追加事件，ID 为递增序号
func (e *MemoryEventBus) Publish(_ context.Context, ev *FleetEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	c := *ev
	c.ID = strconv.Itoa(e.seq)
	stream := StreamFor(ev)
	e.streams[stream] = append(e.streams[stream], &c)
	if n := len(e.streams[stream]); n > MaxStreamLength {
		e.streams[stream] = e.streams[stream][n-MaxStreamLength:]
	}
	return nil
}

// Events 读取 fromID 之后的事件
func (e *MemoryEventBus) Events(_ context.Context, stream, fromID string, count int64) ([]*FleetEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from, _ := strconv.Atoi(fromID)
	var out []*FleetEvent
	for _, ev := range e.streams[stream] {
		if id, _ := strconv.Atoi(ev.ID); id <= from {
			continue
		}
		c := *ev
		out = append(out, &c)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Types 返回 stream 中事件类型序列（测试断言用）
func (e *MemoryEventBus) Types(stream string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.streams[stream]))
	for _, ev := range e.streams[stream] {
		out = append(out, ev.Type)
	}
	return out
}

var _ EventBus = (*MemoryEventBus)(nil)
