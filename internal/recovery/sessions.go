package recovery

import (
	"context"
	"fmt"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
)

// SessionProvider 为恢复动作提供已连接的设备会话
//
// release 由调用方在用完后调用。
type SessionProvider interface {
	Acquire(ctx context.Context, deviceID string) (s remote.Session, release func(), err error)
}

// DeviceLookup 按 ID 查找设备
type DeviceLookup func(ctx context.Context, deviceID string) (*model.Device, error)

// DialerSessions 每次恢复新建一条连接
type DialerSessions struct {
	Dialer remote.Dialer
	Lookup DeviceLookup
}

// Acquire 查找设备、打开并连接会话
func (d DialerSessions) Acquire(ctx context.Context, deviceID string) (remote.Session, func(), error) {
	if deviceID == "" {
		return nil, nil, fmt.Errorf("no device in operation context")
	}
	device, err := d.Lookup(ctx, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	s, err := d.Dialer.Open(device)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Disconnect() }, nil
}
