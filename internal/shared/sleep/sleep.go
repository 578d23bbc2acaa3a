// Package sleep 可取消的等待
//
// 退避重试、金丝雀观察期、恢复稳定等待都通过 Sleeper 完成，
// 部署被中止时等待立即返回 ctx.Err()。
package sleep

import (
	"context"
	"sync"
	"time"
)

// Sleeper 可取消的等待
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Real 基于 time.Timer 的等待
type Real struct{}

// Sleep 等待 d 或 ctx 取消
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Recorder 记录等待时长但不真正等待（测试用）
type Recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep 记录 d，ctx 已取消时返回错误
func (r *Recorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Delays 已记录的等待时长
func (r *Recorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// OrReal nil 时返回 Real
func OrReal(s Sleeper) Sleeper {
	if s == nil {
		return Real{}
	}
	return s
}
