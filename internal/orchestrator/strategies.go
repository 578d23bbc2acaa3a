package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/uci"
)

// StandbyGroup blue-green 部署中标记备用设备的分组
const StandbyGroup = "standby"

// execute 按策略部署，返回是否全部设备成功
func (r *run) execute(ctx context.Context, devices []*model.Device) bool {
	var ok bool
	switch r.cfg.Strategy {
	case model.StrategyCanary:
		ok = r.canary(ctx, devices)
	case model.StrategyParallel:
		ok = r.parallel(ctx, devices, r.cfg.ParallelLimit)
	case model.StrategyBlueGreen:
		ok = r.blueGreen(ctx, devices)
	default:
		ok = r.rolling(ctx, devices)
	}
	if err := ctx.Err(); err != nil {
		r.fail("deployment aborted: " + err.Error())
		return false
	}
	return ok
}

// rolling 按部署顺序逐台执行，第一台失败即停止，其余设备保持 pending
func (r *run) rolling(ctx context.Context, devices []*model.Device) bool {
	for _, dev := range devices {
		if ctx.Err() != nil {
			return false
		}
		if res := r.deployToDevice(ctx, dev); !res.Succeeded() {
			r.fail(fmt.Sprintf("device %s failed at %s, rollout stopped", dev.ID, failedAt(res)))
			return false
		}
	}
	return true
}

// parallel 并发执行，同时在途的设备数不超过 limit
func (r *run) parallel(ctx context.Context, devices []*model.Device, limit int) bool {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, dev := range devices {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r.deployToDevice(ctx, dev)
			return nil
		})
	}
	g.Wait()

	var failed []string
	for _, dev := range devices {
		if res := r.result(dev.ID); res != nil && res.Status != model.DeviceDeployPending && !res.Succeeded() {
			failed = append(failed, dev.ID)
		}
	}
	if len(failed) > 0 {
		r.fail("devices failed: " + strings.Join(failed, ","))
	}
	return r.allSucceeded(devices)
}

// CanaryCount 金丝雀设备数：按百分比四舍五入，至少 1 台，不超过总数
func CanaryCount(total int, percentage float64) int {
	if total == 0 {
		return 0
	}
	n := int(math.Round(float64(total) * percentage / 100))
	return min(max(n, 1), total)
}

// canary 先并发部署金丝雀子集，观察期后校验健康，全部通过才滚动部署其余设备
func (r *run) canary(ctx context.Context, devices []*model.Device) bool {
	n := CanaryCount(len(devices), r.cfg.CanaryPercentage)
	canaries, rest := devices[:n], devices[n:]
	r.log.Info("Canary rollout", "canaries", n, "remaining", len(rest), "soak", r.cfg.CanarySoak)

	if !r.parallel(ctx, canaries, len(canaries)) {
		r.fail("canary deployment failed")
		return false
	}
	if err := r.o.sleeper.Sleep(ctx, r.cfg.CanarySoak); err != nil {
		r.fail("canary soak interrupted: " + err.Error())
		return false
	}
	if unhealthy := r.checkHealth(ctx, canaries); len(unhealthy) > 0 {
		r.fail("canary health check failed: " + strings.Join(unhealthy, ","))
		return false
	}
	return r.rolling(ctx, rest)
}

// blueGreen 先部署备用集合并校验健康，全部通过后再部署活动集合
//
// 备用集合为 standby 分组中的目标设备；没有时取部署顺序的后一半。
func (r *run) blueGreen(ctx context.Context, devices []*model.Device) bool {
	standby, active := SplitBlueGreen(devices)
	r.log.Info("Blue-green rollout", "standby", len(standby), "active", len(active))

	if !r.parallel(ctx, standby, r.cfg.ParallelLimit) {
		r.fail("standby deployment failed, active set untouched")
		return false
	}
	if unhealthy := r.checkHealth(ctx, standby); len(unhealthy) > 0 {
		r.fail("standby health check failed, active set untouched: " + strings.Join(unhealthy, ","))
		return false
	}
	return r.parallel(ctx, active, r.cfg.ParallelLimit)
}

// SplitBlueGreen 划分备用与活动集合，均保持部署顺序
func SplitBlueGreen(devices []*model.Device) (standby, active []*model.Device) {
	for _, dev := range devices {
		if dev.InGroup(StandbyGroup) {
			standby = append(standby, dev)
		} else {
			active = append(active, dev)
		}
	}
	if len(standby) > 0 {
		return standby, active
	}
	half := len(devices) / 2
	return devices[half:], devices[:half]
}

func failedAt(res *model.DeviceDeployResult) string {
	if step := res.FailedStep(); step != "" {
		return step
	}
	return string(res.Status)
}

// ============================================================================
// 健康检查
// ============================================================================

// DeviceHealth 连接设备并运行一轮健康检查
func (o *Orchestrator) DeviceHealth(ctx context.Context, dev *model.Device) (*model.HealthStatus, error) {
	s, err := o.dialer.Open(dev)
	if err != nil {
		return nil, err
	}
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	status := o.monitors(dev, s).Check(ctx)
	o.metrics.RecordHealthCheck(string(status.OverallState))
	return status, nil
}

// checkHealth 并发检查一组设备，返回未通过的设备 ID（保持顺序）
func (r *run) checkHealth(ctx context.Context, devices []*model.Device) []string {
	ok := make([]bool, len(devices))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.ParallelLimit, 1))
	for i, dev := range devices {
		g.Go(func() error {
			status, err := r.o.DeviceHealth(ctx, dev)
			switch {
			case err != nil:
				r.log.Warn("Health check could not reach device", "device_id", dev.ID, "error", err)
			case !status.OverallState.Acceptable():
				r.log.Warn("Device unhealthy", "device_id", dev.ID, "state", status.OverallState, "failed_tests", status.FailedTests())
			default:
				ok[i] = true
			}
			return nil
		})
	}
	g.Wait()
	var unhealthy []string
	for i, dev := range devices {
		if !ok[i] {
			unhealthy = append(unhealthy, dev.ID)
		}
	}
	return unhealthy
}

// ============================================================================
// Verification 与 Rollback 阶段
// ============================================================================

// verify 重新检查成功设备：可达且配置存储可读，要求健康检查时还需健康
func (r *run) verify(ctx context.Context, devices []*model.Device) bool {
	targets := r.succeeded(devices)
	failed := make([]bool, len(targets))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.ParallelLimit, 1))
	for i, dev := range targets {
		g.Go(func() error {
			if err := r.reach(ctx, dev); err != nil {
				r.log.Warn("Verification failed", "device_id", dev.ID, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	g.Wait()

	var bad []string
	for i, dev := range targets {
		if failed[i] {
			bad = append(bad, dev.ID)
		}
	}
	if r.cfg.HealthCheck {
		bad = append(bad, r.checkHealth(ctx, subtract(targets, bad))...)
	}
	for _, id := range bad {
		if err := r.o.registry.SetState(context.WithoutCancel(ctx), id, model.DeviceStateFailed, false); err != nil {
			r.log.Warn("Failed to update device state", "device_id", id, "error", err)
		}
	}
	if len(bad) > 0 {
		r.fail("verification failed: " + strings.Join(bad, ","))
		return false
	}
	return true
}

func (r *run) reach(ctx context.Context, dev *model.Device) error {
	s, err := r.o.dialer.Open(dev)
	if err != nil {
		return err
	}
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	_, err = remote.Run(ctx, s, verifyCommand, r.o.cmdTimeout)
	return err
}

func subtract(devices []*model.Device, ids []string) []*model.Device {
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		skip[id] = true
	}
	var out []*model.Device
	for _, dev := range devices {
		if !skip[dev.ID] {
			out = append(out, dev)
		}
	}
	return out
}

// rollback 把已成功的设备恢复到部署前备份，结果记入 Deployment.Rollbacks
//
// 设备结果保持不变；返回是否全部恢复成功。
func (r *run) rollback(ctx context.Context, devices []*model.Device) bool {
	targets := r.succeeded(devices)
	if r.cfg.DryRun || len(targets) == 0 {
		return true
	}
	r.log.Warn("Rolling back succeeded devices", "devices", len(targets))

	// 回滚阶段不受部署超时约束
	rctx := context.WithoutCancel(ctx)
	var mu sync.Mutex
	results := make(map[string]model.StepResult, len(targets))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.ParallelLimit, 1))
	for _, dev := range targets {
		g.Go(func() error {
			sr := r.revert(rctx, dev)
			mu.Lock()
			results[dev.ID] = sr
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	ok := true
	r.mu.Lock()
	if r.d.Rollbacks == nil {
		r.d.Rollbacks = make(map[string]model.StepResult, len(results))
	}
	for id, sr := range results {
		r.d.Rollbacks[id] = sr
		ok = ok && sr.Success
	}
	if err := r.saveLocked(ctx); err != nil {
		r.log.Warn("Failed to persist rollback results", "error", err)
	}
	r.mu.Unlock()
	if !ok {
		r.fail("rollback incomplete")
	}
	return ok
}

// revert 从设备本地备份恢复配置并重载
func (r *run) revert(ctx context.Context, dev *model.Device) model.StepResult {
	sr := model.StepResult{Name: model.StepRollback, StartedAt: time.Now()}
	res := r.result(dev.ID)
	err := func() error {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
		defer cancel()
		s, err := r.o.dialer.Open(dev)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		if err := s.Connect(dctx); err != nil {
			return err
		}
		_, err = remote.Run(dctx, s, uci.RestoreCommand(res.BackupPath), r.o.cmdTimeout)
		return err
	}()
	sr.Duration = time.Since(sr.StartedAt)
	sr.Success = err == nil

	state := model.DeviceStateHealthy
	if err != nil {
		sr.Error = err.Error()
		state = model.DeviceStateFailed
	} else {
		sr.Output = "restored " + res.BackupPath
	}
	r.o.metrics.RecordStep(model.StepRollback, sr.Success)
	r.log.StepLog(dev.ID, model.StepRollback, sr.Success, err)
	if err := r.o.registry.SetState(ctx, dev.ID, state, sr.Success); err != nil {
		r.log.Warn("Failed to update device state", "device_id", dev.ID, "error", err)
	}
	return sr
}
