package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/uci"
)

// 连通性测试与校验命令
const (
	probeCommand  = "echo ok"
	verifyCommand = "uci -q show >/dev/null"
)

// errHealthCheck 部署后健康检查未通过
var errHealthCheck = errors.New("health check failed")

// ============================================================================
// deployToDevice - 单设备部署
// ============================================================================

// deviceRun 单台设备一次部署尝试的上下文
type deviceRun struct {
	r      *run
	dev    *model.Device
	res    *model.DeviceDeployResult
	ctx    context.Context // 设备级超时，不随部署取消
	parent context.Context // 部署 ctx，步骤之间检查

	cancels []context.CancelFunc
}

// renewBudget 换用新的设备级超时预算
//
// 恢复在设备超时之后仍要能从备份回滚，此后的步骤沿用新预算。
func (x *deviceRun) renewBudget() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.parent), x.r.cfg.DeviceTimeout)
	x.ctx = ctx
	x.cancels = append(x.cancels, cancel)
}

func (x *deviceRun) release() {
	for _, cancel := range x.cancels {
		cancel()
	}
}

// deployToDevice connectivity_test → backup → deploy → verify → health_check
//
// 每个步骤的结果都会记录；任一步失败跳过该设备后续步骤。
// deploy/verify/health_check 失败交给恢复引擎处理（通常为从备份回滚），
// 回滚作为额外的 rollback 步骤记录。
func (r *run) deployToDevice(ctx context.Context, dev *model.Device) *model.DeviceDeployResult {
	o := r.o
	now := time.Now()
	res := &model.DeviceDeployResult{
		DeviceID:    dev.ID,
		OperationID: uuid.NewString(),
		Status:      model.DeviceDeployRunning,
		Steps:       []model.StepResult{},
		StartedAt:   &now,
	}
	r.setResult(ctx, res)
	o.metrics.DeviceStarted()
	defer o.metrics.DeviceFinished()
	if err := o.registry.SetState(context.WithoutCancel(ctx), dev.ID, model.DeviceStateUpdating, false); err != nil {
		r.log.Warn("Failed to update device state", "device_id", dev.ID, "error", err)
	}

	x := &deviceRun{r: r, dev: dev, res: res, parent: ctx}
	x.renewBudget()
	defer x.release()

	state := x.steps()
	x.finish(state)
	return res
}

// steps 执行步骤序列，返回设备最终状态
func (x *deviceRun) steps() model.DeviceState {
	r, o, res := x.r, x.r.o, x.res

	// connectivity_test
	var s remote.Session
	if !x.step(model.StepConnectivityTest, func() (string, error) {
		var err error
		s, err = x.connect()
		if err != nil {
			return "", err
		}
		out, err := remote.Run(x.ctx, s, probeCommand, o.cmdTimeout)
		return strings.TrimSpace(out.Stdout), err
	}) {
		if s != nil {
			s.Disconnect()
		}
		return model.DeviceStateUnreachable
	}
	defer func() {
		if s != nil {
			s.Disconnect()
		}
	}()

	// backup
	if !x.step(model.StepBackup, func() (string, error) {
		path := uci.BackupPath(o.cfg.BackupDir, res.OperationID)
		if _, err := remote.Run(x.ctx, s, uci.BackupCommand(path), o.cmdTimeout); err != nil {
			return "", err
		}
		res.BackupPath = path
		x.archive(s)
		return path, nil
	}) {
		return model.DeviceStateFailed
	}

	// deploy
	var applyErr error
	if !x.step(model.StepDeploy, func() (string, error) {
		out, err := x.apply(s)
		applyErr = err
		return out, err
	}) {
		if applyErr == nil {
			return model.DeviceStateFailed
		}
		if !x.recover(applyErr, func() error {
			_, err := x.apply(s)
			return err
		}) {
			return x.failedState()
		}
	}

	// verify：重新建立连接，确认设备可达且配置存储可读
	s.Disconnect()
	s = nil
	var verifyErr error
	if !x.step(model.StepVerify, func() (string, error) {
		var err error
		s, err = x.connect()
		if err == nil {
			_, err = remote.Run(x.ctx, s, verifyCommand, o.cmdTimeout)
		}
		verifyErr = err
		return "", err
	}) {
		if verifyErr == nil || !x.recover(verifyErr, nil) {
			return x.failedState()
		}
	}

	// health_check：verify 经恢复后才通过时会话不可用，跳过
	if r.cfg.HealthCheck && verifyErr == nil {
		var healthErr error
		if !x.step(model.StepHealthCheck, func() (string, error) {
			healthErr = x.healthCheck(s)
			return "", healthErr
		}) {
			if healthErr == nil || !x.recover(healthErr, nil) {
				return x.failedState()
			}
		}
	}

	if res.Status == model.DeviceDeployRunning {
		res.Status = model.DeviceDeploySucceeded
	}
	return model.DeviceStateHealthy
}

// failedState 失败后的设备状态：已回滚到备份的设备视为健康
func (x *deviceRun) failedState() model.DeviceState {
	if x.res.Status == model.DeviceDeployRolledBack {
		return model.DeviceStateHealthy
	}
	return model.DeviceStateFailed
}

// step 执行一个步骤；部署已取消时不再开始新步骤
func (x *deviceRun) step(name string, fn func() (string, error)) bool {
	r := x.r
	sr := model.StepResult{Name: name, StartedAt: time.Now()}
	var out string
	err := x.parent.Err()
	if err != nil {
		err = fmt.Errorf("deployment aborted before %s: %w", name, err)
	} else {
		out, err = fn()
	}
	sr.Duration = time.Since(sr.StartedAt)
	sr.Success = err == nil
	sr.Output = out
	if err != nil {
		sr.Error = err.Error()
	}
	x.res.Steps = append(x.res.Steps, sr)
	r.setResult(x.parent, x.res)

	r.o.metrics.RecordStep(name, sr.Success)
	r.log.StepLog(x.dev.ID, name, sr.Success, err)
	r.o.publish(x.parent, &eventbus.FleetEvent{
		Type:         eventbus.EventDeviceStep,
		DeploymentID: r.d.ID,
		DeviceID:     x.dev.ID,
		Data:         map[string]any{"step": name, "success": sr.Success, "error": sr.Error},
	})
	return sr.Success
}

func (x *deviceRun) connect() (remote.Session, error) {
	s, err := x.r.o.dialer.Open(x.dev)
	if err != nil {
		return nil, model.NewOpError(model.KindConnectivity, "connect", x.dev.ID, err)
	}
	if err := s.Connect(x.ctx); err != nil {
		return s, model.NewOpError(model.KindConnectivity, "connect", x.dev.ID, err)
	}
	return s, nil
}

// apply 下发配置；dry-run 时只校验
func (x *deviceRun) apply(s remote.Session) (string, error) {
	r := x.r
	if r.cfg.DryRun {
		problems, err := r.o.applier.ValidateConfiguration(x.ctx, r.cfg.Source)
		if err != nil {
			return "", err
		}
		if len(problems) > 0 {
			return "", model.NewOpError(model.KindConfiguration, "validate", x.dev.ID, errors.New(strings.Join(problems, "; ")))
		}
		return "dry run: configuration valid", nil
	}
	summary, err := r.o.applier.ApplyConfiguration(x.ctx, uci.Target{DeviceID: x.dev.ID, OperationID: x.res.OperationID, Session: s}, r.cfg.Source)
	if err != nil {
		return summary.Output, err
	}
	return fmt.Sprintf("committed %s (%d commands)", strings.Join(summary.Packages, ","), summary.Commands), nil
}

// archive 把备份归档到对象存储，失败只记录日志
func (x *deviceRun) archive(s remote.Session) {
	a := x.r.o.archiver
	if a == nil {
		return
	}
	var buf bytes.Buffer
	if _, err := s.Download(x.ctx, x.res.BackupPath, &buf); err != nil {
		x.r.log.Warn("Failed to download backup for archiving", "device_id", x.dev.ID, "error", err)
		return
	}
	key, err := a.ArchiveBackup(x.ctx, x.dev.ID, x.res.OperationID, &buf, int64(buf.Len()))
	if err != nil {
		x.r.log.Warn("Failed to archive backup", "device_id", x.dev.ID, "error", err)
		return
	}
	x.res.ArchiveKey = key
}

// healthCheck 运行健康检查；不可接受且开启自动恢复时先尝试网络恢复
func (x *deviceRun) healthCheck(s remote.Session) error {
	o := x.r.o
	mon := o.monitors(x.dev, s)
	status := mon.Check(x.ctx)
	o.metrics.RecordHealthCheck(string(status.OverallState))
	if status.OverallState.Acceptable() {
		return nil
	}
	if mon.ShouldTriggerRecovery(status) {
		attempt := mon.ExecuteRecovery(x.ctx)
		if attempt.Success {
			x.res.Recovered = true
			return nil
		}
	}
	return &model.OpError{
		Kind:     model.KindConnectivity,
		Type:     "HealthCheckFailed",
		Op:       model.StepHealthCheck,
		DeviceID: x.dev.ID,
		Message:  fmt.Sprintf("network %s after deployment, failed tests: %s", status.OverallState, strings.Join(status.FailedTests(), ",")),
		Err:      errHealthCheck,
	}
}

// ============================================================================
// 失败恢复
// ============================================================================

// recover 把失败交给恢复引擎，返回设备是否可以继续后续步骤
//
//	恢复成功且未回滚（重试成功 / 服务重启后健康）→ 标记 Recovered，继续
//	恢复成功且已回滚 → rolled_back，停止
//	恢复失败 → 需要人工介入，停止
//
// 未配置恢复引擎时直接从备份恢复。
func (x *deviceRun) recover(cause error, retry func() error) bool {
	r, o, res := x.r, x.r.o, x.res
	if o.recovery == nil {
		x.restoreBackup()
		return false
	}

	opCtx := model.OperationContext{
		OperationID:  res.OperationID,
		Operation:    "deploy",
		DeviceID:     x.dev.ID,
		DeploymentID: r.d.ID,
		BackupPath:   res.BackupPath,
		Retry:        retry,
	}
	if r.cfg.DryRun {
		// dry-run 没有改动设备，不需要回滚
		opCtx.BackupPath = ""
	}
	x.renewBudget()
	ok, out, err := o.recovery.HandleError(x.ctx, model.ErrorInfoFrom(cause), opCtx)
	if err != nil {
		r.log.Warn("Failed to write recovery audit", "device_id", x.dev.ID, "error", err)
	}

	switch {
	case ok && !out.RolledBack:
		res.Recovered = true
		r.log.Info("Device recovered", "device_id", x.dev.ID, "strategy", out.Strategy, "summary", out.Summary)
		return true
	case ok:
		x.record(model.StepResult{Name: model.StepRollback, Success: true, Output: out.Summary, StartedAt: out.StartedAt, Duration: out.Elapsed})
		res.Status = model.DeviceDeployRolledBack
	default:
		x.record(model.StepResult{Name: model.StepRollback, Success: false, Error: out.Summary, StartedAt: out.StartedAt, Duration: out.Elapsed})
		res.Status = model.DeviceDeployFailed
		res.ManualIntervention = true
	}
	return false
}

// restoreBackup 无恢复引擎时直接从备份恢复并重载
func (x *deviceRun) restoreBackup() {
	o, res := x.r.o, x.res
	x.renewBudget()
	sr := model.StepResult{Name: model.StepRollback, StartedAt: time.Now()}
	err := func() error {
		if res.BackupPath == "" || x.r.cfg.DryRun {
			return errors.New("no backup to restore")
		}
		s, err := x.connect()
		if s != nil {
			defer s.Disconnect()
		}
		if err != nil {
			return err
		}
		_, err = remote.Run(x.ctx, s, uci.RestoreCommand(res.BackupPath), o.cmdTimeout)
		return err
	}()
	sr.Duration = time.Since(sr.StartedAt)
	sr.Success = err == nil
	if err != nil {
		sr.Error = err.Error()
		res.Status = model.DeviceDeployFailed
		res.ManualIntervention = !x.r.cfg.DryRun
	} else {
		sr.Output = "restored " + res.BackupPath
		res.Status = model.DeviceDeployRolledBack
	}
	x.record(sr)
}

// record 追加一个不经过 step 包装的步骤结果
func (x *deviceRun) record(sr model.StepResult) {
	x.res.Steps = append(x.res.Steps, sr)
	x.r.setResult(x.parent, x.res)
	x.r.o.metrics.RecordStep(sr.Name, sr.Success)
	var err error
	if !sr.Success {
		err = errors.New(sr.Error)
	}
	x.r.log.StepLog(x.dev.ID, sr.Name, sr.Success, err)
}

// finish 固化设备结果，更新注册表中的状态与统计
func (x *deviceRun) finish(state model.DeviceState) {
	r, res := x.r, x.res
	if res.Status == model.DeviceDeployRunning {
		res.Status = model.DeviceDeployFailed
	}
	now := time.Now()
	res.FinishedAt = &now

	ok := res.Status == model.DeviceDeploySucceeded
	err := r.o.registry.Update(context.WithoutCancel(x.parent), x.dev.ID, func(d *model.Device) {
		d.State = state
		if state != model.DeviceStateUnreachable {
			d.LastSeen = &now
		}
		if r.cfg.DryRun {
			return
		}
		if ok {
			d.Stats.SuccessfulDeployments++
		} else {
			d.Stats.FailedDeployments++
		}
	})
	if err != nil {
		r.log.Warn("Failed to update device after deployment", "device_id", x.dev.ID, "error", err)
	}

	r.setResult(x.parent, res)
	r.log.Info("Device deployment finished",
		"device_id", x.dev.ID,
		"status", res.Status,
		"failed_step", res.FailedStep(),
		"recovered", res.Recovered,
	)
	r.o.publish(x.parent, &eventbus.FleetEvent{
		Type:         eventbus.EventDeviceResult,
		DeploymentID: r.d.ID,
		DeviceID:     x.dev.ID,
		Data: map[string]any{
			"status":              string(res.Status),
			"failed_step":         res.FailedStep(),
			"recovered":           res.Recovered,
			"manual_intervention": res.ManualIntervention,
		},
	})
}
