package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/uci"
)

var errNoBackup = errors.New("no backup available for rollback")

// 恢复动作名称
const (
	ActionStopService    = "stop_service"
	ActionRestoreBackup  = "restore_backup"
	ActionReloadConfig   = "reload_config"
	ActionRestartService = "restart_service"
	ActionStabilize      = "stabilize"
	ActionVerify         = "verify_connectivity"
	ActionHealthCheck    = "health_check"
	ActionBackoff        = "backoff"
	ActionRetry          = "retry"
)

// step 执行一个恢复动作并记入 outcome
func (e *Engine) step(out *model.RecoveryOutcome, action, target string, fn func() error) bool {
	start := time.Now()
	err := fn()
	s := model.RecoveryStep{Action: action, Target: target, Success: err == nil, Elapsed: time.Since(start)}
	if err != nil {
		s.Error = err.Error()
		e.logger.Warn("recovery step failed", "action", action, "target", target, "error", err)
	} else {
		e.logger.Debug("recovery step", "action", action, "target", target)
	}
	out.Steps = append(out.Steps, s)
	return err == nil
}

// cancelled 恢复被中途取消，设备状态未知
func cancelled(out *model.RecoveryOutcome) {
	out.Severity = model.SeverityManualIntervention
	out.Summary = "recovery cancelled, device state unknown"
}

func (e *Engine) services(opCtx model.OperationContext) []string {
	if len(opCtx.AffectedServices) > 0 {
		return opCtx.AffectedServices
	}
	return e.cfg.Services
}

func (e *Engine) exec(ctx context.Context, x *deviceExec, cmd string) func() error {
	return func() error {
		_, err := x.run(ctx, cmd)
		return err
	}
}

func (e *Engine) pause(ctx context.Context, out *model.RecoveryOutcome) bool {
	return e.step(out, ActionStabilize, e.cfg.StabilizationPause.String(), func() error {
		return e.sleeper.Sleep(ctx, e.cfg.StabilizationPause)
	})
}

// immediateRollback 停服务、从备份恢复、重载配置、按原顺序重启服务、校验连通性
//
// 任一步失败都判定回滚失败，outcome 升级为人工介入。
func (e *Engine) immediateRollback(ctx context.Context, opCtx model.OperationContext, x *deviceExec, out *model.RecoveryOutcome) {
	services := e.services(opCtx)
	ok := true

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		ok = e.step(out, ActionStopService, svc, e.exec(ctx, x, "/etc/init.d/"+svc+" stop")) && ok
	}

	restore := func() error { return errNoBackup }
	if opCtx.BackupPath != "" {
		restore = e.exec(ctx, x, uci.ExtractCommand(opCtx.BackupPath))
	}
	ok = e.step(out, ActionRestoreBackup, opCtx.BackupPath, restore) && ok
	ok = e.step(out, ActionReloadConfig, "", e.exec(ctx, x, uci.ReloadCommand)) && ok

	for _, svc := range services {
		ok = e.step(out, ActionRestartService, svc, e.exec(ctx, x, "/etc/init.d/"+svc+" restart")) && ok
	}

	ok = e.pause(ctx, out) && ok
	ok = e.step(out, ActionVerify, opCtx.DeviceID, e.exec(ctx, x, e.verifyCmd)) && ok

	out.Success = ok
	out.RolledBack = ok
	if ok {
		out.Summary = "configuration rolled back from " + opCtx.BackupPath
		return
	}
	out.Severity = model.SeverityManualIntervention
	out.Escalated = true
	out.Summary = "rollback failed, manual intervention required"
}

// gradualRollback 逐个重启服务，每个服务后稳定等待并做健康检查；
// 第一个检查失败的服务把整个恢复升级为立即回滚。
func (e *Engine) gradualRollback(ctx context.Context, opCtx model.OperationContext, x *deviceExec, out *model.RecoveryOutcome) {
	for _, svc := range e.services(opCtx) {
		restarted := e.step(out, ActionRestartService, svc, e.exec(ctx, x, "/etc/init.d/"+svc+" restart"))
		if !e.pause(ctx, out) {
			cancelled(out)
			return
		}
		healthy := restarted && e.step(out, ActionHealthCheck, svc, func() error {
			if _, err := x.run(ctx, "/etc/init.d/"+svc+" running"); err != nil {
				return fmt.Errorf("service %s not running: %w", svc, err)
			}
			_, err := x.run(ctx, e.verifyCmd)
			return err
		})
		if !healthy {
			e.logger.Warn("service unhealthy after restart, escalating to immediate rollback", "service", svc)
			e.immediateRollback(ctx, opCtx, x, out)
			out.Escalated = true
			return
		}
	}
	out.Success = true
	out.Summary = "services restarted and healthy"
}

// retryWithBackoff 第 n 次尝试前等待 base*2^(n-1)，用尽后升级为立即回滚
func (e *Engine) retryWithBackoff(ctx context.Context, opCtx model.OperationContext, x *deviceExec, out *model.RecoveryOutcome) {
	retry := opCtx.Retry
	if retry == nil {
		retry = e.exec(ctx, x, e.verifyCmd)
	}

	for n := 1; n <= e.cfg.MaxRetries; n++ {
		delay := e.cfg.BaseDelay << (n - 1)
		if !e.step(out, ActionBackoff, delay.String(), func() error { return e.sleeper.Sleep(ctx, delay) }) {
			cancelled(out)
			return
		}
		out.Attempts = n
		if e.step(out, ActionRetry, fmt.Sprintf("attempt %d", n), retry) {
			out.Success = true
			out.Summary = fmt.Sprintf("succeeded on attempt %d", n)
			return
		}
	}

	e.logger.Warn("retries exhausted, escalating to immediate rollback", "attempts", e.cfg.MaxRetries)
	e.immediateRollback(ctx, opCtx, x, out)
	out.Escalated = true
}
