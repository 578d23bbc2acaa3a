package drift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/google/uuid"

	"uci-fleet/internal/shared/model"
)

// ============================================================================
// 修复计划
// ============================================================================

// CreateRemediationPlan 根据漂移报告生成修复计划
//
// 修改与删除的文件从基线版本恢复，新文件删除，最后重载配置。
// Critical 级别始终需要批准；未开启 auto_remediation 时所有计划都需要批准。
func (t *Tracker) CreateRemediationPlan(report *model.DriftReport) *model.RemediationPlan {
	plan := &model.RemediationPlan{
		ID:               uuid.NewString(),
		ReportID:         report.ID,
		Scope:            t.scope,
		BaselineRevision: report.BaselineRevision,
		CreatedAt:        time.Now(),
		Severity:         report.Severity,
	}
	if !report.DriftDetected {
		plan.NoChanges = true
		plan.Approved = true
		return plan
	}

	restore := slices.Concat(report.ChangedFiles, report.DeletedFiles)
	slices.Sort(restore)
	for _, name := range restore {
		fd := report.Analysis[name]
		plan.Steps = append(plan.Steps, model.RemediationStep{
			File:        name,
			Action:      model.RemediateRestore,
			Description: fmt.Sprintf("restore %s from baseline %s", name, shortRev(report.BaselineRevision)),
			Critical:    fd.Severity.AtLeast(model.SeverityHigh),
		})
	}
	for _, name := range report.NewFiles {
		fd := report.Analysis[name]
		plan.Steps = append(plan.Steps, model.RemediationStep{
			File:        name,
			Action:      model.RemediateRemove,
			Description: fmt.Sprintf("remove unexpected file %s", name),
			Critical:    fd.Severity.AtLeast(model.SeverityHigh),
		})
	}
	plan.Steps = append(plan.Steps, model.RemediationStep{
		Action:      model.RemediateReload,
		Description: "reload configuration",
		Critical:    true,
	})
	for i := range plan.Steps {
		plan.Steps[i].Order = i + 1
	}

	// 回滚计划：逆序写回修复前内容，再重载
	for i := len(plan.Steps) - 2; i >= 0; i-- {
		s := plan.Steps[i]
		plan.RollbackSteps = append(plan.RollbackSteps, model.RemediationStep{
			File:        s.File,
			Action:      model.RemediateRevert,
			Description: fmt.Sprintf("revert %s to pre-remediation content", s.File),
		})
	}
	plan.RollbackSteps = append(plan.RollbackSteps, model.RemediationStep{
		Action:      model.RemediateReload,
		Description: "reload configuration",
	})
	for i := range plan.RollbackSteps {
		plan.RollbackSteps[i].Order = i + 1
	}

	plan.ApprovalRequired = report.Severity == model.SeverityCritical || !t.autoRemediate
	plan.Approved = !plan.ApprovalRequired
	return plan
}

// Approve 操作员批准计划
func Approve(plan *model.RemediationPlan) {
	plan.Approved = true
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// ============================================================================
// 修复执行
// ============================================================================

// ExecuteRemediation 执行修复计划
//
// 当前已同步时为无操作；关键步骤失败会先执行回滚。
// 执行后重新检测：无漂移为 InSync 并重新捕获基线，部分修复为 Remediated，否则 Drifted。
func (t *Tracker) ExecuteRemediation(ctx context.Context, plan *model.RemediationPlan) (*model.RemediationResult, error) {
	if plan.Scope != "" && plan.Scope != t.scope {
		return nil, ErrScopeMismatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	result := &model.RemediationResult{PlanID: plan.ID, StepResults: []model.StepResult{}}

	if !plan.NoChanges {
		current, err := t.detect(ctx)
		if err != nil {
			return nil, err
		}
		if !current.DriftDetected {
			plan.NoChanges = true
		}
	}
	if plan.NoChanges {
		result.NoChanges = true
		result.Status = model.SyncInSync
		result.Message = "configuration already in sync, no changes required"
		result.Duration = time.Since(start)
		return result, nil
	}

	if plan.ApprovalRequired && !plan.Approved {
		return nil, ErrApprovalRequired
	}

	saved := make(map[string][]byte)
	var applied []model.RemediationStep
	succeeded, aborted := 0, false
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			result.Message = "remediation cancelled"
			break
		}
		if err := t.remember(ctx, saved, step.File); err != nil {
			t.logger.Warn("Failed to save pre-remediation content", "file", step.File, "error", err)
		}
		sr := t.runStep(ctx, plan, step, saved)
		result.StepResults = append(result.StepResults, sr)
		result.StepsExecuted++
		if sr.Success {
			applied = append(applied, step)
			succeeded++
			continue
		}
		result.StepsFailed++
		if step.Critical {
			t.logger.Error("Critical remediation step failed, rolling back", "step", sr.Name, "error", sr.Error)
			aborted = true
			result.RolledBack = t.rollback(context.WithoutCancel(ctx), plan, applied, saved, result)
			result.Message = fmt.Sprintf("critical step %s failed: %s", sr.Name, sr.Error)
			break
		}
	}

	post, err := t.detect(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("post-remediation check: %w", err)
	}
	result.PostCheck = post
	switch {
	case !post.DriftDetected:
		result.Status = model.SyncInSync
	case succeeded > 0 && !aborted:
		result.Status = model.SyncRemediated
	default:
		result.Status = model.SyncDrifted
	}

	if result.Status == model.SyncInSync {
		if _, err := t.capture(ctx, "remediation "+plan.ID); err != nil {
			return nil, fmt.Errorf("re-capture baseline: %w", err)
		}
		if result.Message == "" {
			result.Message = "configuration restored to baseline"
		}
	}
	result.Duration = time.Since(start)

	t.metrics.RecordRemediation(string(result.Status))
	t.appendAudit(ctx, fmt.Sprintf("remediation %s: %d/%d steps", result.Status, result.StepsExecuted-result.StepsFailed, len(plan.Steps)), result)
	t.publish(ctx, map[string]any{
		"plan_id":     plan.ID,
		"status":      string(result.Status),
		"rolled_back": result.RolledBack,
		"failed":      result.StepsFailed,
	})
	t.logger.Info("Remediation finished",
		"status", result.Status,
		"executed", result.StepsExecuted,
		"failed", result.StepsFailed,
		"rolled_back", result.RolledBack,
	)
	return result, nil
}

// remember 记录文件修复前内容（不存在记为 nil），同一文件只记第一次
func (t *Tracker) remember(ctx context.Context, saved map[string][]byte, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := saved[name]; ok {
		return nil
	}
	data, err := t.source.Read(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		saved[name] = nil
		return nil
	}
	if err != nil {
		return err
	}
	saved[name] = data
	return nil
}

func (t *Tracker) runStep(ctx context.Context, plan *model.RemediationPlan, step model.RemediationStep, saved map[string][]byte) model.StepResult {
	sr := model.StepResult{Name: step.Action, StartedAt: time.Now()}
	if step.File != "" {
		sr.Name = step.Action + ":" + step.File
	}
	err := t.apply(ctx, plan, step, saved)
	sr.Duration = time.Since(sr.StartedAt)
	sr.Success = err == nil
	if err != nil {
		sr.Error = err.Error()
	}
	return sr
}

func (t *Tracker) apply(ctx context.Context, plan *model.RemediationPlan, step model.RemediationStep, saved map[string][]byte) error {
	switch step.Action {
	case model.RemediateRestore:
		data, err := t.versions.Restore(ctx, plan.BaselineRevision, step.File)
		if err != nil {
			return err
		}
		return t.source.Write(ctx, step.File, data)
	case model.RemediateRemove:
		return t.source.Remove(ctx, step.File)
	case model.RemediateReload:
		return t.source.Reload(ctx)
	case model.RemediateRevert:
		data, ok := saved[step.File]
		if !ok {
			return nil
		}
		if data == nil {
			return t.source.Remove(ctx, step.File)
		}
		return t.source.Write(ctx, step.File, data)
	}
	return fmt.Errorf("unknown remediation action %q", step.Action)
}

// rollback 只撤销已成功执行的文件步骤
func (t *Tracker) rollback(ctx context.Context, plan *model.RemediationPlan, applied []model.RemediationStep, saved map[string][]byte, result *model.RemediationResult) bool {
	touched := make(map[string]bool, len(applied))
	for _, s := range applied {
		if s.File != "" {
			touched[s.File] = true
		}
	}
	ok := true
	for _, step := range plan.RollbackSteps {
		if step.Action == model.RemediateRevert && !touched[step.File] {
			continue
		}
		sr := t.runStep(ctx, plan, step, saved)
		sr.Name = "rollback:" + sr.Name
		result.StepResults = append(result.StepResults, sr)
		if !sr.Success {
			ok = false
			t.logger.Error("Remediation rollback step failed", "step", sr.Name, "error", sr.Error)
		}
	}
	return ok
}
