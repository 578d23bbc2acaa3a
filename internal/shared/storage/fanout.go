package storage

import (
	"context"
	"log/slog"

	"uci-fleet/internal/shared/model"
)

// AuditFanout 审计写入主存储，并尽力同步到镜像存储（如 MongoDB）
//
// 主存储写入失败返回错误；镜像失败只记录日志。读取只走主存储。
type AuditFanout struct {
	Primary AuditStore
	Mirrors []AuditStore
	Logger  *slog.Logger
}

var _ AuditStore = (*AuditFanout)(nil)

// NewAuditFanout 创建审计扇出
func NewAuditFanout(primary AuditStore, mirrors ...AuditStore) *AuditFanout {
	return &AuditFanout{Primary: primary, Mirrors: mirrors, Logger: slog.Default()}
}

func (f *AuditFanout) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	if err := f.Primary.AppendAudit(ctx, event); err != nil {
		return err
	}
	for _, m := range f.Mirrors {
		if err := m.AppendAudit(ctx, event); err != nil && f.Logger != nil {
			f.Logger.Warn("audit mirror write failed", "event_id", event.ID, "kind", event.Kind, "error", err)
		}
	}
	return nil
}

func (f *AuditFanout) ListAudit(ctx context.Context, kind model.AuditKind, limit int) ([]*model.AuditEvent, error) {
	return f.Primary.ListAudit(ctx, kind, limit)
}

// DeploymentFanout 部署历史写入主存储，并尽力同步到镜像存储
type DeploymentFanout struct {
	Primary DeploymentStore
	Mirrors []DeploymentStore
	Logger  *slog.Logger
}

var _ DeploymentStore = (*DeploymentFanout)(nil)

// NewDeploymentFanout 创建部署历史扇出
func NewDeploymentFanout(primary DeploymentStore, mirrors ...DeploymentStore) *DeploymentFanout {
	return &DeploymentFanout{Primary: primary, Mirrors: mirrors, Logger: slog.Default()}
}

func (f *DeploymentFanout) SaveDeployment(ctx context.Context, d *model.Deployment) error {
	if err := f.Primary.SaveDeployment(ctx, d); err != nil {
		return err
	}
	for _, m := range f.Mirrors {
		if err := m.SaveDeployment(ctx, d); err != nil && f.Logger != nil {
			f.Logger.Warn("deployment mirror write failed", "deployment_id", d.ID, "phase", d.Phase, "error", err)
		}
	}
	return nil
}

func (f *DeploymentFanout) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	return f.Primary.GetDeployment(ctx, id)
}

func (f *DeploymentFanout) ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error) {
	return f.Primary.ListDeployments(ctx, limit)
}
