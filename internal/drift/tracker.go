// Package drift 配置漂移跟踪
//
// Tracker 对一个配置集合（本机或单台设备的 /etc/config）维护校验和基线，
// 检测漂移并按文件关键程度分级，生成并执行修复计划。
// 基线内容同时提交到 git 版本库（gitstore），用于结构化差异和修复时取回原文件。
package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"uci-fleet/internal/config"
	"uci-fleet/internal/metrics"
	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/pkg/logging"
)

// LocalScope 本机配置集合的 scope
const LocalScope = "local"

var (
	// ErrNoBaseline 尚未捕获基线
	ErrNoBaseline = errors.New("no baseline captured")
	// ErrApprovalRequired 修复计划需要操作员批准
	ErrApprovalRequired = errors.New("remediation plan requires approval")
	// ErrScopeMismatch 计划不属于该 Tracker
	ErrScopeMismatch = errors.New("remediation plan belongs to another scope")
)

// VersionStore 基线内容的版本库
type VersionStore interface {
	// Snapshot 让工作区与 files 一致
	Snapshot(ctx context.Context, files map[string][]byte) error
	Commit(ctx context.Context, message string) (string, error)
	CurrentRevision(ctx context.Context) (string, error)
	// DiffSince 比较 revision 中的文件与工作区
	DiffSince(ctx context.Context, revision, name string) (model.FileDiff, error)
	Restore(ctx context.Context, revision, name string) ([]byte, error)
}

// Option Tracker 可选项
type Option func(*Tracker)

// WithAudit 设置审计日志
func WithAudit(a storage.AuditStore) Option {
	return func(t *Tracker) { t.audit = a }
}

// WithPublisher 设置事件发布
func WithPublisher(p eventbus.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func withLock(mu *sync.Mutex) Option {
	return func(t *Tracker) { t.mu = mu }
}

// Tracker 单个配置集合的漂移跟踪器
//
// 捕获、检测、修复互斥执行（单写者）。
type Tracker struct {
	scope     string
	source    FileSource
	versions  VersionStore
	baselines storage.BaselineStore
	audit     storage.AuditStore
	publisher eventbus.Publisher
	metrics   *metrics.Metrics
	logger    *logging.Logger

	tracked       []string
	floor         model.Severity
	autoRemediate bool

	mu *sync.Mutex
}

// NewTracker 创建跟踪器
func NewTracker(scope string, source FileSource, versions VersionStore, baselines storage.BaselineStore, cfg config.DriftConfig, opts ...Option) (*Tracker, error) {
	floor := model.SeverityMedium
	if cfg.SeverityFloor != "" {
		sev, ok := model.ParseSeverity(cfg.SeverityFloor)
		if !ok {
			return nil, fmt.Errorf("unknown severity floor %q", cfg.SeverityFloor)
		}
		floor = sev
	}
	if scope == "" {
		scope = LocalScope
	}
	t := &Tracker{
		scope:         scope,
		source:        source,
		versions:      versions,
		baselines:     baselines,
		logger:        logging.Default("drift"),
		tracked:       slices.Clone(cfg.TrackedFiles),
		floor:         floor,
		autoRemediate: cfg.AutoRemediation,
		mu:            &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithDeviceID(scope)
	return t, nil
}

// Scope 配置集合标识
func (t *Tracker) Scope() string {
	return t.scope
}

// ============================================================================
// 基线
// ============================================================================

// CaptureBaseline 计算所有受跟踪文件的校验和，提交到版本库并保存为新基线
func (t *Tracker) CaptureBaseline(ctx context.Context, message string) (*model.Baseline, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capture(ctx, message)
}

// Accept 把当前状态接受为新基线
func (t *Tracker) Accept(ctx context.Context, message string) (*model.Baseline, error) {
	if message == "" {
		message = "accept current configuration"
	}
	return t.CaptureBaseline(ctx, message)
}

// Baseline 当前基线
func (t *Tracker) Baseline(ctx context.Context) (*model.Baseline, error) {
	b, err := t.baselines.GetBaseline(ctx, t.scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoBaseline
	}
	return b, err
}

func (t *Tracker) capture(ctx context.Context, message string) (*model.Baseline, error) {
	files, err := t.readFiles(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.versions.Snapshot(ctx, files); err != nil {
		return nil, fmt.Errorf("snapshot baseline: %w", err)
	}
	if message == "" {
		message = "baseline"
	}
	rev, err := t.versions.Commit(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}

	now := time.Now()
	b := &model.Baseline{
		Scope:      t.scope,
		Files:      make(map[string]model.FileBaseline, len(files)),
		Revision:   rev,
		Message:    message,
		CapturedAt: now,
	}
	for name, data := range files {
		b.Files[name] = model.FileBaseline{
			Path:       name,
			Checksum:   checksum(data),
			Size:       int64(len(data)),
			CapturedAt: now,
		}
	}
	if err := t.baselines.SaveBaseline(ctx, b); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}
	t.logger.Info("Baseline captured", "files", len(b.Files), "revision", rev, "message", message)
	return b, nil
}

// readFiles 读取受跟踪文件；tracked_files 为空时读取目录下全部文件
func (t *Tracker) readFiles(ctx context.Context) (map[string][]byte, error) {
	names, err := t.source.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		if !t.isTracked(name) {
			continue
		}
		data, err := t.source.Read(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

func (t *Tracker) isTracked(name string) bool {
	return len(t.tracked) == 0 || slices.Contains(t.tracked, name)
}

func checksum(data []byte) string {
	return digest.FromBytes(data).String()
}

// ============================================================================
// 漂移检测
// ============================================================================

// DetectDrift 与当前基线比较
func (t *Tracker) DetectDrift(ctx context.Context) (*model.DriftReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report, err := t.detect(ctx)
	if err != nil {
		return nil, err
	}
	t.recordReport(ctx, report)
	return report, nil
}

func (t *Tracker) detect(ctx context.Context) (*model.DriftReport, error) {
	base, err := t.baselines.GetBaseline(ctx, t.scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoBaseline
	}
	if err != nil {
		return nil, err
	}
	files, err := t.readFiles(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.DriftReport{
		ID:               uuid.NewString(),
		Scope:            t.scope,
		Timestamp:        time.Now(),
		BaselineRevision: base.Revision,
		ChangedFiles:     []string{},
		Analysis:         make(map[string]model.FileDrift),
		Status:           model.SyncInSync,
	}

	for _, name := range sortedKeys(base.Files) {
		fb := base.Files[name]
		data, ok := files[name]
		if !ok {
			report.DeletedFiles = append(report.DeletedFiles, name)
			report.Analysis[name] = model.FileDrift{Path: name, Change: model.ChangeDeleted, BaselineChecksum: fb.Checksum}
			continue
		}
		if sum := checksum(data); sum != fb.Checksum {
			report.ChangedFiles = append(report.ChangedFiles, name)
			report.Analysis[name] = model.FileDrift{
				Path:             name,
				Change:           model.ChangeModified,
				BaselineChecksum: fb.Checksum,
				CurrentChecksum:  sum,
			}
		}
	}
	for _, name := range sortedKeys(files) {
		if _, ok := base.Files[name]; !ok {
			report.NewFiles = append(report.NewFiles, name)
			report.Analysis[name] = model.FileDrift{Path: name, Change: model.ChangeAdded, CurrentChecksum: checksum(files[name])}
		}
	}

	if len(report.Analysis) == 0 {
		return report, nil
	}

	// 工作区镜像当前内容，逐文件与基线版本做结构化比较
	if err := t.versions.Snapshot(ctx, files); err != nil {
		return nil, fmt.Errorf("snapshot current state: %w", err)
	}
	for name, fd := range report.Analysis {
		diff, err := t.versions.DiffSince(ctx, base.Revision, name)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", name, err)
		}
		fd.Diff = diff
		fd.Severity, fd.Escalated = classifyFile(name, diff)
		report.Analysis[name] = fd
		report.Severity = maxSeverity(report.Severity, fd.Severity)
	}
	report.DriftDetected = true
	report.Status = model.SyncDrifted
	report.RemediationRequired = report.Severity.AtLeast(t.floor)
	return report, nil
}

func (t *Tracker) recordReport(ctx context.Context, report *model.DriftReport) {
	if !report.DriftDetected {
		t.logger.Info("No configuration drift", "revision", report.BaselineRevision)
		return
	}
	for _, name := range sortedKeys(report.Analysis) {
		fd := report.Analysis[name]
		t.logger.DriftLog(name, string(fd.Severity), "change", fd.Change, "escalated", fd.Escalated)
	}
	t.metrics.RecordDrift(string(report.Severity))
	t.appendAudit(ctx, fmt.Sprintf("drift %s: %d file(s)", report.Severity, len(report.Analysis)), report)
	t.publish(ctx, map[string]any{
		"report_id":            report.ID,
		"severity":             string(report.Severity),
		"changed":              report.ChangedFiles,
		"new":                  report.NewFiles,
		"deleted":              report.DeletedFiles,
		"remediation_required": report.RemediationRequired,
	})
}

// ResultCode 漂移报告对应的结果码
func ResultCode(report *model.DriftReport) model.ResultCode {
	switch {
	case report == nil || !report.DriftDetected:
		return model.ResultSuccess
	case report.RemediationRequired:
		return model.ResultDriftAboveThreshold
	}
	return model.ResultDriftBelowThreshold
}

// ============================================================================
// 审计与事件
// ============================================================================

func (t *Tracker) appendAudit(ctx context.Context, summary string, payload any) {
	if t.audit == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("Failed to marshal drift audit payload", "error", err)
		return
	}
	ev := &model.AuditEvent{
		ID:        uuid.NewString(),
		Kind:      model.AuditDrift,
		Timestamp: time.Now(),
		Summary:   summary,
		Payload:   data,
	}
	if t.scope != LocalScope {
		ev.DeviceID = t.scope
	}
	if err := t.audit.AppendAudit(context.WithoutCancel(ctx), ev); err != nil {
		t.logger.Warn("Failed to append drift audit", "error", err)
	}
}

func (t *Tracker) publish(ctx context.Context, data map[string]any) {
	if t.publisher == nil {
		return
	}
	ev := &eventbus.FleetEvent{
		ID:        uuid.NewString(),
		Type:      eventbus.EventDriftReport,
		Timestamp: time.Now(),
		Data:      data,
	}
	if t.scope != LocalScope {
		ev.DeviceID = t.scope
	}
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.logger.Warn("Failed to publish drift event", "error", err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
