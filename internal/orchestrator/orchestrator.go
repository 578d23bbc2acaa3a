// Package orchestrator 舰队部署编排
//
// Orchestrator 负责一次部署的完整生命周期：
//
//	CreateDeployment  解析目标设备，记录 planning 阶段的部署
//	ExecuteDeployment preflight → deployment（按策略）→ verification → completed
//	                  失败时按 rollback_on_failure 进入 rollback，最终 failed
//
// 单台设备的步骤（connectivity_test → backup → deploy → verify → health_check）
// 严格顺序执行；跨设备的并发只出现在 parallel / canary / blue_green 策略中，
// 设备注册表在设备级写锁下更新。
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"uci-fleet/internal/config"
	"uci-fleet/internal/health"
	"uci-fleet/internal/metrics"
	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/shared/sleep"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/internal/uci"
	"uci-fleet/pkg/logging"
)

// ErrDeploymentNotFound 部署不存在
var ErrDeploymentNotFound = errors.New("deployment not found")

// ErrorHandler 错误恢复入口，由 recovery.Engine 实现
type ErrorHandler interface {
	HandleError(ctx context.Context, info model.ErrorInfo, opCtx model.OperationContext) (bool, *model.RecoveryOutcome, error)
}

// BackupArchiver 备份归档，由 objstore.Client 实现
type BackupArchiver interface {
	ArchiveBackup(ctx context.Context, deviceID, operationID string, r io.Reader, size int64) (string, error)
}

// MonitorFactory 为设备会话创建健康监控器
type MonitorFactory func(device *model.Device, s remote.Session) *health.Monitor

// DriftHook 部署完成后对成功设备调用（通常为重新捕获漂移基线）
type DriftHook func(ctx context.Context, deviceID, message string) error

// Option Orchestrator 可选项
type Option func(*Orchestrator)

// WithErrorHandler 设置恢复引擎
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *Orchestrator) { o.recovery = h }
}

// WithArchiver 设置备份归档
func WithArchiver(a BackupArchiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithMonitorFactory 覆盖健康监控器的创建方式
func WithMonitorFactory(f MonitorFactory) Option {
	return func(o *Orchestrator) { o.monitors = f }
}

// WithHealthConfig 设置默认监控器使用的健康检查配置
func WithHealthConfig(cfg config.HealthConfig) Option {
	return func(o *Orchestrator) { o.healthCfg = cfg }
}

// WithDriftHook 设置部署完成后的漂移基线钩子
func WithDriftHook(h DriftHook) Option {
	return func(o *Orchestrator) { o.driftHook = h }
}

// WithAudit 设置审计日志
func WithAudit(a storage.AuditStore) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithPublisher 设置事件发布
func WithPublisher(p eventbus.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSleeper 设置金丝雀观察期的等待实现
func WithSleeper(s sleep.Sleeper) Option {
	return func(o *Orchestrator) { o.sleeper = s }
}

// WithCommandTimeout 单条远程命令超时
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cmdTimeout = d
		}
	}
}

// Orchestrator 部署编排器
//
// 同一舰队只允许一个编排器进程写入（单写者）。
type Orchestrator struct {
	cfg      config.DeploymentConfig
	registry *Registry
	store    storage.DeploymentStore
	dialer   remote.Dialer
	applier  uci.ConfigApplier

	recovery   ErrorHandler
	archiver   BackupArchiver
	monitors   MonitorFactory
	healthCfg  config.HealthConfig
	driftHook  DriftHook
	audit      storage.AuditStore
	publisher  eventbus.Publisher
	metrics    *metrics.Metrics
	logger     *logging.Logger
	sleeper    sleep.Sleeper
	cmdTimeout time.Duration
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg config.DeploymentConfig, registry *Registry, store storage.DeploymentStore,
	dialer remote.Dialer, applier uci.ConfigApplier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		dialer:     dialer,
		applier:    applier,
		logger:     logging.Default("orchestrator"),
		sleeper:    sleep.Real{},
		cmdTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.monitors == nil {
		o.monitors = o.remoteMonitor
	}
	return o
}

func (o *Orchestrator) remoteMonitor(device *model.Device, s remote.Session) *health.Monitor {
	return health.NewMonitor(device.ID, health.NewRemoteProbe(s, o.cmdTimeout), o.healthCfg,
		health.WithSleeper(o.sleeper),
		health.WithLogger(o.logger.Named("health")),
	)
}

// Registry 设备注册表
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// ============================================================================
// 创建部署
// ============================================================================

// withDefaults 用部署默认值补齐请求中的零值字段
func (o *Orchestrator) withDefaults(cfg model.DeploymentConfig) model.DeploymentConfig {
	if cfg.Strategy == "" {
		cfg.Strategy = model.Strategy(o.cfg.Strategy)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = model.StrategyRolling
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = o.cfg.ParallelLimit
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = 5
	}
	if cfg.CanaryPercentage <= 0 {
		cfg.CanaryPercentage = o.cfg.CanaryPercentage
	}
	if cfg.CanarySoak <= 0 {
		cfg.CanarySoak = o.cfg.CanarySoak
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = o.cfg.DeviceTimeout
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = o.cfg.DeploymentTimeout
	}
	if cfg.PreflightChecks == nil {
		cfg.PreflightChecks = slices.Clone(o.cfg.PreflightChecks)
	}
	return cfg
}

// CreateDeployment 解析目标并创建 planning 阶段的部署
func (o *Orchestrator) CreateDeployment(ctx context.Context, req model.DeploymentConfig) (string, error) {
	cfg := o.withDefaults(req)
	if !cfg.Strategy.Valid() {
		return "", fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.Source == "" {
		return "", fmt.Errorf("configuration source is required")
	}
	for _, name := range cfg.PreflightChecks {
		if !slices.Contains(PreflightChecks, name) {
			return "", fmt.Errorf("unknown preflight check %q", name)
		}
	}

	devices, err := o.registry.ResolveTargets(ctx, cfg)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no target devices after exclusions")
	}

	d := &model.Deployment{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		Strategy:     cfg.Strategy,
		Config:       cfg,
		TotalDevices: len(devices),
		Phase:        model.PhasePlanning,
		Results:      make(map[string]*model.DeviceDeployResult, len(devices)),
		CreatedAt:    time.Now(),
	}
	for _, dev := range devices {
		d.Targets = append(d.Targets, dev.ID)
		d.Results[dev.ID] = &model.DeviceDeployResult{DeviceID: dev.ID, Status: model.DeviceDeployPending, Steps: []model.StepResult{}}
	}
	if err := o.store.SaveDeployment(ctx, d); err != nil {
		return "", fmt.Errorf("save deployment: %w", err)
	}

	o.logger.WithDeploymentID(d.ID).Info("Deployment planned",
		"name", d.Name,
		"strategy", d.Strategy,
		"devices", d.TotalDevices,
	)
	o.publish(ctx, &eventbus.FleetEvent{
		Type:         eventbus.EventDeploymentPhase,
		DeploymentID: d.ID,
		Data:         map[string]any{"phase": string(d.Phase), "total_devices": d.TotalDevices},
	})
	return d.ID, nil
}

// GetDeployment 查询部署
func (o *Orchestrator) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	return d, err
}

// ListDeployments 最近的部署，新的在前
func (o *Orchestrator) ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error) {
	return o.store.ListDeployments(ctx, limit)
}

// ============================================================================
// 执行部署
// ============================================================================

// ExecuteDeployment 执行 planning 阶段的部署直到终态
//
// 返回的 error 只表示部署无法开始（不存在、已执行过、存储失败）；
// 设备失败体现在结果的 Phase 与 ResultCode 中。
func (o *Orchestrator) ExecuteDeployment(ctx context.Context, id string) (*model.DeploymentResult, error) {
	d, err := o.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Phase != model.PhasePlanning {
		return nil, fmt.Errorf("%w: deployment %s is already %s", ErrInvalidTransition, d.ID, d.Phase)
	}

	if d.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Config.Timeout)
		defer cancel()
	}

	r := &run{
		o:   o,
		d:   d,
		cfg: d.Config,
		log: o.logger.WithDeploymentID(d.ID),
	}
	now := time.Now()
	d.StartedAt = &now
	r.log.Info("Deployment started", "strategy", d.Strategy, "devices", d.TotalDevices, "dry_run", d.Config.DryRun)

	if err := r.transition(ctx, model.PhasePreFlight); err != nil {
		return nil, err
	}
	devices, err := r.loadDevices(ctx)
	if err == nil {
		err = r.preflight(ctx, devices)
	}
	if err != nil {
		r.fail(err.Error())
		r.log.Error("Preflight failed, no device touched", "error", err)
		return r.finish(ctx, model.PhaseFailed, model.ResultManualIntervention)
	}

	if err := r.transition(ctx, model.PhaseDeployment); err != nil {
		return nil, err
	}
	ok := r.execute(ctx, devices)
	if ok {
		if err := r.transition(ctx, model.PhaseVerification); err != nil {
			return nil, err
		}
		ok = r.verify(ctx, devices)
	}

	if ok {
		code := model.ResultSuccess
		if r.anyResult(func(res *model.DeviceDeployResult) bool { return res.Recovered }) {
			code = model.ResultRecovered
		}
		result, err := r.finish(ctx, model.PhaseCompleted, code)
		if err != nil {
			return nil, err
		}
		r.rebaseline(ctx, devices)
		return result, nil
	}

	code := model.ResultManualIntervention
	if d.Config.RollbackOnFailure {
		if err := r.transition(ctx, model.PhaseRollback); err != nil {
			return nil, err
		}
		if r.rollback(ctx, devices) && !r.anyResult(func(res *model.DeviceDeployResult) bool { return res.ManualIntervention }) {
			code = model.ResultRolledBack
		}
	}
	return r.finish(ctx, model.PhaseFailed, code)
}

// ============================================================================
// run - 单次部署的执行状态
// ============================================================================

// run 执行中的部署；mu 保护 d（结果写入与持久化串行）
type run struct {
	o   *Orchestrator
	cfg model.DeploymentConfig
	log *logging.Logger

	mu sync.Mutex
	d  *model.Deployment
}

// loadDevices 按目标顺序加载设备（计划后被移除的设备使 preflight 失败）
func (r *run) loadDevices(ctx context.Context) ([]*model.Device, error) {
	devices := make([]*model.Device, 0, len(r.d.Targets))
	for _, id := range r.d.Targets {
		dev, err := r.o.registry.GetDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// transition 迁移阶段、持久化并发布事件
func (r *run) transition(ctx context.Context, to model.DeploymentPhase) error {
	r.mu.Lock()
	from := r.d.Phase
	err := Transition(r.d, to)
	if err == nil {
		err = r.saveLocked(ctx)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.log.Info("Deployment phase", "from", from, "to", to)
	r.o.publish(ctx, &eventbus.FleetEvent{
		Type:         eventbus.EventDeploymentPhase,
		DeploymentID: r.d.ID,
		Data:         map[string]any{"phase": string(to), "from": string(from)},
	})
	return nil
}

// saveLocked 持久化部署记录，调用方持有 mu
//
// 部署超时后仍需写入最终状态，因此不使用调用方的 ctx 取消。
func (r *run) saveLocked(ctx context.Context) error {
	if err := r.o.store.SaveDeployment(context.WithoutCancel(ctx), r.d); err != nil {
		return fmt.Errorf("save deployment %s: %w", r.d.ID, err)
	}
	return nil
}

// setResult 写入设备结果副本并持久化
func (r *run) setResult(ctx context.Context, res *model.DeviceDeployResult) {
	c := *res
	c.Steps = slices.Clone(res.Steps)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d.Results[res.DeviceID] = &c
	if err := r.saveLocked(ctx); err != nil {
		r.log.Warn("Failed to persist device result", "device_id", res.DeviceID, "error", err)
	}
}

func (r *run) result(id string) *model.DeviceDeployResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d.Results[id]
}

func (r *run) anyResult(pred func(*model.DeviceDeployResult) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.d.Results {
		if res != nil && pred(res) {
			return true
		}
	}
	return false
}

// succeeded 目标中部署成功的设备（保持顺序）
func (r *run) succeeded(devices []*model.Device) []*model.Device {
	var out []*model.Device
	for _, dev := range devices {
		if r.result(dev.ID).Succeeded() {
			out = append(out, dev)
		}
	}
	return out
}

func (r *run) allSucceeded(devices []*model.Device) bool {
	return len(r.succeeded(devices)) == len(devices)
}

// fail 记录部署级错误（多个错误以 "; " 连接）
func (r *run) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d.Error == "" {
		r.d.Error = msg
		return
	}
	r.d.Error += "; " + msg
}

// rebaseline 部署完成后为成功设备重新捕获漂移基线，失败只记录日志
func (r *run) rebaseline(ctx context.Context, devices []*model.Device) {
	if r.o.driftHook == nil || r.cfg.DryRun {
		return
	}
	msg := "deployment " + r.d.ID
	for _, dev := range r.succeeded(devices) {
		if err := r.o.driftHook(context.WithoutCancel(ctx), dev.ID, msg); err != nil {
			r.log.Warn("Failed to re-baseline drift after deployment", "device_id", dev.ID, "error", err)
		}
	}
}

// finish 迁移到终态并写入结果、审计与指标
//
// 终态记录不可再修改，阶段、结束时间与结果码必须在同一次保存中写入。
func (r *run) finish(ctx context.Context, to model.DeploymentPhase, code model.ResultCode) (*model.DeploymentResult, error) {
	r.mu.Lock()
	from := r.d.Phase
	if err := Transition(r.d, to); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	r.d.FinishedAt = &now
	r.d.Duration = now.Sub(*r.d.StartedAt)
	r.d.ResultCode = code
	err := r.saveLocked(ctx)
	succeeded, failed, pending := r.d.Counts()
	result := &model.DeploymentResult{
		DeploymentID: r.d.ID,
		Phase:        r.d.Phase,
		ResultCode:   code,
		Succeeded:    succeeded,
		Failed:       failed,
		Pending:      pending,
		Results:      make(map[string]*model.DeviceDeployResult, len(r.d.Results)),
		Rollbacks:    r.d.Rollbacks,
		Duration:     r.d.Duration,
		Error:        r.d.Error,
	}
	for id, res := range r.d.Results {
		result.Results[id] = res
	}
	payload, _ := json.Marshal(r.d)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.log.Info("Deployment phase", "from", from, "to", to)
	r.o.publish(ctx, &eventbus.FleetEvent{
		Type:         eventbus.EventDeploymentPhase,
		DeploymentID: r.d.ID,
		Data:         map[string]any{"phase": string(to), "from": string(from)},
	})

	r.o.metrics.RecordDeployment(string(r.d.Strategy), string(result.Phase), result.Duration)
	if r.o.audit != nil {
		ev := &model.AuditEvent{
			ID:           uuid.NewString(),
			Kind:         model.AuditDeployment,
			Timestamp:    now,
			DeploymentID: r.d.ID,
			Summary:      fmt.Sprintf("deployment %s %s: %d succeeded, %d failed, %d pending", r.d.ID, result.Phase, succeeded, failed, pending),
			Payload:      payload,
		}
		if err := r.o.audit.AppendAudit(context.WithoutCancel(ctx), ev); err != nil {
			r.log.Warn("Failed to append deployment audit", "error", err)
		}
	}
	r.log.Info("Deployment finished",
		"phase", result.Phase,
		"result_code", code,
		"succeeded", succeeded,
		"failed", failed,
		"pending", pending,
		"duration", result.Duration,
	)
	return result, nil
}

// ============================================================================
// 事件
// ============================================================================

// publish 发布事件，失败只记录日志
func (o *Orchestrator) publish(ctx context.Context, ev *eventbus.FleetEvent) {
	if o.publisher == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now()
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("Failed to publish event", "type", ev.Type, "error", err)
	}
}
