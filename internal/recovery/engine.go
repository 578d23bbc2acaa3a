package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"uci-fleet/internal/config"
	"uci-fleet/internal/metrics"
	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/shared/sleep"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/pkg/logging"
)

// DefaultVerifyCommand 连通性校验：默认网关可 ping 通
const DefaultVerifyCommand = `gw=$(ip route show default | awk '/default/ {print $3; exit}'); [ -n "$gw" ] && ping -c 1 -W 2 "$gw"`

// Option Engine 可选项
type Option func(*Engine)

// WithAudit 设置审计存储
func WithAudit(a storage.AuditStore) Option {
	return func(e *Engine) { e.audit = a }
}

// WithPublisher 设置事件发布
func WithPublisher(p eventbus.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithSleeper 设置退避与稳定等待的实现
func WithSleeper(s sleep.Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVerifyCommand 覆盖连通性校验命令
func WithVerifyCommand(cmd string) Option {
	return func(e *Engine) { e.verifyCmd = cmd }
}

// WithCommandTimeout 设置单条恢复命令的超时
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cmdTimeout = d
		}
	}
}

// Engine 恢复引擎
//
// 同一 Engine 可被多个部署 goroutine 并发调用；熔断计数全局共享，
// 两条审计记录在 auditMu 内串行写入。
type Engine struct {
	cfg        config.RecoveryConfig
	sessions   SessionProvider
	audit      storage.AuditStore
	publisher  eventbus.Publisher
	sleeper    sleep.Sleeper
	logger     *logging.Logger
	metrics    *metrics.Metrics
	verifyCmd  string
	cmdTimeout time.Duration

	breakers *breakers
	auditMu  sync.Mutex
}

// NewEngine 创建恢复引擎，sessions 为 nil 时所有设备动作都会失败
func NewEngine(cfg config.RecoveryConfig, sessions SessionProvider, opts ...Option) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if len(cfg.Services) == 0 {
		cfg.Services = []string{"network", "firewall", "dnsmasq"}
	}
	e := &Engine{
		cfg:        cfg,
		sessions:   sessions,
		sleeper:    sleep.Real{},
		logger:     logging.Default("recovery"),
		verifyCmd:  DefaultVerifyCommand,
		cmdTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = newBreakers(cfg.CircuitBreakerThreshold, func(errType string, open bool) {
		e.metrics.SetBreakerOpen(errType, open)
		if open {
			e.logger.Error("circuit breaker opened", "error_type", errType)
		}
	})
	return e
}

// ============================================================================
// HandleError
// ============================================================================

// HandleError 分类错误、执行恢复并写入审计
//
// 返回值 bool 与 outcome.Success 一致；error 只在审计写入失败时非空，
// 此时恢复动作已经执行完毕。
func (e *Engine) HandleError(ctx context.Context, info model.ErrorInfo, opCtx model.OperationContext) (bool, *model.RecoveryOutcome, error) {
	start := time.Now()
	if opCtx.OperationID == "" {
		opCtx.OperationID = uuid.NewString()
	}

	cls := Classify(info)
	typ := errorType(info)
	total, open := e.breakers.record(typ)

	strategy, severity := cls.Strategy, cls.Severity
	if open {
		strategy, severity = model.StrategyCircuitBreaker, model.SeverityManualIntervention
	}

	log := e.logger.With(
		"operation_id", opCtx.OperationID,
		"device_id", opCtx.DeviceID,
		"error_type", typ,
		"kind", cls.Kind,
		"severity", severity,
		"strategy", strategy,
	)
	log.Warn("handling error", "message", info.Message, "breaker_count", total)

	x := &deviceExec{e: e, deviceID: opCtx.DeviceID}
	defer x.close()

	rec := &model.ErrorRecord{
		ID:               uuid.NewString(),
		Timestamp:        start,
		Type:             typ,
		Kind:             cls.Kind,
		Message:          info.Message,
		Severity:         severity,
		RecoveryStrategy: strategy,
		BreakerCount:     total,
		Context:          opCtx,
		System:           e.snapshot(ctx, x),
	}

	out := &model.RecoveryOutcome{
		ID:        uuid.NewString(),
		ErrorID:   rec.ID,
		Strategy:  strategy,
		Severity:  severity,
		StartedAt: start,
	}

	switch strategy {
	case model.StrategyCircuitBreaker:
		out.Summary = fmt.Sprintf("circuit breaker open for %s after %d failures, automation stopped", typ, total)
	case model.StrategyImmediateRollback:
		e.immediateRollback(ctx, opCtx, x, out)
	case model.StrategyGradualRollback:
		e.gradualRollback(ctx, opCtx, x, out)
	case model.StrategyRetryWithBackoff:
		e.retryWithBackoff(ctx, opCtx, x, out)
	default:
		out.Summary = "manual intervention required: " + info.Message
	}
	out.Elapsed = time.Since(start)

	auditErr := e.writeAudit(ctx, rec, out)
	e.publish(ctx, opCtx, out)
	e.metrics.RecordRecovery(string(strategy), out.Success)
	e.logger.WithDeviceID(opCtx.DeviceID).RecoveryLog(string(strategy), out.Success, out.Elapsed,
		"severity", out.Severity, "rolled_back", out.RolledBack, "summary", out.Summary)

	return out.Success, out, auditErr
}

// HandleOpError HandleError 的便捷形式
func (e *Engine) HandleOpError(ctx context.Context, err error, opCtx model.OperationContext) (bool, *model.RecoveryOutcome, error) {
	return e.HandleError(ctx, model.ErrorInfoFrom(err), opCtx)
}

// ============================================================================
// 熔断器
// ============================================================================

// BreakerCounts 各错误类型的累计次数（单调递增）
func (e *Engine) BreakerCounts() map[string]int {
	out := make(map[string]int)
	for _, s := range e.breakers.status() {
		out[s.Type] = s.Total
	}
	return out
}

// BreakerStatus 各错误类型的熔断状态
func (e *Engine) BreakerStatus() []BreakerStatus {
	return e.breakers.status()
}

// ResetBreaker 操作员重置单个错误类型的熔断器
func (e *Engine) ResetBreaker(ctx context.Context, errType string) error {
	if !e.breakers.reset(errType) {
		return fmt.Errorf("no circuit breaker for error type %q", errType)
	}
	return e.recordReset(ctx, errType)
}

// ResetAll 操作员重置全部熔断器
func (e *Engine) ResetAll(ctx context.Context) error {
	e.breakers.resetAll()
	return e.recordReset(ctx, "*")
}

func (e *Engine) recordReset(ctx context.Context, errType string) error {
	e.logger.Info("circuit breaker reset by operator", "error_type", errType)
	if e.audit == nil {
		return nil
	}
	ev := &model.AuditEvent{
		ID:        uuid.NewString(),
		Kind:      model.AuditBreakerReset,
		Timestamp: time.Now(),
		Summary:   errType,
		Payload:   json.RawMessage(`{}`),
	}
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	return e.audit.AppendAudit(context.WithoutCancel(ctx), ev)
}

// replayLimit 从审计重建熔断状态时读取的最大事件数
const replayLimit = 100000

// Rehydrate 从审计日志重建熔断计数
//
// 按时间顺序重放错误记录和重置事件，使短生命周期的 CLI 进程
// 与常驻进程看到一致的熔断状态。
func (e *Engine) Rehydrate(ctx context.Context) error {
	if e.audit == nil {
		return nil
	}
	events, err := e.audit.ListAudit(ctx, "", replayLimit)
	if err != nil {
		return fmt.Errorf("load audit events: %w", err)
	}
	totals := make(map[string]int)
	current := make(map[string]int)
	for _, ev := range events {
		switch ev.Kind {
		case model.AuditError:
			var rec model.ErrorRecord
			if err := json.Unmarshal(ev.Payload, &rec); err != nil || rec.Type == "" {
				continue
			}
			totals[rec.Type]++
			current[rec.Type]++
		case model.AuditBreakerReset:
			if ev.Summary == "*" {
				clear(current)
			} else {
				delete(current, ev.Summary)
			}
		}
	}
	e.breakers.seed(totals, current)
	return nil
}

// ============================================================================
// 审计与事件
// ============================================================================

func (e *Engine) writeAudit(ctx context.Context, rec *model.ErrorRecord, out *model.RecoveryOutcome) error {
	if e.audit == nil {
		return nil
	}
	errEv, err := newAuditEvent(model.AuditError, rec.Context, rec.Type+": "+rec.Message, rec)
	if err != nil {
		return err
	}
	outEv, err := newAuditEvent(model.AuditRecovery, rec.Context, out.Summary, out)
	if err != nil {
		return err
	}

	// 部署超时取消 ctx 后审计仍需落盘
	ctx = context.WithoutCancel(ctx)
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	if err := e.audit.AppendAudit(ctx, errEv); err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	if err := e.audit.AppendAudit(ctx, outEv); err != nil {
		return fmt.Errorf("append recovery outcome: %w", err)
	}
	return nil
}

func newAuditEvent(kind model.AuditKind, opCtx model.OperationContext, summary string, payload any) (*model.AuditEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s audit payload: %w", kind, err)
	}
	return &model.AuditEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Timestamp:    time.Now(),
		DeviceID:     opCtx.DeviceID,
		DeploymentID: opCtx.DeploymentID,
		Summary:      summary,
		Payload:      data,
	}, nil
}

func (e *Engine) publish(ctx context.Context, opCtx model.OperationContext, out *model.RecoveryOutcome) {
	if e.publisher == nil {
		return
	}
	ev := &eventbus.FleetEvent{
		ID:           out.ID,
		Type:         eventbus.EventRecovery,
		DeploymentID: opCtx.DeploymentID,
		DeviceID:     opCtx.DeviceID,
		Timestamp:    time.Now(),
		Data: map[string]any{
			"strategy":    string(out.Strategy),
			"severity":    string(out.Severity),
			"success":     out.Success,
			"rolled_back": out.RolledBack,
			"summary":     out.Summary,
		},
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("publish recovery event failed", "error", err)
	}
}

// ============================================================================
// 系统快照
// ============================================================================

const (
	memoryCmd     = "grep -E '^(MemTotal|MemAvailable):' /proc/meminfo"
	diskCmd       = "df -k /overlay 2>/dev/null || df -k /"
	interfacesCmd = "ip -o link show | awk -F': ' '{print $2}'"
)

func servicesCmd(services []string) string {
	return fmt.Sprintf(`for s in %s; do if /etc/init.d/$s running >/dev/null 2>&1; then echo "$s:running"; else echo "$s:stopped"; fi; done`,
		strings.Join(services, " "))
}

// snapshot 采集内存、磁盘、服务、接口状态，采集失败记入 Error 字段
func (e *Engine) snapshot(ctx context.Context, x *deviceExec) model.SystemSnapshot {
	var snap model.SystemSnapshot
	var errs []error

	collect := func(cmd string) string {
		res, err := x.run(ctx, cmd)
		if err != nil {
			errs = append(errs, err)
			return ""
		}
		return strings.TrimSpace(res.Stdout)
	}

	snap.Memory = strings.Join(strings.Fields(collect(memoryCmd)), " ")
	if len(errs) == 0 {
		lines := strings.Split(collect(diskCmd), "\n")
		snap.Disk = strings.Join(strings.Fields(lines[len(lines)-1]), " ")
		snap.Services = splitLines(collect(servicesCmd(e.cfg.Services)))
		snap.Interfaces = splitLines(collect(interfacesCmd))
	}
	if err := errors.Join(errs...); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ============================================================================
// deviceExec - 单次恢复内复用的设备会话
// ============================================================================

type deviceExec struct {
	e        *Engine
	deviceID string
	sess     remote.Session
	release  func()
}

func (x *deviceExec) session(ctx context.Context) (remote.Session, error) {
	if x.sess != nil {
		return x.sess, nil
	}
	if x.e.sessions == nil {
		return nil, errors.New("no session provider configured")
	}
	s, release, err := x.e.sessions.Acquire(ctx, x.deviceID)
	if err != nil {
		return nil, err
	}
	x.sess, x.release = s, release
	return s, nil
}

// run 执行命令；传输层失败后丢弃会话，下一条命令重新连接
func (x *deviceExec) run(ctx context.Context, cmd string) (remote.ExecResult, error) {
	s, err := x.session(ctx)
	if err != nil {
		return remote.ExecResult{}, err
	}
	res, err := remote.Run(ctx, s, cmd, x.e.cmdTimeout)
	var exitErr *remote.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		x.close()
	}
	return res, err
}

func (x *deviceExec) close() {
	if x.release != nil {
		x.release()
	}
	x.sess, x.release = nil, nil
}
