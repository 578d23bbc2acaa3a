package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"uci-fleet/internal/config"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/sleep"
	"uci-fleet/pkg/logging"
)

// 测试项名称
const (
	TestLoopback   = "loopback"
	TestGateway    = "gateway"
	TestDNS        = "dns"
	TestInternet   = "internet"
	TestInterfaces = "interfaces"
	TestRouting    = "routing"
)

// DefaultServices 自动恢复时按此顺序重启
var DefaultServices = []string{"network", "firewall", "dnsmasq"}

// defaultExternalHosts 未配置 external_hosts 时的外网探测目标
var defaultExternalHosts = []string{"8.8.8.8", "1.1.1.1"}

// Option Monitor 可选项
type Option func(*Monitor)

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSleeper 设置稳定等待的实现
func WithSleeper(s sleep.Sleeper) Option {
	return func(m *Monitor) { m.sleeper = s }
}

// WithServices 覆盖恢复时重启的服务列表（保持给定顺序）
func WithServices(services []string) Option {
	return func(m *Monitor) {
		if len(services) > 0 {
			m.services = slices.Clone(services)
		}
	}
}

// Monitor 单台设备的健康监控器
type Monitor struct {
	deviceID string
	probe    SystemProbe
	cfg      config.HealthConfig
	services []string
	logger   *logging.Logger
	sleeper  sleep.Sleeper

	mu       sync.RWMutex
	history  []*model.HealthStatus
	baseline *model.NetworkBaseline
}

// NewMonitor 创建监控器
func NewMonitor(deviceID string, probe SystemProbe, cfg config.HealthConfig, opts ...Option) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	m := &Monitor{
		deviceID: deviceID,
		probe:    probe,
		cfg:      cfg,
		services: slices.Clone(DefaultServices),
		logger:   logging.Default("health"),
		sleeper:  sleep.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if deviceID != "" {
		m.logger = m.logger.WithDeviceID(deviceID)
	}
	return m
}

// ============================================================================
// 健康检查
// ============================================================================

// Check 运行全部测试并记入历史
func (m *Monitor) Check(ctx context.Context) *model.HealthStatus {
	tests := []func(context.Context) model.TestResult{
		m.testLoopback,
		m.testGateway,
		m.testDNS,
		m.testInternet,
		m.testInterfaces,
		m.testRouting,
	}

	status := &model.HealthStatus{
		DeviceID:  m.deviceID,
		Timestamp: time.Now(),
		Tests:     make(map[string]model.TestResult, len(tests)),
	}
	for _, run := range tests {
		r := m.timed(ctx, run)
		status.Tests[r.Name] = r
	}

	status.OverallState, status.Passed, status.Failed, status.CriticalFailed =
		Evaluate(status.Tests, m.cfg.FailureThreshold)
	status.RecoveryNeeded = m.ShouldTriggerRecovery(status)

	m.record(status)

	log := m.logger.With("state", status.OverallState, "passed", status.Passed, "failed", status.Failed)
	if status.Failed > 0 {
		log.Warn("health check finished with failures", "failed_tests", strings.Join(status.FailedTests(), ","))
	} else {
		log.Debug("health check passed")
	}
	return status
}

// timed 为单项测试加超时并计时
func (m *Monitor) timed(ctx context.Context, run func(context.Context) model.TestResult) model.TestResult {
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}
	start := time.Now()
	r := run(ctx)
	r.Duration = time.Since(start)
	return r
}

// Evaluate 汇总测试结果
//
// 有关键测试失败时至少为 critical，失败数达到阈值为 failed；
// 只有非关键失败时：0 个 healthy，1..阈值-1 个 degraded，达到阈值 failed。
func Evaluate(tests map[string]model.TestResult, threshold int) (state model.NetworkState, passed, failed, criticalFailed int) {
	if len(tests) == 0 {
		return model.NetworkUnknown, 0, 0, 0
	}
	for _, t := range tests {
		switch {
		case t.Success:
			passed++
		case t.Critical:
			failed++
			criticalFailed++
		default:
			failed++
		}
	}

	switch {
	case failed >= threshold:
		state = model.NetworkFailed
	case criticalFailed > 0:
		state = model.NetworkCritical
	case failed > 0:
		state = model.NetworkDegraded
	default:
		state = model.NetworkHealthy
	}
	return state, passed, failed, criticalFailed
}

func (m *Monitor) testLoopback(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestLoopback, Critical: true}
	if err := m.probe.Loopback(ctx); err != nil {
		r.Error = err.Error()
		return r
	}
	r.Success = true
	return r
}

func (m *Monitor) testGateway(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestGateway, Critical: true}
	addr, ping, err := m.probe.Gateway(ctx, m.cfg.Gateway)
	r.Details = map[string]string{
		"gateway": addr,
		"rtt":     ping.RTT.String(),
		"loss":    fmt.Sprintf("%.0f%%", ping.Loss),
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Success = true
	return r
}

// testDNS 至少解析成功 2 个域名（配置不足 2 个时要求全部成功）
func (m *Monitor) testDNS(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestDNS, Details: map[string]string{}}
	domains := m.cfg.DNSDomains
	need := min(2, len(domains))

	ok := 0
	var errs []string
	for _, d := range domains {
		latency, err := m.probe.ResolveDNS(ctx, d)
		if err != nil {
			errs = append(errs, err.Error())
			r.Details[d] = "failed"
			continue
		}
		ok++
		r.Details[d] = latency.String()
	}
	r.Success = ok >= need
	if !r.Success {
		r.Error = fmt.Sprintf("resolved %d/%d domains: %s", ok, len(domains), strings.Join(errs, "; "))
	}
	return r
}

// testInternet 至少一个外部主机可达
func (m *Monitor) testInternet(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestInternet, Details: map[string]string{}}
	hosts := m.cfg.ExternalHosts
	if len(hosts) == 0 {
		hosts = defaultExternalHosts
	}
	var errs []string
	for _, h := range hosts {
		ping, err := m.probe.Reach(ctx, h)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		r.Success = true
		r.Details["reached"] = h
		r.Details["rtt"] = ping.RTT.String()
		return r
	}
	r.Error = "no external host reachable: " + strings.Join(errs, "; ")
	return r
}

func (m *Monitor) testInterfaces(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestInterfaces, Critical: true, Details: map[string]string{}}
	var problems []string
	for _, name := range m.cfg.CriticalInterfaces {
		up, err := m.probe.Interface(ctx, name)
		switch {
		case err != nil:
			r.Details[name] = "missing"
			problems = append(problems, err.Error())
		case !up:
			r.Details[name] = "down"
			problems = append(problems, name+" is down")
		default:
			r.Details[name] = "up"
		}
	}
	if len(problems) > 0 {
		r.Error = strings.Join(problems, "; ")
		return r
	}
	r.Success = true
	return r
}

// testRouting 路由表非空且包含默认路由
func (m *Monitor) testRouting(ctx context.Context) model.TestResult {
	r := model.TestResult{Name: TestRouting}
	routes, err := m.probe.Routes(ctx)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Details = map[string]string{"routes": fmt.Sprint(len(routes))}
	for _, route := range routes {
		if strings.HasPrefix(route, "default") {
			r.Success = true
			return r
		}
	}
	r.Error = "no default route"
	return r
}

// ============================================================================
// 历史
// ============================================================================

func (m *Monitor) record(status *model.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, status)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
}

// History 最近的检查结果，从旧到新
func (m *Monitor) History() []*model.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// Last 最近一次检查结果，没有时返回 nil
func (m *Monitor) Last() *model.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

// ============================================================================
// 基线
// ============================================================================

// CaptureBaseline 采集网络基线并完整运行一轮检查
func (m *Monitor) CaptureBaseline(ctx context.Context) (*model.NetworkBaseline, error) {
	b := &model.NetworkBaseline{CapturedAt: time.Now()}

	var err error
	if b.Interfaces, err = m.probe.Interfaces(ctx); err != nil {
		return nil, fmt.Errorf("capture interfaces: %w", err)
	}
	if b.Routes, err = m.probe.Routes(ctx); err != nil {
		return nil, fmt.Errorf("capture routes: %w", err)
	}
	if b.DNSServers, err = m.probe.DNSServers(ctx); err != nil {
		return nil, fmt.Errorf("capture dns servers: %w", err)
	}

	addr, ping, gwErr := m.probe.Gateway(ctx, m.cfg.Gateway)
	b.DefaultGateway = addr
	b.Performance.GatewayRTT = ping.RTT
	b.Performance.PacketLoss = ping.Loss
	if gwErr != nil {
		b.Performance.PacketLoss = 100
	}
	if len(m.cfg.DNSDomains) > 0 {
		if latency, err := m.probe.ResolveDNS(ctx, m.cfg.DNSDomains[0]); err == nil {
			b.Performance.DNSResolveTime = latency
		}
	}

	b.Health = m.Check(ctx)

	m.mu.Lock()
	m.baseline = b
	m.mu.Unlock()

	m.logger.Info("network baseline captured",
		"interfaces", len(b.Interfaces), "routes", len(b.Routes),
		"gateway", b.DefaultGateway, "state", b.Health.OverallState)
	return b, nil
}

// Baseline 最近一次采集的基线
func (m *Monitor) Baseline() *model.NetworkBaseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// ============================================================================
// 自动恢复
// ============================================================================

// ShouldTriggerRecovery 开启自动恢复且状态为 critical / failed 时需要恢复
func (m *Monitor) ShouldTriggerRecovery(status *model.HealthStatus) bool {
	if !m.cfg.AutoRecovery || status == nil {
		return false
	}
	return status.OverallState == model.NetworkCritical || status.OverallState == model.NetworkFailed
}

// ExecuteRecovery 重置关键接口、按顺序重启服务、等待稳定后复查
//
// 单个动作失败不会中止后续动作；复查结果为 healthy / degraded 即视为成功。
func (m *Monitor) ExecuteRecovery(ctx context.Context) *model.RecoveryAttempt {
	attempt := &model.RecoveryAttempt{StartedAt: time.Now()}
	m.logger.Warn("starting network recovery", "services", strings.Join(m.services, ","))

	step := func(name string, fn func() error) {
		start := time.Now()
		err := fn()
		sr := model.StepResult{Name: name, Success: err == nil, StartedAt: start, Duration: time.Since(start)}
		if err != nil {
			sr.Error = err.Error()
		}
		attempt.Actions = append(attempt.Actions, sr)
		m.logger.StepLog(m.deviceID, name, err == nil, err)
	}

	for _, iface := range m.cfg.CriticalInterfaces {
		step("reset_interface:"+iface, func() error { return m.probe.ResetInterface(ctx, iface) })
	}
	for _, svc := range m.services {
		step("restart_service:"+svc, func() error { return m.probe.RestartService(ctx, svc) })
	}

	if err := m.sleeper.Sleep(ctx, m.cfg.StabilizationWait); err != nil {
		step("stabilize", func() error { return err })
		attempt.Duration = time.Since(attempt.StartedAt)
		return attempt
	}

	attempt.After = m.Check(ctx)
	attempt.Success = attempt.After.OverallState.Acceptable()
	attempt.Duration = time.Since(attempt.StartedAt)

	m.logger.RecoveryLog("network_recovery", attempt.Success, attempt.Duration,
		"state", attempt.After.OverallState)
	return attempt
}
