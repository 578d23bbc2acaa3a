// Package metrics Prometheus 指标导出
//
// 所有方法都允许 nil 接收者，未启用指标时调用方传 nil 即可。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace 指标命名空间
const Namespace = "uci_fleet"

// Metrics 编排器指标
type Metrics struct {
	registry *prometheus.Registry

	// 部署指标
	DeploymentsTotal   *prometheus.CounterVec
	DeploymentDuration *prometheus.HistogramVec
	DevicesInFlight    prometheus.Gauge
	DeviceStepsTotal   *prometheus.CounterVec

	// 恢复指标
	RecoveriesTotal *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec

	// 健康与漂移
	HealthChecksTotal *prometheus.CounterVec
	FleetHealthyRatio prometheus.Gauge
	DriftReportsTotal *prometheus.CounterVec
	RemediationsTotal *prometheus.CounterVec
}

// New 创建指标实例，注册到独立的 Registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DeploymentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "deployments_total",
				Help:      "Total deployments by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		DeploymentDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Deployment duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"strategy"},
		),
		DevicesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "devices_in_flight",
				Help:      "Number of devices currently being deployed",
			},
		),
		DeviceStepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "device_steps_total",
				Help:      "Total per-device deployment steps by step and status",
			},
			[]string{"step", "status"},
		),
		RecoveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "recoveries_total",
				Help:      "Total recovery invocations by strategy and status",
			},
			[]string{"strategy", "status"},
		),
		BreakerOpen: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "circuit_breaker_open",
				Help:      "1 when the circuit breaker for an error type is open",
			},
			[]string{"error_type"},
		),
		HealthChecksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "health_checks_total",
				Help:      "Total device health checks by resulting state",
			},
			[]string{"state"},
		),
		FleetHealthyRatio: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "fleet_healthy_percent",
				Help:      "Percentage of healthy devices at the last fleet check",
			},
		),
		DriftReportsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "drift_reports_total",
				Help:      "Total drift reports by severity",
			},
			[]string{"severity"},
		),
		RemediationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "remediations_total",
				Help:      "Total remediation executions by status",
			},
			[]string{"status"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

// RecordDeployment 记录部署完成
func (m *Metrics) RecordDeployment(strategy, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(strategy, result).Inc()
	m.DeploymentDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// DeviceStarted 设备开始部署
func (m *Metrics) DeviceStarted() {
	if m == nil {
		return
	}
	m.DevicesInFlight.Inc()
}

// DeviceFinished 设备部署结束
func (m *Metrics) DeviceFinished() {
	if m == nil {
		return
	}
	m.DevicesInFlight.Dec()
}

// RecordStep 记录单设备步骤
func (m *Metrics) RecordStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.DeviceStepsTotal.WithLabelValues(step, status(ok)).Inc()
}

// RecordRecovery 记录恢复结果
func (m *Metrics) RecordRecovery(strategy string, ok bool) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(strategy, status(ok)).Inc()
}

// SetBreakerOpen 设置熔断器状态
func (m *Metrics) SetBreakerOpen(errorType string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(errorType).Set(v)
}

// RecordHealthCheck 记录健康检查
func (m *Metrics) RecordHealthCheck(state string) {
	if m == nil {
		return
	}
	m.HealthChecksTotal.WithLabelValues(state).Inc()
}

// SetFleetHealthy 设置舰队健康百分比
func (m *Metrics) SetFleetHealthy(percent float64) {
	if m == nil {
		return
	}
	m.FleetHealthyRatio.Set(percent)
}

// RecordDrift 记录漂移报告
func (m *Metrics) RecordDrift(severity string) {
	if m == nil {
		return
	}
	m.DriftReportsTotal.WithLabelValues(severity).Inc()
}

// RecordRemediation 记录修复执行
func (m *Metrics) RecordRemediation(status string) {
	if m == nil {
		return
	}
	m.RemediationsTotal.WithLabelValues(status).Inc()
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
