// Package model 定义核心数据模型
//
// health.go 包含网络健康检查相关的数据模型定义
package model

import "time"

// NetworkState 网络整体状态
type NetworkState string

const (
	NetworkHealthy  NetworkState = "healthy"
	NetworkDegraded NetworkState = "degraded"
	NetworkCritical NetworkState = "critical"
	NetworkFailed   NetworkState = "failed"
	NetworkUnknown  NetworkState = "unknown"
)

// Acceptable 是否可视为恢复成功（healthy 或 degraded）
func (s NetworkState) Acceptable() bool {
	return s == NetworkHealthy || s == NetworkDegraded
}

// TestResult 单项健康测试结果
type TestResult struct {
	Name     string            `json:"name" bson:"name"`
	Success  bool              `json:"success" bson:"success"`
	Critical bool              `json:"critical" bson:"critical"`
	Duration time.Duration     `json:"duration" bson:"duration"`
	Error    string            `json:"error,omitempty" bson:"error,omitempty"`
	Details  map[string]string `json:"details,omitempty" bson:"details,omitempty"`
}

// HealthStatus 一轮健康检查的快照
type HealthStatus struct {
	DeviceID       string                `json:"device_id,omitempty" bson:"device_id,omitempty"`
	Timestamp      time.Time             `json:"timestamp" bson:"timestamp"`
	Tests          map[string]TestResult `json:"tests" bson:"tests"`
	Passed         int                   `json:"passed" bson:"passed"`
	Failed         int                   `json:"failed" bson:"failed"`
	CriticalFailed int                   `json:"critical_failed" bson:"critical_failed"`
	OverallState   NetworkState          `json:"overall_state" bson:"overall_state"`
	RecoveryNeeded bool                  `json:"recovery_needed" bson:"recovery_needed"`
}

// FailedTests 返回失败测试名称
func (h *HealthStatus) FailedTests() []string {
	var out []string
	for name, t := range h.Tests {
		if !t.Success {
			out = append(out, name)
		}
	}
	return out
}

// PerformanceSample 网络性能采样
type PerformanceSample struct {
	GatewayRTT     time.Duration `json:"gateway_rtt"`
	DNSResolveTime time.Duration `json:"dns_resolve_time"`
	PacketLoss     float64       `json:"packet_loss"` // 0-100
}

// NetworkBaseline 健康监控启动时采集的网络基线
type NetworkBaseline struct {
	CapturedAt     time.Time         `json:"captured_at"`
	Interfaces     map[string]bool   `json:"interfaces"` // name → up
	Routes         []string          `json:"routes"`
	DNSServers     []string          `json:"dns_servers"`
	DefaultGateway string            `json:"default_gateway"`
	Health         *HealthStatus     `json:"health"`
	Performance    PerformanceSample `json:"performance"`
}

// RecoveryAttempt 网络自动恢复结果
type RecoveryAttempt struct {
	StartedAt time.Time     `json:"started_at"`
	Actions   []StepResult  `json:"actions"`
	After     *HealthStatus `json:"after,omitempty"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// ============================================================================
// Fleet health
// ============================================================================

// FleetRating 舰队健康评级
type FleetRating string

const (
	FleetExcellent FleetRating = "excellent"
	FleetGood      FleetRating = "good"
	FleetDegraded  FleetRating = "degraded"
	FleetCritical  FleetRating = "critical"
)

// RateFleet 按健康设备百分比评级：≥95 excellent，≥85 good，≥70 degraded，其余 critical
func RateFleet(healthyPercent float64) FleetRating {
	switch {
	case healthyPercent >= 95:
		return FleetExcellent
	case healthyPercent >= 85:
		return FleetGood
	case healthyPercent >= 70:
		return FleetDegraded
	default:
		return FleetCritical
	}
}

// FleetHealthStatus 舰队健康汇总
type FleetHealthStatus struct {
	Timestamp      time.Time                `json:"timestamp"`
	Total          int                      `json:"total"`
	Healthy        int                      `json:"healthy"`
	Degraded       int                      `json:"degraded"`
	Failed         int                      `json:"failed"`
	Unreachable    int                      `json:"unreachable"`
	HealthyPercent float64                  `json:"healthy_percent"`
	Rating         FleetRating              `json:"rating"`
	Devices        map[string]*HealthStatus `json:"devices"`
}
