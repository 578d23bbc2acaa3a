// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// 编排事件类型
const (
	EventDeploymentPhase = "deployment.phase"
	EventDeviceStep      = "device.step"
	EventDeviceResult    = "device.result"
	EventRecovery        = "recovery.outcome"
	EventDriftReport     = "drift.report"
	EventHealthStatus    = "health.status"
)

// FleetEvent 编排过程中产生的事件
type FleetEvent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyFleetEvents Stream key 前缀，后接 stream 名（部署 ID 或 "fleet"）
	KeyFleetEvents = "fleet_events:"

	// StreamFleet 全局事件流（漂移、健康等不属于某次部署的事件）
	StreamFleet = "fleet"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)

// StreamFor 返回事件应写入的 stream 名
func StreamFor(ev *FleetEvent) string {
	if ev.DeploymentID != "" {
		return ev.DeploymentID
	}
	return StreamFleet
}
