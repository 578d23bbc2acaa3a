// Package model 定义核心数据模型
//
// audit.go 包含审计事件与结果码定义
package model

import (
	"encoding/json"
	"time"
)

// AuditKind 审计事件类别
type AuditKind string

const (
	AuditError      AuditKind = "error"
	AuditRecovery   AuditKind = "recovery"
	AuditDrift      AuditKind = "drift"
	AuditDeployment AuditKind = "deployment"

	// AuditBreakerReset 操作员重置熔断器，Summary 为错误类型（"*" 表示全部）
	AuditBreakerReset AuditKind = "breaker_reset"
)

// AuditEvent 只追加的审计事件，每条错误/恢复/漂移/部署事件一条
type AuditEvent struct {
	ID           string          `json:"id" bson:"_id"`
	Kind         AuditKind       `json:"kind" bson:"kind"`
	Timestamp    time.Time       `json:"timestamp" bson:"timestamp"`
	DeviceID     string          `json:"device_id,omitempty" bson:"device_id,omitempty"`
	DeploymentID string          `json:"deployment_id,omitempty" bson:"deployment_id,omitempty"`
	Summary      string          `json:"summary" bson:"summary"`
	Payload      json.RawMessage `json:"payload" bson:"payload"`
}

// ============================================================================
// ResultCode - 编排边界结果码
// ============================================================================

// ResultCode 编排边界的结果码（CLI 直接用作退出码）
type ResultCode int

const (
	ResultSuccess             ResultCode = 0
	ResultRecovered           ResultCode = 1
	ResultRolledBack          ResultCode = 2
	ResultManualIntervention  ResultCode = 3
	ResultDriftBelowThreshold ResultCode = 4
	ResultDriftAboveThreshold ResultCode = 5
)

// String 结果码名称
func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "success"
	case ResultRecovered:
		return "succeeded_after_recovery"
	case ResultRolledBack:
		return "failed_rolled_back"
	case ResultManualIntervention:
		return "manual_intervention_required"
	case ResultDriftBelowThreshold:
		return "drift_below_threshold"
	case ResultDriftAboveThreshold:
		return "drift_above_threshold"
	}
	return "unknown"
}
