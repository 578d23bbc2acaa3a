// Package model 定义核心数据模型
//
// recovery.go 包含错误分类与恢复相关的数据模型定义：
//   - ErrorKind / OpError：带类型标签的操作错误
//   - Severity / RecoveryStrategy：分类结果
//   - ErrorRecord / RecoveryOutcome：只追加的审计事实
package model

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// ErrorKind - 错误类别
// ============================================================================

// ErrorKind 错误类别标签
type ErrorKind string

const (
	KindConnectivity  ErrorKind = "connectivity"
	KindConfiguration ErrorKind = "configuration"
	KindService       ErrorKind = "service"
	KindResource      ErrorKind = "resource"
	KindTimeout       ErrorKind = "timeout"
	KindDrift         ErrorKind = "drift"
	KindUnclassified  ErrorKind = "unclassified"
)

// OpError 带类别的操作错误
//
// Type 是稳定的错误类型名（熔断器按它计数），Kind 决定恢复策略。
type OpError struct {
	Kind     ErrorKind
	Type     string
	Op       string
	DeviceID string
	Message  string
	Err      error
}

// Error 实现 error 接口
func (e *OpError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.DeviceID != "" {
		return fmt.Sprintf("%s %s [%s]: %s", e.Op, e.DeviceID, e.Kind, msg)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, msg)
}

// Unwrap 支持 errors.Is / errors.As
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError 构造 OpError，Type 缺省时取 Kind
func NewOpError(kind ErrorKind, op, deviceID string, err error) *OpError {
	e := &OpError{Kind: kind, Type: string(kind), Op: op, DeviceID: deviceID, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// AsOpError 从错误链中提取 OpError
func AsOpError(err error) (*OpError, bool) {
	var op *OpError
	if errors.As(err, &op) {
		return op, true
	}
	return nil, false
}

// ============================================================================
// Severity / RecoveryStrategy
// ============================================================================

// Severity 严重级别
type Severity string

const (
	SeverityLow                Severity = "low"
	SeverityMedium             Severity = "medium"
	SeverityHigh               Severity = "high"
	SeverityCritical           Severity = "critical"
	SeverityManualIntervention Severity = "manual_intervention"
)

// Rank 严重级别序号，用于比较
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	case SeverityManualIntervention:
		return 5
	}
	return 0
}

// AtLeast 是否不低于给定级别
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity 解析严重级别，未知值返回 false
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	return sev, sev.Rank() > 0
}

// RecoveryStrategy 恢复策略
type RecoveryStrategy string

const (
	StrategyImmediateRollback  RecoveryStrategy = "immediate_rollback"
	StrategyGradualRollback    RecoveryStrategy = "gradual_rollback"
	StrategyRetryWithBackoff   RecoveryStrategy = "retry_with_backoff"
	StrategyCircuitBreaker     RecoveryStrategy = "circuit_breaker"
	StrategyManualIntervention RecoveryStrategy = "manual_intervention"
)

// ============================================================================
// 审计记录
// ============================================================================

// ErrorInfo 调用方上报的原始错误
type ErrorInfo struct {
	Type    string    `json:"type" bson:"type"`
	Kind    ErrorKind `json:"kind,omitempty" bson:"kind,omitempty"`
	Message string    `json:"message" bson:"message"`
}

// ErrorInfoFrom 从 error 构造 ErrorInfo
func ErrorInfoFrom(err error) ErrorInfo {
	if op, ok := AsOpError(err); ok {
		return ErrorInfo{Type: op.Type, Kind: op.Kind, Message: op.Error()}
	}
	return ErrorInfo{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// OperationContext 产生错误时的操作上下文
type OperationContext struct {
	OperationID      string   `json:"operation_id" bson:"operation_id"`
	Operation        string   `json:"operation" bson:"operation"`
	DeviceID         string   `json:"device_id,omitempty" bson:"device_id,omitempty"`
	DeploymentID     string   `json:"deployment_id,omitempty" bson:"deployment_id,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty" bson:"affected_services,omitempty"`
	BackupPath       string   `json:"backup_path,omitempty" bson:"backup_path,omitempty"`

	// Retry 重试时重新执行的操作，不参与序列化
	Retry func() error `json:"-" bson:"-"`
}

// SystemSnapshot 错误发生时的系统状态快照
type SystemSnapshot struct {
	Memory     string   `json:"memory,omitempty" bson:"memory,omitempty"`
	Disk       string   `json:"disk,omitempty" bson:"disk,omitempty"`
	Services   []string `json:"services,omitempty" bson:"services,omitempty"`
	Interfaces []string `json:"interfaces,omitempty" bson:"interfaces,omitempty"`
	Error      string   `json:"error,omitempty" bson:"error,omitempty"`
}

// ErrorRecord 已分类错误的审计记录
type ErrorRecord struct {
	ID               string           `json:"id" bson:"_id"`
	Timestamp        time.Time        `json:"timestamp" bson:"timestamp"`
	Type             string           `json:"type" bson:"type"`
	Kind             ErrorKind        `json:"kind" bson:"kind"`
	Message          string           `json:"message" bson:"message"`
	Severity         Severity         `json:"severity" bson:"severity"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy" bson:"recovery_strategy"`
	BreakerCount     int              `json:"breaker_count" bson:"breaker_count"`
	Context          OperationContext `json:"context" bson:"context"`
	System           SystemSnapshot   `json:"system" bson:"system"`
}

// RecoveryStep 恢复过程中的单个动作
type RecoveryStep struct {
	Action  string        `json:"action" bson:"action"`
	Target  string        `json:"target,omitempty" bson:"target,omitempty"`
	Success bool          `json:"success" bson:"success"`
	Error   string        `json:"error,omitempty" bson:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed" bson:"elapsed"`
}

// RecoveryOutcome 恢复策略执行结果
type RecoveryOutcome struct {
	ID       string           `json:"id" bson:"_id"`
	ErrorID  string           `json:"error_id" bson:"error_id"`
	Strategy RecoveryStrategy `json:"strategy" bson:"strategy"`
	Severity Severity         `json:"severity" bson:"severity"`
	Steps    []RecoveryStep   `json:"steps" bson:"steps"`
	Attempts int              `json:"attempts,omitempty" bson:"attempts,omitempty"`
	Success  bool             `json:"success" bson:"success"`

	// RolledBack 配置已从备份恢复（成功时原操作的变更已撤销）
	RolledBack bool          `json:"rolled_back,omitempty" bson:"rolled_back,omitempty"`
	Escalated  bool          `json:"escalated,omitempty" bson:"escalated,omitempty"`
	Summary    string        `json:"summary" bson:"summary"`
	StartedAt  time.Time     `json:"started_at" bson:"started_at"`
	Elapsed    time.Duration `json:"elapsed" bson:"elapsed"`
}

// AllStepsSucceeded 所有步骤是否成功
func (o *RecoveryOutcome) AllStepsSucceeded() bool {
	for _, s := range o.Steps {
		if !s.Success {
			return false
		}
	}
	return true
}
