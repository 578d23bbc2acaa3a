// Package model 定义核心数据模型
//
// deployment.go 包含部署相关的数据模型定义：
//   - Deployment：一次配置发布尝试
//   - DeploymentPhase：部署阶段
//   - DeviceDeployResult / StepResult：单设备的步骤结果
package model

import (
	"time"
)

// ============================================================================
// Strategy - 发布策略
// ============================================================================

// Strategy 发布策略
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyCanary    Strategy = "canary"
	StrategyParallel  Strategy = "parallel"
	StrategyBlueGreen Strategy = "blue_green"
)

// Valid 是否为已知策略
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRolling, StrategyCanary, StrategyParallel, StrategyBlueGreen:
		return true
	}
	return false
}

// ============================================================================
// DeploymentPhase - 部署阶段
// ============================================================================

// DeploymentPhase 部署阶段
//
//	planning → preflight → deployment → verification → completed
//	               ↓            ↓             ↓
//	             failed ←── rollback ←────────┘
//
// completed 与 failed 为终态，进入终态后部署记录不再变更。
type DeploymentPhase string

const (
	PhasePlanning     DeploymentPhase = "planning"
	PhasePreFlight    DeploymentPhase = "preflight"
	PhaseDeployment   DeploymentPhase = "deployment"
	PhaseVerification DeploymentPhase = "verification"
	PhaseRollback     DeploymentPhase = "rollback"
	PhaseCompleted    DeploymentPhase = "completed"
	PhaseFailed       DeploymentPhase = "failed"
)

// IsTerminal 是否为终态
func (p DeploymentPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ============================================================================
// Step - 单设备部署步骤
// ============================================================================

// 单设备部署步骤名称
const (
	StepConnectivityTest = "connectivity_test"
	StepBackup           = "backup"
	StepDeploy           = "deploy"
	StepVerify           = "verify"
	StepRollback         = "rollback"
	StepHealthCheck      = "health_check"
)

// StepResult 单个步骤结果
type StepResult struct {
	Name      string        `json:"name" bson:"name"`
	Success   bool          `json:"success" bson:"success"`
	Error     string        `json:"error,omitempty" bson:"error,omitempty"`
	Output    string        `json:"output,omitempty" bson:"output,omitempty"`
	StartedAt time.Time     `json:"started_at" bson:"started_at"`
	Duration  time.Duration `json:"duration" bson:"duration"`
}

// DeviceDeployStatus 单设备部署状态
type DeviceDeployStatus string

const (
	DeviceDeployPending    DeviceDeployStatus = "pending"
	DeviceDeployRunning    DeviceDeployStatus = "running"
	DeviceDeploySucceeded  DeviceDeployStatus = "succeeded"
	DeviceDeployFailed     DeviceDeployStatus = "failed"
	DeviceDeployRolledBack DeviceDeployStatus = "rolled_back"
)

// DeviceDeployResult 单设备部署结果（设备尝试结束后不可变）
type DeviceDeployResult struct {
	DeviceID    string             `json:"device_id" bson:"device_id"`
	OperationID string             `json:"operation_id,omitempty" bson:"operation_id,omitempty"`
	Status      DeviceDeployStatus `json:"status" bson:"status"`
	Steps       []StepResult       `json:"steps" bson:"steps"`
	BackupPath  string             `json:"backup_path,omitempty" bson:"backup_path,omitempty"`
	ArchiveKey  string             `json:"archive_key,omitempty" bson:"archive_key,omitempty"`
	Recovered   bool               `json:"recovered,omitempty" bson:"recovered,omitempty"`
	// ManualIntervention 自动恢复失败，需要操作员处理
	ManualIntervention bool       `json:"manual_intervention,omitempty" bson:"manual_intervention,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// Succeeded 设备部署是否成功
func (r *DeviceDeployResult) Succeeded() bool {
	return r != nil && r.Status == DeviceDeploySucceeded
}

// FailedStep 返回第一个失败的步骤名（无失败时返回空串）
func (r *DeviceDeployResult) FailedStep() string {
	if r == nil {
		return ""
	}
	for _, s := range r.Steps {
		if !s.Success && s.Name != StepRollback {
			return s.Name
		}
	}
	return ""
}

// Step 按名称查找步骤
func (r *DeviceDeployResult) Step(name string) (StepResult, bool) {
	if r == nil {
		return StepResult{}, false
	}
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// ============================================================================
// Deployment - 部署
// ============================================================================

// DeploymentConfig 部署请求
//
// 目标解析：DeviceIDs ∪ Groups 中的设备，再去除 Exclude。
type DeploymentConfig struct {
	Name              string        `json:"name" yaml:"name"`
	DeviceIDs         []string      `json:"device_ids,omitempty" yaml:"device_ids"`
	Groups            []string      `json:"groups,omitempty" yaml:"groups"`
	Exclude           []string      `json:"exclude,omitempty" yaml:"exclude"`
	Strategy          Strategy      `json:"strategy" yaml:"strategy"`
	Source            string        `json:"source" yaml:"source"` // 配置源（本地文件路径）
	ParallelLimit     int           `json:"parallel_limit,omitempty" yaml:"parallel_limit"`
	CanaryPercentage  float64       `json:"canary_percentage,omitempty" yaml:"canary_percentage"`
	CanarySoak        time.Duration `json:"canary_soak,omitempty" yaml:"canary_soak"`
	HealthCheck       bool          `json:"health_check_required" yaml:"health_check_required"`
	RollbackOnFailure bool          `json:"rollback_on_failure" yaml:"rollback_on_failure"`
	PreflightChecks   []string      `json:"preflight_checks,omitempty" yaml:"preflight_checks"`
	DeviceTimeout     time.Duration `json:"device_timeout,omitempty" yaml:"device_timeout"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	DryRun            bool          `json:"dry_run,omitempty" yaml:"dry_run"`
}

// Deployment 一次发布尝试
type Deployment struct {
	ID           string                         `json:"id" bson:"_id"`
	Name         string                         `json:"name" bson:"name"`
	Strategy     Strategy                       `json:"strategy" bson:"strategy"`
	Config       DeploymentConfig               `json:"config" bson:"config"`
	Targets      []string                       `json:"targets" bson:"targets"`
	TotalDevices int                            `json:"total_devices" bson:"total_devices"`
	Phase        DeploymentPhase                `json:"phase" bson:"phase"`
	Results      map[string]*DeviceDeployResult `json:"results" bson:"results"`
	// Rollbacks 回滚阶段对已成功设备的恢复结果（设备结果本身保持不变）
	Rollbacks  map[string]StepResult `json:"rollbacks,omitempty" bson:"rollbacks,omitempty"`
	Error      string                `json:"error,omitempty" bson:"error,omitempty"`
	ResultCode ResultCode            `json:"result_code" bson:"result_code"`
	CreatedAt  time.Time             `json:"created_at" bson:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	Duration   time.Duration         `json:"duration" bson:"duration"`
}

// Counts 统计各设备结果
func (d *Deployment) Counts() (succeeded, failed, pending int) {
	for _, id := range d.Targets {
		r := d.Results[id]
		switch {
		case r == nil || r.Status == DeviceDeployPending:
			pending++
		case r.Status == DeviceDeploySucceeded:
			succeeded++
		case r.Status == DeviceDeployRunning:
			pending++
		default:
			failed++
		}
	}
	return
}

// DeploymentResult 执行部署后返回给调用方的汇总
type DeploymentResult struct {
	DeploymentID string                         `json:"deployment_id"`
	Phase        DeploymentPhase                `json:"phase"`
	ResultCode   ResultCode                     `json:"result_code"`
	Succeeded    int                            `json:"succeeded"`
	Failed       int                            `json:"failed"`
	Pending      int                            `json:"pending"`
	Results      map[string]*DeviceDeployResult `json:"results"`
	Rollbacks    map[string]StepResult          `json:"rollbacks,omitempty"`
	Duration     time.Duration                  `json:"duration"`
	Error        string                         `json:"error,omitempty"`
}
