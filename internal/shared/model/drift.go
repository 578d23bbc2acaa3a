// Package model 定义核心数据模型
//
// drift.go 包含配置漂移相关的数据模型定义：
//   - Baseline：受跟踪文件的校验和基线
//   - DriftReport：某一时刻的漂移对比结果
//   - RemediationPlan / RemediationResult：修复计划与执行结果
package model

import "time"

// FileBaseline 单个文件的基线
type FileBaseline struct {
	Path       string    `json:"path" bson:"path"`
	Checksum   string    `json:"checksum" bson:"checksum"`
	Size       int64     `json:"size" bson:"size"`
	CapturedAt time.Time `json:"captured_at" bson:"captured_at"`
}

// Baseline 受跟踪文件 → 基线，只能被显式重新基线整体替换
//
// Scope 区分不同的配置集合：本机为 "local"，设备为设备 ID。
type Baseline struct {
	Scope      string                  `json:"scope" bson:"scope"`
	Files      map[string]FileBaseline `json:"files" bson:"files"`
	Revision   string                  `json:"revision" bson:"revision"`
	Message    string                  `json:"message" bson:"message"`
	CapturedAt time.Time               `json:"captured_at" bson:"captured_at"`
}

// Paths 返回基线中的文件路径
func (b *Baseline) Paths() []string {
	out := make([]string, 0, len(b.Files))
	for p := range b.Files {
		out = append(out, p)
	}
	return out
}

// FileDiff 单文件结构化差异
type FileDiff struct {
	SectionsAdded    []string `json:"sections_added,omitempty"`
	SectionsRemoved  []string `json:"sections_removed,omitempty"`
	SectionsModified []string `json:"sections_modified,omitempty"`
	OptionsChanged   []string `json:"options_changed,omitempty"`
}

// Structural 是否包含段落级别的增删
func (d FileDiff) Structural() bool {
	return len(d.SectionsAdded) > 0 || len(d.SectionsRemoved) > 0
}

// Empty 是否没有差异
func (d FileDiff) Empty() bool {
	return len(d.SectionsAdded) == 0 && len(d.SectionsRemoved) == 0 &&
		len(d.SectionsModified) == 0 && len(d.OptionsChanged) == 0
}

// FileDrift 单文件漂移分析
type FileDrift struct {
	Path             string   `json:"path"`
	Change           string   `json:"change"` // modified, added, deleted
	BaselineChecksum string   `json:"baseline_checksum,omitempty"`
	CurrentChecksum  string   `json:"current_checksum,omitempty"`
	Diff             FileDiff `json:"diff"`
	Severity         Severity `json:"severity"`
	Escalated        bool     `json:"escalated,omitempty"` // 防火墙/网络结构性增删
}

// 文件变化类型
const (
	ChangeModified = "modified"
	ChangeAdded    = "added"
	ChangeDeleted  = "deleted"
)

// SyncStatus 同步状态
type SyncStatus string

const (
	SyncInSync     SyncStatus = "in_sync"
	SyncDrifted    SyncStatus = "drifted"
	SyncRemediated SyncStatus = "remediated"
)

// DriftReport 某一时刻的漂移对比
//
// ChangedFiles ⊆ 基线键集合；NewFiles 为新发现的文件。
type DriftReport struct {
	ID                  string               `json:"id"`
	Scope               string               `json:"scope"`
	Timestamp           time.Time            `json:"timestamp"`
	BaselineRevision    string               `json:"baseline_revision"`
	DriftDetected       bool                 `json:"drift_detected"`
	ChangedFiles        []string             `json:"changed_files"`
	NewFiles            []string             `json:"new_files,omitempty"`
	DeletedFiles        []string             `json:"deleted_files,omitempty"`
	Analysis            map[string]FileDrift `json:"analysis"`
	Severity            Severity             `json:"severity"`
	RemediationRequired bool                 `json:"remediation_required"`
	Status              SyncStatus           `json:"status"`
}

// RemediationStep 修复计划中的单步
type RemediationStep struct {
	Order       int    `json:"order"`
	File        string `json:"file"`
	Action      string `json:"action"` // restore, remove, reload
	Description string `json:"description"`
	Critical    bool   `json:"critical"`
}

// 修复动作
const (
	RemediateRestore = "restore"
	RemediateRemove  = "remove"
	RemediateReload  = "reload"
	// RemediateRevert 回滚计划专用：写回修复前的内容
	RemediateRevert  = "revert"
)

// RemediationPlan 修复计划
type RemediationPlan struct {
	ID               string            `json:"id"`
	ReportID         string            `json:"report_id"`
	Scope            string            `json:"scope"`
	BaselineRevision string            `json:"baseline_revision"`
	CreatedAt        time.Time         `json:"created_at"`
	Severity         Severity          `json:"severity"`
	Steps            []RemediationStep `json:"steps"`
	RollbackSteps    []RemediationStep `json:"rollback_steps"`
	ApprovalRequired bool              `json:"approval_required"`
	Approved         bool              `json:"approved"`
	NoChanges        bool              `json:"no_changes"`
}

// RemediationResult 修复执行结果
type RemediationResult struct {
	PlanID        string        `json:"plan_id"`
	Status        SyncStatus    `json:"status"`
	StepsExecuted int           `json:"steps_executed"`
	StepsFailed   int           `json:"steps_failed"`
	StepResults   []StepResult  `json:"step_results"`
	RolledBack    bool          `json:"rolled_back"`
	NoChanges     bool          `json:"no_changes"`
	PostCheck     *DriftReport  `json:"post_check,omitempty"`
	Duration      time.Duration `json:"duration"`
	Message       string        `json:"message,omitempty"`
}
