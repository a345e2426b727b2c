package types

// ============================================================================
// 恢復與完整性相關的結果模型
// ============================================================================

import "time"

// RecoveryMethod 恢復鏈實際採用的手段
type RecoveryMethod string

const (
	MethodSnapshotRestore     RecoveryMethod = "snapshot_restore"
	MethodStateRepair         RecoveryMethod = "state_repair"
	MethodBackupRestore       RecoveryMethod = "backup_restore"
	MethodFallbackCreation    RecoveryMethod = "fallback_creation"
	MethodGracefulDegradation RecoveryMethod = "graceful_degradation"
)

// RecoveryResult 一次恢復呼叫的完整結果，成功與否都填滿所有觀測欄位
type RecoveryResult struct {
	Success        bool           `json:"success"`
	Method         RecoveryMethod `json:"method"`
	RecoveredQueue *Queue         `json:"recovered_queue,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Duration       time.Duration  `json:"duration"`
}

// RepairAction 完整性修復動作
type RepairAction string

const (
	RepairRecomputeChecksum RepairAction = "recompute_checksum"
	RepairPruneDanglingRefs RepairAction = "prune_dangling_refs"
	RepairDedupeTasks       RepairAction = "dedupe_tasks"
	RepairResetCurrentTask  RepairAction = "reset_current_task"
)

// IntegrityReport 佇列完整性驗證結果
type IntegrityReport struct {
	IsValid        bool           `json:"is_valid"`
	Errors         []string       `json:"errors,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	IntegrityScore float64        `json:"integrity_score"` // 1.0 = 完全健康
	CanRepair      bool           `json:"can_repair"`
	RepairActions  []RepairAction `json:"repair_actions,omitempty"`
}

// DegradationLevel 系統過載時的降級等級
type DegradationLevel string

const (
	DegradationNone    DegradationLevel = "none"
	DegradationMinimal DegradationLevel = "minimal" // 改用快取副本
	DegradationSevere  DegradationLevel = "severe"  // 改用緊急空佇列
)

// ResourceStatus 系統資源監視器回報的狀態
type ResourceStatus struct {
	MemoryUsage      float64          `json:"memory_usage"` // 0.0 ~ 1.0
	CPUUsage         float64          `json:"cpu_usage"`    // 0.0 ~ 1.0
	IsOverloaded     bool             `json:"is_overloaded"`
	DegradationLevel DegradationLevel `json:"degradation_level"`
}
