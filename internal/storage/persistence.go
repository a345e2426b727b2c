// ============================================================================
// IdleForge 持久化契約
// ============================================================================
//
// Package: internal/storage
// 文件: persistence.go
// 功能: 定義佇列狀態的持久化介面與共用的完整性驗證邏輯
//
// 職責說明：
//   1. Persistence - 上層元件唯一的儲存入口，背後可以是記憶體、
//      SQLite 或其他耐久 KV 儲存
//   2. 條件式更新 - SaveQueueWithAtomicUpdate 在版本不符時必須
//      原子性地失敗，防止舊寫覆蓋新寫
//   3. 完整性驗證 - ValidateQueue / RepairQueue 的邏輯與儲存引擎
//      無關，兩個實作共用
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrVersionConflict 儲存的版本不低於寫入版本，寫入被拒
	ErrVersionConflict = errors.New("queue version conflict")
	// ErrSnapshotNotFound 指定的快照不存在
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrQueueNotFound 佇列不存在（供需要明確錯誤的呼叫方使用）
	ErrQueueNotFound = errors.New("queue not found")
)

// ============================================================================
// 介面定義
// ============================================================================

// SaveOptions 寫入時的附帶行為
type SaveOptions struct {
	ValidateBeforeUpdate bool   // 寫入前先跑完整性驗證
	CreateSnapshot       bool   // 寫入成功後建立耐久快照
	SnapshotReason       string // 快照原因（CreateSnapshot 為真時使用）
}

// Persistence 佇列狀態的持久化協作者
//
// LoadQueue 在佇列不存在時回傳 (nil, nil)，呼叫方自行決定是否視為錯誤
type Persistence interface {
	LoadQueue(ctx context.Context, playerID types.PlayerID) (*types.Queue, error)
	SaveQueueWithAtomicUpdate(ctx context.Context, q *types.Queue, opts SaveOptions) error
	ValidateQueueIntegrity(ctx context.Context, q *types.Queue) (*types.IntegrityReport, error)
	RepairQueue(ctx context.Context, q *types.Queue, actions []types.RepairAction) (*types.Queue, error)
	CreateStateSnapshot(ctx context.Context, q *types.Queue, reason string) (string, error)
	PlayerSnapshots(ctx context.Context, playerID types.PlayerID, limit int) ([]types.StateSnapshot, error)
	RestoreFromSnapshot(ctx context.Context, playerID types.PlayerID, snapshotID string) (*types.Queue, error)
}

// SessionCache 最後手段的本地快取來源：讀取先前序列化過的佇列 blob
type SessionCache interface {
	ReadCachedQueue(ctx context.Context, playerID types.PlayerID) ([]byte, error)
}

// ============================================================================
// 完整性驗證（儲存引擎無關）
// ============================================================================

// ValidateQueue 檢查佇列的結構完整性
//
// 檢查項目：
//   - 校驗和與標準欄位內容相符
//   - 版本為正數
//   - 排隊任務 ID 無重複
//   - 任務 payload 與種類一致
//   - 進度落在 [0,1]
//
// 可修復的問題會附上修復動作，交由 RepairQueue 執行
func ValidateQueue(q *types.Queue) *types.IntegrityReport {
	report := &types.IntegrityReport{IsValid: true, IntegrityScore: 1.0}

	fail := func(repairable bool, action types.RepairAction, format string, args ...any) {
		report.IsValid = false
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
		report.IntegrityScore -= 0.2
		if repairable {
			report.CanRepair = true
			report.RepairActions = appendUniqueAction(report.RepairActions, action)
		}
	}

	if q.PlayerID == "" {
		report.IsValid = false
		report.Errors = append(report.Errors, "queue has no player id")
		report.IntegrityScore = 0
		return report
	}

	if q.Version <= 0 {
		fail(false, "", "non-positive version %d", q.Version)
	}

	if !types.VerifyChecksum(q) {
		fail(true, types.RepairRecomputeChecksum,
			"checksum mismatch: recorded=%s computed=%s", q.Checksum, types.ComputeChecksum(q))
	}

	seen := make(map[types.TaskID]bool, len(q.QueuedTasks))
	for _, task := range q.QueuedTasks {
		if task.ID == "" {
			fail(true, types.RepairPruneDanglingRefs, "queued task with empty id")
			continue
		}
		if seen[task.ID] {
			fail(true, types.RepairDedupeTasks, "duplicate queued task %s", task.ID)
		}
		seen[task.ID] = true

		if err := task.Activity.Validate(task.Kind); err != nil {
			fail(true, types.RepairPruneDanglingRefs, "task %s: %v", task.ID, err)
		}
		if task.Progress < 0 || task.Progress > 1 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("task %s progress %.2f outside [0,1]", task.ID, task.Progress))
		}
	}

	if q.CurrentTask != nil {
		if q.CurrentTask.ID == "" {
			fail(true, types.RepairResetCurrentTask, "current task with empty id")
		} else if err := q.CurrentTask.Activity.Validate(q.CurrentTask.Kind); err != nil {
			fail(true, types.RepairResetCurrentTask, "current task %s: %v", q.CurrentTask.ID, err)
		}
		// 當前任務同時出現在排隊列表是狀態分裂
		if q.CurrentTask.ID != "" && seen[q.CurrentTask.ID] {
			fail(true, types.RepairDedupeTasks, "current task %s also queued", q.CurrentTask.ID)
		}
	}

	if report.IntegrityScore < 0 {
		report.IntegrityScore = 0
	}
	return report
}

// RepairQueue 依序套用修復動作，回傳修復後的副本
func RepairQueue(q *types.Queue, actions []types.RepairAction) *types.Queue {
	repaired := q.Clone()

	for _, action := range actions {
		switch action {
		case types.RepairDedupeTasks:
			seen := make(map[types.TaskID]bool)
			if repaired.CurrentTask != nil {
				seen[repaired.CurrentTask.ID] = true
			}
			kept := repaired.QueuedTasks[:0]
			for _, task := range repaired.QueuedTasks {
				if task.ID != "" && !seen[task.ID] {
					seen[task.ID] = true
					kept = append(kept, task)
				}
			}
			repaired.QueuedTasks = kept

		case types.RepairPruneDanglingRefs:
			kept := repaired.QueuedTasks[:0]
			for _, task := range repaired.QueuedTasks {
				if task.ID == "" {
					continue
				}
				if err := task.Activity.Validate(task.Kind); err != nil {
					continue
				}
				kept = append(kept, task)
			}
			repaired.QueuedTasks = kept

		case types.RepairResetCurrentTask:
			repaired.CurrentTask = nil

		case types.RepairRecomputeChecksum:
			// 最後統一重算，這裡先記下即可
		}
	}

	// 任何修復都可能改動標準欄位，一律重算
	repaired.Checksum = types.ComputeChecksum(repaired)
	return repaired
}

func appendUniqueAction(actions []types.RepairAction, a types.RepairAction) []types.RepairAction {
	for _, existing := range actions {
		if existing == a {
			return actions
		}
	}
	return append(actions, a)
}
