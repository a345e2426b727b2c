// Package types 定義了 idleforge 佇列一致性子系統的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// PlayerID 玩家唯一識別碼
type PlayerID string

// TaskID 任務唯一識別碼
type TaskID string

// TaskKind 任務種類
type TaskKind string

// 定義任務種類常數
const (
	KindHarvesting TaskKind = "harvesting" // 採集：隨時間產出資源
	KindCrafting   TaskKind = "crafting"   // 製作：消耗材料產出物品
	KindCombat     TaskKind = "combat"     // 戰鬥：與敵人交戰取得戰利品
)

// Reward 任務獎勵，去重鍵為 Type + ItemID
type Reward struct {
	Type     string `json:"type"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// ============================================================================
// ActivityData：按任務種類區分的標記聯集（tagged union）
// 每個 Task 恰好攜帶一種 payload，由 Kind 決定
// ============================================================================

// HarvestData 採集任務的專屬資料
type HarvestData struct {
	ResourceID  string  `json:"resource_id"`
	NodeTier    int     `json:"node_tier"`
	YieldPerSec float64 `json:"yield_per_sec"`
}

// CraftData 製作任務的專屬資料
type CraftData struct {
	RecipeID  string         `json:"recipe_id"`
	BatchSize int            `json:"batch_size"`
	Materials map[string]int `json:"materials,omitempty"`
}

// CombatData 戰鬥任務的專屬資料
type CombatData struct {
	EnemyID    string `json:"enemy_id"`
	EnemyLevel int    `json:"enemy_level"`
	Rounds     int    `json:"rounds"`
}

// ActivityData 依 Task.Kind 恰好填入一個變體
type ActivityData struct {
	Harvest *HarvestData `json:"harvest,omitempty"`
	Craft   *CraftData   `json:"craft,omitempty"`
	Combat  *CombatData  `json:"combat,omitempty"`
}

// ErrActivityMismatch 表示 payload 與任務種類不一致
var ErrActivityMismatch = errors.New("activity payload does not match task kind")

// Validate 檢查 payload 與任務種類是否一致（窮盡比對所有種類）
func (a ActivityData) Validate(kind TaskKind) error {
	switch kind {
	case KindHarvesting:
		if a.Harvest == nil || a.Craft != nil || a.Combat != nil {
			return fmt.Errorf("%w: kind=%s", ErrActivityMismatch, kind)
		}
	case KindCrafting:
		if a.Craft == nil || a.Harvest != nil || a.Combat != nil {
			return fmt.Errorf("%w: kind=%s", ErrActivityMismatch, kind)
		}
	case KindCombat:
		if a.Combat == nil || a.Harvest != nil || a.Craft != nil {
			return fmt.Errorf("%w: kind=%s", ErrActivityMismatch, kind)
		}
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

// ============================================================================
// Task 與 Queue
// ============================================================================

// Task 一個長時間運行的玩家工作單元
type Task struct {
	ID        TaskID       `json:"id"`
	Kind      TaskKind     `json:"kind"`
	Progress  float64      `json:"progress"` // 0.0 ~ 1.0
	Completed bool         `json:"completed"`
	Priority  int          `json:"priority"`
	StartTime int64        `json:"start_time_ms"` // Unix 毫秒
	Duration  int64        `json:"duration_ms"`
	Rewards   []Reward     `json:"rewards,omitempty"`
	Activity  ActivityData `json:"activity"`
}

// Clone 回傳任務的深拷貝
func (t Task) Clone() Task {
	c := t
	if t.Rewards != nil {
		c.Rewards = make([]Reward, len(t.Rewards))
		copy(c.Rewards, t.Rewards)
	}
	if t.Activity.Harvest != nil {
		h := *t.Activity.Harvest
		c.Activity.Harvest = &h
	}
	if t.Activity.Craft != nil {
		cr := *t.Activity.Craft
		if t.Activity.Craft.Materials != nil {
			cr.Materials = make(map[string]int, len(t.Activity.Craft.Materials))
			for k, v := range t.Activity.Craft.Materials {
				cr.Materials[k] = v
			}
		}
		c.Activity.Craft = &cr
	}
	if t.Activity.Combat != nil {
		cb := *t.Activity.Combat
		c.Activity.Combat = &cb
	}
	return c
}

// MaxStateHistory 每個佇列保留的內嵌歷史快照上限
const MaxStateHistory = 10

// Queue 玩家佇列聚合根
//
// 不變量：
//   - Version 在每次成功持久化的變更後嚴格遞增
//   - Checksum 在成功儲存後必定與當前標準欄位內容相符
type Queue struct {
	PlayerID            PlayerID        `json:"player_id"`
	CurrentTask         *Task           `json:"current_task,omitempty"`
	QueuedTasks         []Task          `json:"queued_tasks"` // 順序有意義
	IsRunning           bool            `json:"is_running"`
	IsPaused            bool            `json:"is_paused"`
	TotalTasksCompleted int             `json:"total_tasks_completed"`
	TotalTimeSpentMs    int64           `json:"total_time_spent_ms"`
	Version             int64           `json:"version"`
	Checksum            string          `json:"checksum"`
	StateHistory        []StateSnapshot `json:"state_history,omitempty"` // 最新在前，上限 MaxStateHistory
	CreatedAt           int64           `json:"created_at"` // Unix 毫秒
	UpdatedAt           int64           `json:"updated_at"` // Unix 毫秒
}

// NewQueue 建立玩家的空佇列（版本 1，校驗和已計算）
func NewQueue(playerID PlayerID) *Queue {
	now := time.Now().UnixMilli()
	q := &Queue{
		PlayerID:    playerID,
		QueuedTasks: []Task{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.Checksum = ComputeChecksum(q)
	return q
}

// Clone 回傳佇列的深拷貝，用於回滾與快照
func (q *Queue) Clone() *Queue {
	c := *q
	if q.CurrentTask != nil {
		t := q.CurrentTask.Clone()
		c.CurrentTask = &t
	}
	c.QueuedTasks = make([]Task, len(q.QueuedTasks))
	for i, t := range q.QueuedTasks {
		c.QueuedTasks[i] = t.Clone()
	}
	if q.StateHistory != nil {
		c.StateHistory = make([]StateSnapshot, len(q.StateHistory))
		copy(c.StateHistory, q.StateHistory)
	}
	return &c
}

// FindTask 依 ID 尋找任務（含 CurrentTask），找不到回傳 nil
func (q *Queue) FindTask(id TaskID) *Task {
	if q.CurrentTask != nil && q.CurrentTask.ID == id {
		return q.CurrentTask
	}
	for i := range q.QueuedTasks {
		if q.QueuedTasks[i].ID == id {
			return &q.QueuedTasks[i]
		}
	}
	return nil
}

// QueuedTaskIDs 回傳排隊中任務 ID 的有序列表
func (q *Queue) QueuedTaskIDs() []TaskID {
	ids := make([]TaskID, len(q.QueuedTasks))
	for i, t := range q.QueuedTasks {
		ids[i] = t.ID
	}
	return ids
}

// AppendHistory 將快照加入內嵌歷史（最新在前），超出上限時淘汰最舊的
func (q *Queue) AppendHistory(s StateSnapshot) {
	q.StateHistory = append([]StateSnapshot{s}, q.StateHistory...)
	if len(q.StateHistory) > MaxStateHistory {
		q.StateHistory = q.StateHistory[:MaxStateHistory]
	}
}

// ============================================================================
// StateSnapshot：不可變的時間點狀態捕捉，只用於還原
// ============================================================================

// StateSnapshot 佇列狀態的時間點快照
type StateSnapshot struct {
	SnapshotID          string   `json:"snapshot_id"`
	PlayerID            PlayerID `json:"player_id"`
	TakenAt             int64    `json:"taken_at"` // Unix 毫秒
	CurrentTaskID       TaskID   `json:"current_task_id,omitempty"`
	QueuedTaskIDs       []TaskID `json:"queued_task_ids"`
	IsRunning           bool     `json:"is_running"`
	IsPaused            bool     `json:"is_paused"`
	TotalTasksCompleted int      `json:"total_tasks_completed"`
	Checksum            string   `json:"checksum"`
	Reason              string   `json:"reason,omitempty"`
}

// Snapshot 捕捉佇列當前狀態為不可變快照
func (q *Queue) Snapshot(reason string) StateSnapshot {
	s := StateSnapshot{
		PlayerID:            q.PlayerID,
		TakenAt:             time.Now().UnixMilli(),
		QueuedTaskIDs:       q.QueuedTaskIDs(),
		IsRunning:           q.IsRunning,
		IsPaused:            q.IsPaused,
		TotalTasksCompleted: q.TotalTasksCompleted,
		Checksum:            q.Checksum,
		Reason:              reason,
	}
	if q.CurrentTask != nil {
		s.CurrentTaskID = q.CurrentTask.ID
	}
	return s
}

// Matches 判斷佇列當前狀態是否與快照一致（比對快照涵蓋的欄位）
func (s StateSnapshot) Matches(q *Queue) bool {
	if q.IsRunning != s.IsRunning || q.IsPaused != s.IsPaused ||
		q.TotalTasksCompleted != s.TotalTasksCompleted {
		return false
	}
	var cur TaskID
	if q.CurrentTask != nil {
		cur = q.CurrentTask.ID
	}
	if cur != s.CurrentTaskID {
		return false
	}
	ids := q.QueuedTaskIDs()
	if len(ids) != len(s.QueuedTaskIDs) {
		return false
	}
	for i := range ids {
		if ids[i] != s.QueuedTaskIDs[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Lock：每位玩家同一時刻至多一把有效鎖
// ============================================================================

// Lock 玩家互斥鎖，重複取鎖是立即失敗而非等待
type Lock struct {
	PlayerID   PlayerID  `json:"player_id"`
	LockID     string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Operation  string    `json:"operation"`
}

// Expired 判斷鎖是否已過期
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
