package types

// ============================================================================
// 同步協議模型：差量更新、衝突與訊息信封
// ============================================================================

import "encoding/json"

// DeltaType 差量更新的種類
type DeltaType string

const (
	DeltaTaskAdded         DeltaType = "task_added"
	DeltaTaskRemoved       DeltaType = "task_removed"
	DeltaTaskUpdated       DeltaType = "task_updated"
	DeltaQueueStateChanged DeltaType = "queue_state_changed"
	DeltaTaskProgress      DeltaType = "task_progress"
)

// DeltaUpdate 一筆增量變更，依 (Timestamp, Version) 排序
type DeltaUpdate struct {
	Type      DeltaType       `json:"type"`
	PlayerID  PlayerID        `json:"player_id"`
	TaskID    TaskID          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Version   int64           `json:"version"`
	Checksum  string          `json:"checksum,omitempty"`
}

// Before 回傳 d 是否排在 other 之前（先比 Timestamp 再比 Version）
func (d DeltaUpdate) Before(other DeltaUpdate) bool {
	if d.Timestamp != other.Timestamp {
		return d.Timestamp < other.Timestamp
	}
	return d.Version < other.Version
}

// ConflictType 客戶端與伺服器狀態分歧的種類
type ConflictType string

const (
	ConflictTaskAdded         ConflictType = "task_added"
	ConflictTaskRemoved       ConflictType = "task_removed"
	ConflictTaskModified      ConflictType = "task_modified"
	ConflictQueueStateChanged ConflictType = "queue_state_changed"
)

// ConflictResolution 衝突的裁決方式
type ConflictResolution string

const (
	ResolutionClientWins ConflictResolution = "client_wins"
	ResolutionServerWins ConflictResolution = "server_wins"
	ResolutionMerged     ConflictResolution = "merged"
)

// SyncConflict 一筆被偵測並裁決的分歧
type SyncConflict struct {
	Type        ConflictType       `json:"type"`
	TaskID      TaskID             `json:"task_id,omitempty"`
	ServerValue any                `json:"server_value,omitempty"`
	ClientValue any                `json:"client_value,omitempty"`
	Resolution  ConflictResolution `json:"resolution"`
}

// ============================================================================
// 訊息信封：同步通道上的雙向封包
// ============================================================================

// MessageType 同步通道訊息種類
type MessageType string

const (
	MsgSyncRequest        MessageType = "sync_request"
	MsgSyncResponse       MessageType = "sync_response"
	MsgDeltaUpdate        MessageType = "delta_update"
	MsgConflictResolution MessageType = "conflict_resolution"
	MsgHeartbeat          MessageType = "heartbeat"
	MsgHeartbeatResponse  MessageType = "heartbeat_response"
)

// Message 同步通道上的類型化信封
type Message struct {
	Type      MessageType     `json:"type"`
	PlayerID  PlayerID        `json:"player_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	MessageID string          `json:"message_id"`
}
