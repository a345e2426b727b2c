// ============================================================================
// IdleForge Sync Service - 客戶端/伺服器佇列同步
// ============================================================================
//
// Package: internal/sync
// 文件: service.go
// 功能: 以差量更新同步客戶端快取佇列與伺服器權威佇列，偵測並裁決分歧
//
// 同步演算法:
//   1. 伺服器無狀態 → 客戶端狀態原樣上傳
//   2. 版本相等   → 重放離線期間緩衝的差量（逐筆冪等），無衝突
//   3. 版本不等   → 逐任務比對產生衝突列表，按衝突種類裁決：
//        task_added         → 客戶端勝（玩家主動新增的任務保留）
//        task_removed       → 伺服器勝（權威移除，例如任務完成）
//        task_modified      → 合併（進度取大、客戶端優先級、獎勵聯集、
//                              startTime 取大、completed 取 OR）
//        queue_state_changed → 伺服器勝
//      裁決後 version = max(local, server) + 1，重算校驗和並回推伺服器
//
// 連線生命週期:
//   connected → 每 30s 心跳 → 90s 無回應視為斷線 →
//   清掉該玩家的緩衝差量與心跳記錄
//
// ============================================================================

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/idleforge/internal/metrics"
	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

// Sender 同步通道的出站端，由傳輸層（websocket 等）實作
type Sender interface {
	Send(ctx context.Context, playerID types.PlayerID, msg types.Message) error
}

// ============================================================================
// 差量 payload
// ============================================================================

// ProgressPayload task_progress 差量的內容
type ProgressPayload struct {
	Progress float64 `json:"progress"`
}

// QueueStatePayload queue_state_changed 差量的內容
type QueueStatePayload struct {
	IsRunning bool `json:"is_running"`
	IsPaused  bool `json:"is_paused"`
}

// SyncResponsePayload sync_response 訊息的內容
type SyncResponsePayload struct {
	Queue     *types.Queue         `json:"queue"`
	Conflicts []types.SyncConflict `json:"conflicts,omitempty"`
}

// SyncResult 一次同步呼叫的完整結果
type SyncResult struct {
	Success       bool
	Queue         *types.Queue // 同步後的權威狀態
	Conflicts     []types.SyncConflict
	AppliedDeltas int
	Err           error
	Duration      time.Duration
}

// ============================================================================
// Service
// ============================================================================

// Config 同步服務參數
type Config struct {
	BufferCap int             // 每位玩家的差量緩衝上限（預設 100）
	Heartbeat HeartbeatConfig // 心跳判定參數
}

// Service 同步服務
type Service struct {
	store   storage.Persistence
	exec    *retry.Executor
	sender  Sender // 可為 nil（純離線模式）
	buffers *DeltaBuffer
	hb      *HeartbeatTracker
	metrics *metrics.Collector
}

// NewService 建立同步服務並啟動心跳清掃
func NewService(store storage.Persistence, exec *retry.Executor, sender Sender, collector *metrics.Collector, cfg Config) *Service {
	s := &Service{
		store:   store,
		exec:    exec,
		sender:  sender,
		buffers: NewDeltaBuffer(cfg.BufferCap),
		metrics: collector,
	}
	s.hb = NewHeartbeatTracker(cfg.Heartbeat, s.onStale)
	return s
}

// SetSender 綁定出站通道；傳輸層依賴本服務處理訊息，
// 因此通道在兩者都建好之後才接上
func (s *Service) SetSender(sender Sender) {
	s.sender = sender
}

// onStale 斷線清理：丟棄該玩家的緩衝差量
func (s *Service) onStale(playerID types.PlayerID) {
	s.buffers.Clear(playerID)
	if s.metrics != nil {
		s.metrics.SetConnectedClients(s.hb.Connected())
	}
}

// Close 停止背景心跳清掃
func (s *Service) Close() {
	s.hb.Close()
}

// Connected 當前視為連線中的玩家數
func (s *Service) Connected() int {
	return s.hb.Connected()
}

// ============================================================================
// 同步入口
// ============================================================================

// SyncQueueState 將客戶端快取的佇列與伺服器權威狀態調和
func (s *Service) SyncQueueState(ctx context.Context, playerID types.PlayerID, local *types.Queue) SyncResult {
	start := time.Now()
	var res SyncResult

	finish := func() SyncResult {
		res.Duration = time.Since(start)
		if s.metrics != nil {
			for _, c := range res.Conflicts {
				s.metrics.RecordConflict(string(c.Resolution))
			}
		}
		return res
	}

	if local == nil || local.PlayerID != playerID {
		res.Err = fmt.Errorf("local queue missing or belongs to another player")
		return finish()
	}

	server, err := s.loadQueue(ctx, playerID)
	if err != nil {
		res.Err = err
		return finish()
	}

	// 情況一：伺服器無狀態，客戶端原樣上傳
	if server == nil {
		uploaded := local.Clone()
		if uploaded.Version <= 0 {
			uploaded.Version = 1
		}
		uploaded.UpdatedAt = time.Now().UnixMilli()
		uploaded.Checksum = types.ComputeChecksum(uploaded)
		if err := s.saveQueue(ctx, uploaded); err != nil {
			res.Err = err
			return finish()
		}
		res.Success = true
		res.Queue = uploaded
		return finish()
	}

	// 情況二：版本相等，重放緩衝差量即可
	if server.Version == local.Version {
		merged := server.Clone()
		applied := 0
		for _, d := range s.buffers.Pending(playerID) {
			if applyDelta(merged, d) {
				applied++
			}
		}
		s.buffers.Clear(playerID)

		if applied > 0 {
			merged.Version = server.Version + 1
			merged.UpdatedAt = time.Now().UnixMilli()
			merged.Checksum = types.ComputeChecksum(merged)
			if err := s.saveQueue(ctx, merged); err != nil {
				res.Err = err
				return finish()
			}
		}
		res.Success = true
		res.Queue = merged
		res.AppliedDeltas = applied
		return finish()
	}

	// 情況三：版本分歧，逐任務比對並裁決
	conflicts := detectConflicts(server, local)
	resolved := resolveConflicts(server, local, conflicts)

	resolved.Version = maxInt64(server.Version, local.Version) + 1
	resolved.UpdatedAt = time.Now().UnixMilli()
	resolved.Checksum = types.ComputeChecksum(resolved)

	if err := s.saveQueue(ctx, resolved); err != nil {
		res.Err = err
		return finish()
	}
	s.buffers.Clear(playerID) // 全量調和後緩衝差量已過時

	// 把裁決結果推回客戶端
	if s.sender != nil && s.hb.IsAlive(playerID) {
		if err := s.push(ctx, playerID, types.MsgSyncResponse, SyncResponsePayload{
			Queue:     resolved,
			Conflicts: conflicts,
		}); err != nil {
			log.Warn("Failed to push sync response", "player_id", playerID, "error", err)
		}
	}

	log.Info("Queue state synchronized",
		"player_id", playerID,
		"conflicts", len(conflicts),
		"resolved_version", resolved.Version)

	res.Success = true
	res.Queue = resolved
	res.Conflicts = conflicts
	return finish()
}

// ============================================================================
// 衝突偵測
// ============================================================================

// detectConflicts 逐任務比對伺服器與客戶端狀態
func detectConflicts(server, local *types.Queue) []types.SyncConflict {
	var conflicts []types.SyncConflict

	serverTasks := taskIndex(server)
	localTasks := taskIndex(local)

	// 客戶端獨有 → 玩家離線期間新增
	for _, t := range local.QueuedTasks {
		if _, ok := serverTasks[t.ID]; !ok {
			conflicts = append(conflicts, types.SyncConflict{
				Type:        types.ConflictTaskAdded,
				TaskID:      t.ID,
				ClientValue: t,
				Resolution:  types.ResolutionClientWins,
			})
		}
	}

	// 伺服器獨有 → 客戶端的本地移除不算數
	for _, t := range server.QueuedTasks {
		if _, ok := localTasks[t.ID]; !ok {
			conflicts = append(conflicts, types.SyncConflict{
				Type:        types.ConflictTaskRemoved,
				TaskID:      t.ID,
				ServerValue: t,
				Resolution:  types.ResolutionServerWins,
			})
		}
	}

	// 兩邊都有但欄位分歧
	for id, st := range serverTasks {
		lt, ok := localTasks[id]
		if !ok {
			continue
		}
		if !tasksEqual(st, lt) {
			conflicts = append(conflicts, types.SyncConflict{
				Type:        types.ConflictTaskModified,
				TaskID:      id,
				ServerValue: st,
				ClientValue: lt,
				Resolution:  types.ResolutionMerged,
			})
		}
	}

	// 佇列層級的分歧
	if server.IsRunning != local.IsRunning || server.IsPaused != local.IsPaused ||
		currentTaskID(server) != currentTaskID(local) ||
		server.TotalTasksCompleted != local.TotalTasksCompleted {
		conflicts = append(conflicts, types.SyncConflict{
			Type:        types.ConflictQueueStateChanged,
			ServerValue: server.Snapshot("conflict"),
			ClientValue: local.Snapshot("conflict"),
			Resolution:  types.ResolutionServerWins,
		})
	}

	return conflicts
}

// resolveConflicts 依衝突種類裁決，回傳調和後的佇列
//
// 以伺服器狀態為基底（佇列層級伺服器勝），任務集合為：
// 伺服器任務（含被客戶端本地移除的）按伺服器順序，接著客戶端
// 新增的任務按客戶端順序；兩邊都有的任務逐欄位合併
func resolveConflicts(server, local *types.Queue, conflicts []types.SyncConflict) *types.Queue {
	resolved := server.Clone()
	localTasks := taskIndex(local)

	for i := range resolved.QueuedTasks {
		if lt, ok := localTasks[resolved.QueuedTasks[i].ID]; ok {
			resolved.QueuedTasks[i] = mergeTask(resolved.QueuedTasks[i], lt)
		}
	}
	if resolved.CurrentTask != nil {
		if lt, ok := localTasks[resolved.CurrentTask.ID]; ok {
			merged := mergeTask(*resolved.CurrentTask, lt)
			resolved.CurrentTask = &merged
		}
	}

	// 客戶端新增的任務附加在尾端
	serverTasks := taskIndex(server)
	for _, t := range local.QueuedTasks {
		if _, ok := serverTasks[t.ID]; !ok {
			resolved.QueuedTasks = append(resolved.QueuedTasks, t.Clone())
		}
	}

	return resolved
}

// mergeTask task_modified 的逐欄位合併
func mergeTask(server, client types.Task) types.Task {
	merged := server.Clone()

	if client.Progress > merged.Progress {
		merged.Progress = client.Progress
	}
	if client.Priority != server.Priority {
		merged.Priority = client.Priority
	}
	if client.StartTime > merged.StartTime {
		merged.StartTime = client.StartTime
	}
	merged.Completed = server.Completed || client.Completed
	merged.Rewards = mergeRewards(server.Rewards, client.Rewards)

	return merged
}

// mergeRewards 獎勵聯集，以 type+itemId 去重，保留較大數量
func mergeRewards(server, client []types.Reward) []types.Reward {
	merged := make([]types.Reward, len(server))
	copy(merged, server)

	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.Type+"|"+r.ItemID] = i
	}
	for _, r := range client {
		key := r.Type + "|" + r.ItemID
		if i, ok := index[key]; ok {
			if r.Quantity > merged[i].Quantity {
				merged[i].Quantity = r.Quantity
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, r)
	}
	return merged
}

// tasksEqual 同步意義下的任務相等（進度、完成、優先級、起始時間、獎勵）
func tasksEqual(a, b types.Task) bool {
	if a.Progress != b.Progress || a.Completed != b.Completed ||
		a.Priority != b.Priority || a.StartTime != b.StartTime {
		return false
	}
	if len(a.Rewards) != len(b.Rewards) {
		return false
	}
	for i := range a.Rewards {
		if a.Rewards[i] != b.Rewards[i] {
			return false
		}
	}
	return true
}

func taskIndex(q *types.Queue) map[types.TaskID]types.Task {
	idx := make(map[types.TaskID]types.Task, len(q.QueuedTasks)+1)
	for _, t := range q.QueuedTasks {
		idx[t.ID] = t
	}
	if q.CurrentTask != nil {
		idx[q.CurrentTask.ID] = *q.CurrentTask
	}
	return idx
}

func currentTaskID(q *types.Queue) types.TaskID {
	if q.CurrentTask == nil {
		return ""
	}
	return q.CurrentTask.ID
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ============================================================================
// 差量推送與重放
// ============================================================================

// SendDeltaUpdate 推送一筆差量給客戶端；離線時進入緩衝環
func (s *Service) SendDeltaUpdate(ctx context.Context, delta types.DeltaUpdate) error {
	if s.sender != nil && s.hb.IsAlive(delta.PlayerID) {
		if err := s.push(ctx, delta.PlayerID, types.MsgDeltaUpdate, delta); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordDeltaBroadcast()
		}
		return nil
	}

	if dropped := s.buffers.Add(delta.PlayerID, delta); dropped {
		log.Warn("Delta buffer full, oldest delta dropped", "player_id", delta.PlayerID)
	}
	return nil
}

// BufferDelta 直接緩衝一筆差量（入站的客戶端差量走這裡，待下次同步重放）
func (s *Service) BufferDelta(delta types.DeltaUpdate) {
	if dropped := s.buffers.Add(delta.PlayerID, delta); dropped {
		log.Warn("Delta buffer full, oldest delta dropped", "player_id", delta.PlayerID)
	}
}

// PendingDeltas 玩家緩衝中的差量數（觀測用）
func (s *Service) PendingDeltas(playerID types.PlayerID) int {
	return s.buffers.Len(playerID)
}

// applyDelta 將一筆差量套用到佇列上；冪等，回傳是否實際造成變更
func applyDelta(q *types.Queue, d types.DeltaUpdate) bool {
	switch d.Type {
	case types.DeltaTaskAdded:
		var task types.Task
		if err := json.Unmarshal(d.Data, &task); err != nil {
			log.Warn("Malformed task_added delta", "player_id", d.PlayerID, "error", err)
			return false
		}
		if q.FindTask(task.ID) != nil {
			return false // 已存在，重放為 no-op
		}
		q.QueuedTasks = append(q.QueuedTasks, task)
		return true

	case types.DeltaTaskRemoved:
		if q.CurrentTask != nil && q.CurrentTask.ID == d.TaskID {
			q.CurrentTask = nil
			return true
		}
		for i, t := range q.QueuedTasks {
			if t.ID == d.TaskID {
				q.QueuedTasks = append(q.QueuedTasks[:i], q.QueuedTasks[i+1:]...)
				return true
			}
		}
		return false

	case types.DeltaTaskUpdated:
		var task types.Task
		if err := json.Unmarshal(d.Data, &task); err != nil {
			log.Warn("Malformed task_updated delta", "player_id", d.PlayerID, "error", err)
			return false
		}
		existing := q.FindTask(task.ID)
		if existing == nil {
			return false
		}
		existing.Progress = task.Progress
		existing.Completed = task.Completed
		existing.Priority = task.Priority
		existing.StartTime = task.StartTime
		existing.Rewards = task.Rewards
		return true

	case types.DeltaTaskProgress:
		var p ProgressPayload
		if err := json.Unmarshal(d.Data, &p); err != nil {
			log.Warn("Malformed task_progress delta", "player_id", d.PlayerID, "error", err)
			return false
		}
		existing := q.FindTask(d.TaskID)
		if existing == nil || existing.Progress == p.Progress {
			return false
		}
		existing.Progress = p.Progress
		return true

	case types.DeltaQueueStateChanged:
		var p QueueStatePayload
		if err := json.Unmarshal(d.Data, &p); err != nil {
			log.Warn("Malformed queue_state_changed delta", "player_id", d.PlayerID, "error", err)
			return false
		}
		if q.IsRunning == p.IsRunning && q.IsPaused == p.IsPaused {
			return false
		}
		q.IsRunning = p.IsRunning
		q.IsPaused = p.IsPaused
		return true
	}

	log.Warn("Unknown delta type ignored", "type", d.Type, "player_id", d.PlayerID)
	return false
}

// ============================================================================
// 訊息處理
// ============================================================================

// HandleMessage 處理一則入站訊息；任何入站訊息都更新心跳
func (s *Service) HandleMessage(ctx context.Context, msg types.Message) error {
	s.hb.Mark(msg.PlayerID)
	if s.metrics != nil {
		s.metrics.SetConnectedClients(s.hb.Connected())
	}

	switch msg.Type {
	case types.MsgHeartbeat:
		return s.push(ctx, msg.PlayerID, types.MsgHeartbeatResponse, nil)

	case types.MsgHeartbeatResponse:
		return nil

	case types.MsgSyncRequest:
		var local types.Queue
		if err := json.Unmarshal(msg.Data, &local); err != nil {
			return fmt.Errorf("malformed sync_request from %s: %w", msg.PlayerID, err)
		}
		res := s.SyncQueueState(ctx, msg.PlayerID, &local)
		if res.Err != nil {
			return res.Err
		}
		return s.push(ctx, msg.PlayerID, types.MsgSyncResponse, SyncResponsePayload{
			Queue:     res.Queue,
			Conflicts: res.Conflicts,
		})

	case types.MsgDeltaUpdate:
		var delta types.DeltaUpdate
		if err := json.Unmarshal(msg.Data, &delta); err != nil {
			return fmt.Errorf("malformed delta_update from %s: %w", msg.PlayerID, err)
		}
		delta.PlayerID = msg.PlayerID
		s.BufferDelta(delta)
		return nil
	}

	return fmt.Errorf("unsupported message type %q from %s", msg.Type, msg.PlayerID)
}

// push 封裝並送出一則訊息
func (s *Service) push(ctx context.Context, playerID types.PlayerID, msgType types.MessageType, payload any) error {
	if s.sender == nil {
		return nil
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload for %s: %w", msgType, playerID, err)
		}
		data = b
	}

	return s.sender.Send(ctx, playerID, types.Message{
		Type:      msgType,
		PlayerID:  playerID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	})
}

// ============================================================================
// 持久層轉接
// ============================================================================

func (s *Service) loadQueue(ctx context.Context, playerID types.PlayerID) (*types.Queue, error) {
	r := retry.Execute(s.exec, ctx, "sync.load", func(ctx context.Context) (*types.Queue, error) {
		return s.store.LoadQueue(ctx, playerID)
	}, retry.PersistenceOptions())
	if !r.Success {
		return nil, r.Err
	}
	return r.Value, nil
}

func (s *Service) saveQueue(ctx context.Context, q *types.Queue) error {
	r := retry.Execute(s.exec, ctx, "sync.save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.SaveQueueWithAtomicUpdate(ctx, q, storage.SaveOptions{})
	}, retry.PersistenceOptions())
	if !r.Success {
		return r.Err
	}
	return nil
}
