package sync

// ============================================================================
// 同步服務測試
// 職責：驗證同步三情況、逐種類衝突裁決、差量重放冪等與心跳清理
// ============================================================================

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

// fakeSender 記錄所有出站訊息
type fakeSender struct {
	mu   gosync.Mutex
	sent []types.Message
}

func (f *fakeSender) Send(_ context.Context, _ types.PlayerID, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

type syncEnv struct {
	svc    *Service
	store  *storage.MemoryStore
	sender *fakeSender
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	env := &syncEnv{
		store:  storage.NewMemoryStore(storage.MemoryConfig{}),
		sender: &fakeSender{},
	}
	env.svc = NewService(env.store, retry.NewExecutor(retry.Config{}), env.sender, nil,
		Config{Heartbeat: HeartbeatConfig{Interval: time.Hour, StaleAfter: time.Hour}})
	t.Cleanup(env.svc.Close)
	return env
}

func combatTask(id types.TaskID) types.Task {
	return types.Task{
		ID:       id,
		Kind:     types.KindCombat,
		Activity: types.ActivityData{Combat: &types.CombatData{EnemyID: "goblin", EnemyLevel: 3, Rounds: 5}},
	}
}

func queueWith(playerID types.PlayerID, version int64, tasks ...types.Task) *types.Queue {
	q := types.NewQueue(playerID)
	q.QueuedTasks = append(q.QueuedTasks, tasks...)
	q.Version = version
	q.Checksum = types.ComputeChecksum(q)
	return q
}

// TestSyncUploadsWhenServerEmpty 伺服器無狀態時客戶端原樣上傳
func TestSyncUploadsWhenServerEmpty(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	local := queueWith("player-1", 4, combatTask("task-1"))
	res := env.svc.SyncQueueState(ctx, "player-1", local)

	require.True(t, res.Success, "err: %v", res.Err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, int64(4), res.Queue.Version)

	loaded, err := env.store.LoadQueue(ctx, "player-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.QueuedTasks, 1)
}

// TestSyncEqualVersionsReplaysDeltas 版本相等時重放緩衝差量，無衝突
func TestSyncEqualVersionsReplaysDeltas(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	server := queueWith("player-1", 3, combatTask("task-1"))
	require.NoError(t, env.store.SaveQueueWithAtomicUpdate(ctx, server, storage.SaveOptions{}))

	newTask, err := json.Marshal(combatTask("task-2"))
	require.NoError(t, err)
	progress, err := json.Marshal(ProgressPayload{Progress: 0.5})
	require.NoError(t, err)

	env.svc.BufferDelta(types.DeltaUpdate{Type: types.DeltaTaskAdded, PlayerID: "player-1", Data: newTask})
	env.svc.BufferDelta(types.DeltaUpdate{Type: types.DeltaTaskProgress, PlayerID: "player-1", TaskID: "task-1", Data: progress})

	res := env.svc.SyncQueueState(ctx, "player-1", server.Clone())
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 2, res.AppliedDeltas)
	assert.Equal(t, int64(4), res.Queue.Version)

	loaded, err := env.store.LoadQueue(ctx, "player-1")
	require.NoError(t, err)
	assert.Len(t, loaded.QueuedTasks, 2)
	assert.Equal(t, 0.5, loaded.QueuedTasks[0].Progress)

	// 緩衝已清空
	assert.Equal(t, 0, env.svc.PendingDeltas("player-1"))
}

// TestSyncMergeTakesMaxProgress 伺服器 0.4、客戶端 0.7 → 合併為 0.7
func TestSyncMergeTakesMaxProgress(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	serverTask := combatTask("task-1")
	serverTask.Progress = 0.4
	server := queueWith("player-1", 2, serverTask)
	require.NoError(t, env.store.SaveQueueWithAtomicUpdate(ctx, server, storage.SaveOptions{}))

	clientTask := combatTask("task-1")
	clientTask.Progress = 0.7
	local := queueWith("player-1", 3, clientTask)

	res := env.svc.SyncQueueState(ctx, "player-1", local)
	require.True(t, res.Success, "err: %v", res.Err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, types.ConflictTaskModified, res.Conflicts[0].Type)
	assert.Equal(t, types.ResolutionMerged, res.Conflicts[0].Resolution)

	assert.Equal(t, 0.7, res.Queue.QueuedTasks[0].Progress)
	assert.Equal(t, int64(4), res.Queue.Version, "version = max(2,3)+1")
	assert.True(t, types.VerifyChecksum(res.Queue))
}

// TestSyncConflictResolutionPerType 逐衝突種類的勝負
func TestSyncConflictResolutionPerType(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	// 伺服器：task-1（雙方都有）、task-2（伺服器獨有）、暫停中
	server := queueWith("player-1", 5, combatTask("task-1"), combatTask("task-2"))
	server.IsPaused = true
	server.Checksum = types.ComputeChecksum(server)
	require.NoError(t, env.store.SaveQueueWithAtomicUpdate(ctx, server, storage.SaveOptions{}))

	// 客戶端：task-1、task-3（客戶端新增）、運行中
	local := queueWith("player-1", 6, combatTask("task-1"), combatTask("task-3"))
	local.IsRunning = true
	local.Checksum = types.ComputeChecksum(local)

	res := env.svc.SyncQueueState(ctx, "player-1", local)
	require.True(t, res.Success, "err: %v", res.Err)

	byType := map[types.ConflictType]types.SyncConflict{}
	for _, c := range res.Conflicts {
		byType[c.Type] = c
	}

	added, ok := byType[types.ConflictTaskAdded]
	require.True(t, ok)
	assert.Equal(t, types.TaskID("task-3"), added.TaskID)
	assert.Equal(t, types.ResolutionClientWins, added.Resolution)

	removed, ok := byType[types.ConflictTaskRemoved]
	require.True(t, ok)
	assert.Equal(t, types.TaskID("task-2"), removed.TaskID)
	assert.Equal(t, types.ResolutionServerWins, removed.Resolution)

	state, ok := byType[types.ConflictQueueStateChanged]
	require.True(t, ok)
	assert.Equal(t, types.ResolutionServerWins, state.Resolution)

	// 調和結果：伺服器任務保留、客戶端新增附加、佇列層級伺服器勝
	ids := res.Queue.QueuedTaskIDs()
	assert.Equal(t, []types.TaskID{"task-1", "task-2", "task-3"}, ids)
	assert.True(t, res.Queue.IsPaused)
	assert.False(t, res.Queue.IsRunning)
	assert.Equal(t, int64(7), res.Queue.Version)
}

// TestMergeRewardsUnion 獎勵聯集，type+itemId 去重保留較大數量
func TestMergeRewardsUnion(t *testing.T) {
	server := []types.Reward{
		{Type: "item", ItemID: "iron-ore", Quantity: 3},
		{Type: "xp", ItemID: "mining", Quantity: 120},
	}
	client := []types.Reward{
		{Type: "item", ItemID: "iron-ore", Quantity: 5}, // 較大 → 取代
		{Type: "item", ItemID: "gem", Quantity: 1},      // 新 → 附加
	}

	merged := mergeRewards(server, client)
	assert.Equal(t, []types.Reward{
		{Type: "item", ItemID: "iron-ore", Quantity: 5},
		{Type: "xp", ItemID: "mining", Quantity: 120},
		{Type: "item", ItemID: "gem", Quantity: 1},
	}, merged)
}

// TestApplyDeltaIdempotent 差量重放逐種類冪等
func TestApplyDeltaIdempotent(t *testing.T) {
	taskData, err := json.Marshal(combatTask("task-9"))
	require.NoError(t, err)
	progressData, err := json.Marshal(ProgressPayload{Progress: 0.8})
	require.NoError(t, err)
	stateData, err := json.Marshal(QueueStatePayload{IsRunning: true})
	require.NoError(t, err)

	q := queueWith("player-1", 1, combatTask("task-1"))

	add := types.DeltaUpdate{Type: types.DeltaTaskAdded, PlayerID: "player-1", Data: taskData}
	assert.True(t, applyDelta(q, add))
	assert.False(t, applyDelta(q, add), "replaying task_added must be a no-op")
	assert.Len(t, q.QueuedTasks, 2)

	prog := types.DeltaUpdate{Type: types.DeltaTaskProgress, PlayerID: "player-1", TaskID: "task-1", Data: progressData}
	assert.True(t, applyDelta(q, prog))
	assert.False(t, applyDelta(q, prog), "same progress twice must be a no-op")

	state := types.DeltaUpdate{Type: types.DeltaQueueStateChanged, PlayerID: "player-1", Data: stateData}
	assert.True(t, applyDelta(q, state))
	assert.False(t, applyDelta(q, state))

	rm := types.DeltaUpdate{Type: types.DeltaTaskRemoved, PlayerID: "player-1", TaskID: "task-9"}
	assert.True(t, applyDelta(q, rm))
	assert.False(t, applyDelta(q, rm), "removing an absent task must be a no-op")
	assert.Len(t, q.QueuedTasks, 1)
}

// TestBufferRingBound 緩衝環上限 100，最舊的先淘汰
func TestBufferRingBound(t *testing.T) {
	b := NewDeltaBuffer(0)

	for i := 0; i < 105; i++ {
		b.Add("player-1", types.DeltaUpdate{
			Type:      types.DeltaTaskProgress,
			PlayerID:  "player-1",
			Version:   int64(i),
			Timestamp: int64(i),
		})
	}

	pending := b.Pending("player-1")
	require.Len(t, pending, 100)
	assert.Equal(t, int64(5), pending[0].Version, "oldest five must have been dropped")
	assert.Equal(t, int64(104), pending[99].Version)
}

// ============================================================================
// 差量推送與心跳
// ============================================================================

// TestSendDeltaOnlineAndOffline 在線直接推送，離線進入緩衝
func TestSendDeltaOnlineAndOffline(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	delta := types.DeltaUpdate{Type: types.DeltaTaskRemoved, PlayerID: "player-1", TaskID: "task-1"}

	// 離線：緩衝
	require.NoError(t, env.svc.SendDeltaUpdate(ctx, delta))
	assert.Equal(t, 1, env.svc.PendingDeltas("player-1"))
	assert.Empty(t, env.sender.messages())

	// 心跳後在線：直接推送
	require.NoError(t, env.svc.HandleMessage(ctx, types.Message{Type: types.MsgHeartbeat, PlayerID: "player-1"}))
	require.NoError(t, env.svc.SendDeltaUpdate(ctx, delta))

	msgs := env.sender.messages()
	require.Len(t, msgs, 2) // heartbeat_response + delta_update
	assert.Equal(t, types.MsgHeartbeatResponse, msgs[0].Type)
	assert.Equal(t, types.MsgDeltaUpdate, msgs[1].Type)
	assert.Equal(t, 1, env.svc.PendingDeltas("player-1"), "online push must not grow the buffer")
}

// TestHeartbeatStaleCleanup 靜默超過門檻後清掉緩衝並視為斷線
func TestHeartbeatStaleCleanup(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.HandleMessage(ctx, types.Message{Type: types.MsgHeartbeat, PlayerID: "player-1"}))
	env.svc.BufferDelta(types.DeltaUpdate{Type: types.DeltaTaskRemoved, PlayerID: "player-1", TaskID: "task-1"})
	require.Equal(t, 1, env.svc.PendingDeltas("player-1"))

	stale := env.svc.hb.sweepStale(time.Now().Add(2 * time.Hour))
	require.Equal(t, []types.PlayerID{"player-1"}, stale)

	assert.Equal(t, 0, env.svc.PendingDeltas("player-1"))
	assert.False(t, env.svc.hb.IsAlive("player-1"))
	assert.Equal(t, 0, env.svc.Connected())
}

// TestHandleMessageSyncRequest 同步請求得到 sync_response
func TestHandleMessageSyncRequest(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	local := queueWith("player-1", 1, combatTask("task-1"))
	data, err := json.Marshal(local)
	require.NoError(t, err)

	require.NoError(t, env.svc.HandleMessage(ctx, types.Message{
		Type:     types.MsgSyncRequest,
		PlayerID: "player-1",
		Data:     data,
	}))

	msgs := env.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MsgSyncResponse, msgs[0].Type)

	var payload SyncResponsePayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.NotNil(t, payload.Queue)
	assert.Len(t, payload.Queue.QueuedTasks, 1)
}

// TestHandleMessageUnknownType 不支援的訊息種類回報錯誤
func TestHandleMessageUnknownType(t *testing.T) {
	env := newSyncEnv(t)

	err := env.svc.HandleMessage(context.Background(), types.Message{Type: "bogus", PlayerID: "player-1"})
	assert.Error(t, err)
}
