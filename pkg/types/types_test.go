package types

// ============================================================================
// 領域模型測試
// 職責：驗證校驗和的冪等性、深拷貝獨立性與快照比對
// ============================================================================

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(playerID string) *Queue {
	q := NewQueue(PlayerID(playerID))
	q.QueuedTasks = []Task{
		{
			ID:   "task-b",
			Kind: KindHarvesting,
			Activity: ActivityData{
				Harvest: &HarvestData{ResourceID: "oak_log", NodeTier: 2, YieldPerSec: 0.5},
			},
		},
		{
			ID:   "task-a",
			Kind: KindCombat,
			Activity: ActivityData{
				Combat: &CombatData{EnemyID: "goblin", EnemyLevel: 3, Rounds: 10},
			},
			Rewards: []Reward{{Type: "item", ItemID: "coin", Quantity: 5}},
		},
	}
	q.TotalTasksCompleted = 7
	q.Checksum = ComputeChecksum(q)
	return q
}

// TestChecksumRoundTrip 序列化再反序列化後重算校驗和必須一致
func TestChecksumRoundTrip(t *testing.T) {
	q := newTestQueue("player-1")

	data, err := json.Marshal(q)
	require.NoError(t, err)

	var decoded Queue
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, q.Checksum, ComputeChecksum(&decoded))
	assert.True(t, VerifyChecksum(&decoded))
}

// TestChecksumOrderInsensitive 任務 ID 順序不影響校驗和，但佇列順序本身保留
func TestChecksumOrderInsensitive(t *testing.T) {
	q := newTestQueue("player-1")
	sum := ComputeChecksum(q)

	// 交換排隊順序
	q.QueuedTasks[0], q.QueuedTasks[1] = q.QueuedTasks[1], q.QueuedTasks[0]
	assert.Equal(t, sum, ComputeChecksum(q))

	// 內容變更則必須改變
	q.TotalTasksCompleted++
	assert.NotEqual(t, sum, ComputeChecksum(q))
}

// TestChecksumCoversCurrentTask 當前任務屬於標準欄位子集
func TestChecksumCoversCurrentTask(t *testing.T) {
	q := newTestQueue("player-1")
	sum := ComputeChecksum(q)

	cur := q.QueuedTasks[0].Clone()
	q.CurrentTask = &cur
	assert.NotEqual(t, sum, ComputeChecksum(q))
}

// TestActivityValidate 窮盡比對 payload 與任務種類
func TestActivityValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    TaskKind
		data    ActivityData
		wantErr bool
	}{
		{
			name: "harvesting with harvest payload",
			kind: KindHarvesting,
			data: ActivityData{Harvest: &HarvestData{ResourceID: "ore"}},
		},
		{
			name: "crafting with craft payload",
			kind: KindCrafting,
			data: ActivityData{Craft: &CraftData{RecipeID: "sword"}},
		},
		{
			name: "combat with combat payload",
			kind: KindCombat,
			data: ActivityData{Combat: &CombatData{EnemyID: "rat"}},
		},
		{
			name:    "combat with harvest payload",
			kind:    KindCombat,
			data:    ActivityData{Harvest: &HarvestData{ResourceID: "ore"}},
			wantErr: true,
		},
		{
			name: "two payloads at once",
			kind: KindHarvesting,
			data: ActivityData{
				Harvest: &HarvestData{ResourceID: "ore"},
				Craft:   &CraftData{RecipeID: "sword"},
			},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			kind:    TaskKind("fishing"),
			data:    ActivityData{Harvest: &HarvestData{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.data.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestQueueClone 深拷貝不得與原件共享可變結構
func TestQueueClone(t *testing.T) {
	q := newTestQueue("player-1")
	c := q.Clone()

	c.QueuedTasks[1].Rewards[0].Quantity = 999
	c.QueuedTasks[0].Activity.Harvest.YieldPerSec = 99

	assert.Equal(t, 5, q.QueuedTasks[1].Rewards[0].Quantity)
	assert.Equal(t, 0.5, q.QueuedTasks[0].Activity.Harvest.YieldPerSec)
}

// TestSnapshotMatches 快照比對涵蓋旗標、計數與任務 ID 序列
func TestSnapshotMatches(t *testing.T) {
	q := newTestQueue("player-1")
	snap := q.Snapshot("test")

	assert.True(t, snap.Matches(q))

	q.QueuedTasks = q.QueuedTasks[:1]
	assert.False(t, snap.Matches(q))
}

// TestAppendHistoryBound 內嵌歷史保持上限且最新在前
func TestAppendHistoryBound(t *testing.T) {
	q := NewQueue("player-1")
	for i := 0; i < MaxStateHistory+5; i++ {
		q.TotalTasksCompleted = i
		q.AppendHistory(q.Snapshot("loop"))
	}

	require.Len(t, q.StateHistory, MaxStateHistory)
	assert.Equal(t, MaxStateHistory+4, q.StateHistory[0].TotalTasksCompleted)
}

// TestClassify 錯誤分類：標記優先，context 超時歸為 timeout
func TestClassify(t *testing.T) {
	assert.Equal(t, KindNetwork, Classify(WithKind(KindNetwork, assert.AnError)))
	assert.Equal(t, KindInternal, Classify(assert.AnError))
	assert.True(t, IsRetryableKind(KindThrottling))
	assert.False(t, IsRetryableKind(KindValidation))
}
