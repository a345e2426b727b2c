// ============================================================================
// IdleForge 記憶體儲存 - Persistence 的行程內實作
// ============================================================================
//
// Package: internal/storage
// 文件: memory.go
// 功能: 以 mutex 保護的 map 實作持久化契約，供測試與單節點部署使用
//
// 設計理念:
//   1. 深拷貝進出 - 呼叫方拿到的永遠是副本，杜絕跨元件共享可變狀態
//   2. 條件式寫入 - 儲存中的版本不低於寫入版本時拒絕，舊寫不得覆蓋新寫
//   3. 快照環 - 每位玩家保留最近 N 份完整佇列快照（預設 10），
//      最舊的自動淘汰
//
// ============================================================================

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

// DefaultSnapshotLimit 每位玩家保留的耐久快照數量上限
const DefaultSnapshotLimit = 10

// snapshotRecord 快照中繼資料加上完整佇列內容
type snapshotRecord struct {
	meta  types.StateSnapshot
	queue *types.Queue
}

// MemoryStore Persistence 的記憶體實作
type MemoryStore struct {
	mu            sync.Mutex
	queues        map[types.PlayerID]*types.Queue
	snapshots     map[types.PlayerID][]snapshotRecord // 最新在前
	snapshotLimit int
}

// MemoryConfig MemoryStore 參數
type MemoryConfig struct {
	SnapshotLimit int // 每位玩家的快照保留數（預設 DefaultSnapshotLimit）
}

// NewMemoryStore 建立空的記憶體儲存
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = DefaultSnapshotLimit
	}
	return &MemoryStore{
		queues:        make(map[types.PlayerID]*types.Queue),
		snapshots:     make(map[types.PlayerID][]snapshotRecord),
		snapshotLimit: cfg.SnapshotLimit,
	}
}

var _ Persistence = (*MemoryStore)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// LoadQueue 回傳佇列的深拷貝，不存在時回傳 (nil, nil)
func (s *MemoryStore) LoadQueue(_ context.Context, playerID types.PlayerID) (*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[playerID]
	if !ok {
		return nil, nil
	}
	return q.Clone(), nil
}

// SaveQueueWithAtomicUpdate 條件式寫入佇列
//
// 行為：
//   - 儲存中已有相同或更新的版本 → ErrVersionConflict，內容不變
//   - ValidateBeforeUpdate 為真且驗證失敗 → validation 錯誤，內容不變
//   - CreateSnapshot 為真 → 寫入成功後在同一臨界區內建立快照
func (s *MemoryStore) SaveQueueWithAtomicUpdate(_ context.Context, q *types.Queue, opts SaveOptions) error {
	if opts.ValidateBeforeUpdate {
		if report := ValidateQueue(q); !report.IsValid {
			return types.WithKind(types.KindValidation,
				fmt.Errorf("queue failed integrity validation before save: %v", report.Errors))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queues[q.PlayerID]; ok && existing.Version >= q.Version {
		return fmt.Errorf("%w: player=%s stored=%d incoming=%d",
			ErrVersionConflict, q.PlayerID, existing.Version, q.Version)
	}

	stored := q.Clone()
	s.queues[q.PlayerID] = stored

	if opts.CreateSnapshot {
		s.snapshotLocked(stored, opts.SnapshotReason)
	}
	return nil
}

// ValidateQueueIntegrity 驗證佇列完整性（引擎無關邏輯的轉接）
func (s *MemoryStore) ValidateQueueIntegrity(_ context.Context, q *types.Queue) (*types.IntegrityReport, error) {
	return ValidateQueue(q), nil
}

// RepairQueue 套用修復動作並回傳修復後的副本（不自動持久化）
func (s *MemoryStore) RepairQueue(_ context.Context, q *types.Queue, actions []types.RepairAction) (*types.Queue, error) {
	return RepairQueue(q, actions), nil
}

// ============================================================================
// 快照
// ============================================================================

// CreateStateSnapshot 為佇列建立耐久快照，回傳快照 ID
func (s *MemoryStore) CreateStateSnapshot(_ context.Context, q *types.Queue, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(q, reason), nil
}

// snapshotLocked 呼叫方必須已持有 s.mu
func (s *MemoryStore) snapshotLocked(q *types.Queue, reason string) string {
	meta := q.Snapshot(reason)
	meta.SnapshotID = uuid.NewString()

	ring := append([]snapshotRecord{{meta: meta, queue: q.Clone()}}, s.snapshots[q.PlayerID]...)
	if len(ring) > s.snapshotLimit {
		ring = ring[:s.snapshotLimit]
	}
	s.snapshots[q.PlayerID] = ring

	return meta.SnapshotID
}

// PlayerSnapshots 回傳玩家的快照中繼資料，最新在前
func (s *MemoryStore) PlayerSnapshots(_ context.Context, playerID types.PlayerID, limit int) ([]types.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.snapshots[playerID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]types.StateSnapshot, 0, limit)
	for _, rec := range ring[:limit] {
		out = append(out, rec.meta)
	}
	return out, nil
}

// RestoreFromSnapshot 從快照重建佇列並持久化
//
// snapshotID 為空字串時使用最新的快照。還原後的版本一律高於
// 儲存中的當前版本，讓還原本身也是一次受版本保護的變更
func (s *MemoryStore) RestoreFromSnapshot(_ context.Context, playerID types.PlayerID, snapshotID string) (*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.snapshots[playerID]
	if len(ring) == 0 {
		return nil, fmt.Errorf("%w: player=%s", ErrSnapshotNotFound, playerID)
	}

	var rec *snapshotRecord
	if snapshotID == "" {
		rec = &ring[0]
	} else {
		for i := range ring {
			if ring[i].meta.SnapshotID == snapshotID {
				rec = &ring[i]
				break
			}
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: player=%s snapshot=%s", ErrSnapshotNotFound, playerID, snapshotID)
	}

	restored := rec.queue.Clone()
	if current, ok := s.queues[playerID]; ok && current.Version >= restored.Version {
		restored.Version = current.Version
	}
	restored.Version++
	restored.UpdatedAt = time.Now().UnixMilli()
	restored.Checksum = types.ComputeChecksum(restored)

	s.queues[playerID] = restored

	log.Info("Queue restored from snapshot",
		"player_id", playerID,
		"snapshot_id", rec.meta.SnapshotID,
		"restored_version", restored.Version)

	return restored.Clone(), nil
}

// ============================================================================
// 本地快取：最後手段的恢復來源
// ============================================================================

// MemorySessionCache SessionCache 的記憶體實作
type MemorySessionCache struct {
	mu    sync.Mutex
	blobs map[types.PlayerID][]byte
}

// NewMemorySessionCache 建立空的本地快取
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{blobs: make(map[types.PlayerID][]byte)}
}

var _ SessionCache = (*MemorySessionCache)(nil)

// Put 寫入玩家的序列化佇列 blob
func (c *MemorySessionCache) Put(playerID types.PlayerID, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]byte, len(blob))
	copy(cp, blob)
	c.blobs[playerID] = cp
}

// ReadCachedQueue 讀取 blob 的副本，不存在時回傳 (nil, nil)
func (c *MemorySessionCache) ReadCachedQueue(_ context.Context, playerID types.PlayerID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, ok := c.blobs[playerID]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}
