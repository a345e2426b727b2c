// ============================================================================
// IdleForge 玩家鎖表 - 行程內互斥鎖
// ============================================================================
//
// Package: internal/lock
// 文件: table.go
// 功能: 管理每位玩家的互斥鎖，保證同一玩家同一時刻至多一個變更在途
//
// 設計理念:
//   1. fail-fast - 已被鎖定的玩家再次取鎖立即失敗，不排隊等待，
//      把競爭處理推給呼叫方（通常是稍後重試）
//   2. TTL - 每把鎖有過期時間，持有者崩潰時由背景清掃回收
//   3. 單行程範圍 - 鎖表是行程內共享 map；多節點部署需換成
//      分散式租約儲存，介面保持不變即可替換
//
// 並發安全:
//   - 使用 sync.Mutex 保護鎖表
//   - 清掃循環以固定間隔運行，獨立於任何請求
//
// ============================================================================

package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrLockHeld 玩家已持有未過期的鎖
	ErrLockHeld = errors.New("player lock already held")
	// ErrLockMismatch 釋放時鎖 ID 不符（鎖已被回收或強制釋放）
	ErrLockMismatch = errors.New("lock id mismatch")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 鎖表參數
type Config struct {
	TTL           time.Duration // 鎖的存活時間（預設 30s）
	SweepInterval time.Duration // 過期鎖清掃間隔（預設 10s）
}

// Table 玩家鎖表
type Table struct {
	mu    sync.Mutex
	locks map[types.PlayerID]*types.Lock

	ttl     time.Duration
	stopCh  chan struct{}
	stopped bool
	sweepWg sync.WaitGroup
}

// NewTable 建立鎖表並啟動背景清掃循環
func NewTable(cfg Config) *Table {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	t := &Table{
		locks:  make(map[types.PlayerID]*types.Lock),
		ttl:    cfg.TTL,
		stopCh: make(chan struct{}),
	}

	t.sweepWg.Add(1)
	go t.sweepLoop(cfg.SweepInterval)

	return t
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Acquire 為玩家取得互斥鎖
//
// 行為：
//   - 玩家已持有未過期的鎖 → 立即回傳 ErrLockHeld（不等待）
//   - 已過期的鎖視同不存在，原地回收
//
// 參數：
//   - playerID: 玩家 ID
//   - operation: 操作名稱（用於觀測與除錯）
//
// 返回值：
//   - *types.Lock: 新取得的鎖，釋放時需要其 LockID
//   - error: ErrLockHeld（帶 lock_held 錯誤種類）
func (t *Table) Acquire(playerID types.PlayerID, operation string) (*types.Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if existing, ok := t.locks[playerID]; ok {
		if !existing.Expired(now) {
			return nil, types.WithKind(types.KindLockHeld,
				fmt.Errorf("%w: player=%s operation=%s", ErrLockHeld, playerID, existing.Operation))
		}
		// 過期鎖原地回收
		log.Warn("Reclaiming expired lock on acquire",
			"player_id", playerID,
			"lock_id", existing.LockID,
			"operation", existing.Operation)
		delete(t.locks, playerID)
	}

	lk := &types.Lock{
		PlayerID:   playerID,
		LockID:     uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(t.ttl),
		Operation:  operation,
	}
	t.locks[playerID] = lk

	return lk, nil
}

// Release 釋放玩家的鎖
//
// 鎖 ID 必須與持有中的鎖一致，防止誤釋放他人重新取得的鎖
func (t *Table) Release(playerID types.PlayerID, lockID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.locks[playerID]
	if !ok {
		return nil // 已被清掃回收，釋放視為成功
	}
	if existing.LockID != lockID {
		return fmt.Errorf("%w: player=%s", ErrLockMismatch, playerID)
	}

	delete(t.locks, playerID)
	return nil
}

// ForceRelease operator 介入：無條件移除玩家的鎖
func (t *Table) ForceRelease(playerID types.PlayerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.locks[playerID]; ok {
		log.Warn("Lock force-released",
			"player_id", playerID,
			"lock_id", existing.LockID,
			"operation", existing.Operation)
		delete(t.locks, playerID)
		return true
	}
	return false
}

// Status 回傳玩家當前持有的鎖，沒有（或已過期）則回傳 nil
func (t *Table) Status(playerID types.PlayerID) *types.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	lk, ok := t.locks[playerID]
	if !ok || lk.Expired(time.Now()) {
		return nil
	}
	c := *lk
	return &c
}

// ActiveLocks 回傳所有未過期鎖的副本
func (t *Table) ActiveLocks() []types.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]types.Lock, 0, len(t.locks))
	for _, lk := range t.locks {
		if !lk.Expired(now) {
			out = append(out, *lk)
		}
	}
	return out
}

// ============================================================================
// 清掃循環
// ============================================================================

// sweepLoop 以固定間隔回收過期鎖
func (t *Table) sweepLoop(interval time.Duration) {
	defer t.sweepWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			log.Info("Lock sweep loop stopped")
			return

		case <-ticker.C:
			t.sweepExpired(time.Now())
		}
	}
}

// sweepExpired 單次清掃，回傳回收數量
func (t *Table) sweepExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	reclaimed := 0
	for playerID, lk := range t.locks {
		if lk.Expired(now) {
			log.Warn("Expired lock reclaimed",
				"player_id", playerID,
				"lock_id", lk.LockID,
				"operation", lk.Operation,
				"expired_at", lk.ExpiresAt)
			delete(t.locks, playerID)
			reclaimed++
		}
	}
	return reclaimed
}

// Close 停止清掃循環並等待其退出
func (t *Table) Close() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stopCh)
	t.sweepWg.Wait()
}
