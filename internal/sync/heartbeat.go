// ============================================================================
// IdleForge 心跳追蹤 - 連線存活判定
// ============================================================================
//
// Package: internal/sync
// 文件: heartbeat.go
// 功能: 記錄每位玩家最後一次心跳，錯過 3 個間隔（90s）視為斷線
//
// 判定規則:
//   - 心跳間隔 30s，由客戶端主動發送
//   - 超過 StaleAfter（預設 90s = 3 個間隔）沒有任何訊息即為 stale
//   - stale 玩家由背景清掃移除並觸發 onStale 回呼（清理緩衝差量等）
//
// ============================================================================

package sync

import (
	gosync "sync"
	"time"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

// HeartbeatConfig 心跳追蹤參數
type HeartbeatConfig struct {
	Interval   time.Duration // 心跳間隔，同時是清掃間隔（預設 30s）
	StaleAfter time.Duration // 視為斷線的靜默時間（預設 90s）
}

// HeartbeatTracker 連線存活追蹤器
type HeartbeatTracker struct {
	mu       gosync.Mutex
	lastSeen map[types.PlayerID]time.Time

	staleAfter time.Duration
	onStale    func(types.PlayerID)
	stopCh     chan struct{}
	stopped    bool
	sweepWg    gosync.WaitGroup
}

// NewHeartbeatTracker 建立追蹤器並啟動背景清掃
//
// onStale 在玩家被判定斷線時呼叫（可為 nil），呼叫時不持有內部鎖
func NewHeartbeatTracker(cfg HeartbeatConfig, onStale func(types.PlayerID)) *HeartbeatTracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.Interval
	}

	h := &HeartbeatTracker{
		lastSeen:   make(map[types.PlayerID]time.Time),
		staleAfter: cfg.StaleAfter,
		onStale:    onStale,
		stopCh:     make(chan struct{}),
	}

	h.sweepWg.Add(1)
	go h.sweepLoop(cfg.Interval)

	return h
}

// Mark 記錄玩家的一次心跳（任何入站訊息都算）
func (h *HeartbeatTracker) Mark(playerID types.PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen[playerID] = time.Now()
}

// Forget 主動移除玩家（明確斷線時）
func (h *HeartbeatTracker) Forget(playerID types.PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastSeen, playerID)
}

// IsAlive 玩家是否仍視為連線中
func (h *HeartbeatTracker) IsAlive(playerID types.PlayerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen, ok := h.lastSeen[playerID]
	return ok && time.Since(seen) < h.staleAfter
}

// Connected 當前連線中的玩家數
func (h *HeartbeatTracker) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	now := time.Now()
	for _, seen := range h.lastSeen {
		if now.Sub(seen) < h.staleAfter {
			n++
		}
	}
	return n
}

// sweepLoop 以固定間隔判定並移除 stale 玩家
func (h *HeartbeatTracker) sweepLoop(interval time.Duration) {
	defer h.sweepWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepStale(time.Now())
		}
	}
}

// sweepStale 單次清掃，回傳被判定斷線的玩家
func (h *HeartbeatTracker) sweepStale(now time.Time) []types.PlayerID {
	h.mu.Lock()
	var stale []types.PlayerID
	for playerID, seen := range h.lastSeen {
		if now.Sub(seen) >= h.staleAfter {
			stale = append(stale, playerID)
			delete(h.lastSeen, playerID)
		}
	}
	h.mu.Unlock()

	for _, playerID := range stale {
		log.Warn("Sync connection stale, treating as disconnect", "player_id", playerID)
		if h.onStale != nil {
			h.onStale(playerID)
		}
	}
	return stale
}

// Close 停止清掃循環並等待其退出
func (h *HeartbeatTracker) Close() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	close(h.stopCh)
	h.sweepWg.Wait()
}
