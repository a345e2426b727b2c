// ============================================================================
// IdleForge 差量緩衝 - 每位玩家的離線差量環
// ============================================================================
//
// Package: internal/sync
// 文件: buffer.go
// 功能: 客戶端離線期間緩衝差量更新，上限 100 筆，最舊的先淘汰
//
// ============================================================================

package sync

import (
	gosync "sync"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

// DefaultBufferCap 每位玩家緩衝的差量上限
const DefaultBufferCap = 100

// DeltaBuffer 每位玩家一個有界差量環，接收順序保留
type DeltaBuffer struct {
	mu      gosync.Mutex
	pending map[types.PlayerID][]types.DeltaUpdate
	cap     int
}

// NewDeltaBuffer 建立差量緩衝，cap <= 0 時使用 DefaultBufferCap
func NewDeltaBuffer(cap int) *DeltaBuffer {
	if cap <= 0 {
		cap = DefaultBufferCap
	}
	return &DeltaBuffer{
		pending: make(map[types.PlayerID][]types.DeltaUpdate),
		cap:     cap,
	}
}

// Add 緩衝一筆差量，滿了就丟最舊的；回傳是否有差量被淘汰
func (b *DeltaBuffer) Add(playerID types.PlayerID, d types.DeltaUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := append(b.pending[playerID], d)
	dropped := false
	if len(ring) > b.cap {
		ring = ring[len(ring)-b.cap:]
		dropped = true
	}
	b.pending[playerID] = ring
	return dropped
}

// Pending 回傳玩家緩衝中的差量副本（接收順序）
func (b *DeltaBuffer) Pending(playerID types.PlayerID) []types.DeltaUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.pending[playerID]
	out := make([]types.DeltaUpdate, len(ring))
	copy(out, ring)
	return out
}

// Len 玩家緩衝中的差量數
func (b *DeltaBuffer) Len(playerID types.PlayerID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[playerID])
}

// Clear 清空玩家的緩衝
func (b *DeltaBuffer) Clear(playerID types.PlayerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, playerID)
}
