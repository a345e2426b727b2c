// ============================================================================
// IdleForge 資源監視器
// ============================================================================
//
// Package: internal/monitor
// 文件: monitor.go
// 功能: 回報行程資源壓力，恢復流程據此決定是否降級
//
// 量測方式:
//   - 記憶體: runtime.ReadMemStats 的 HeapAlloc 相對於設定的預算
//   - CPU: 以 goroutine 數相對於預算作為近似指標；單行程內
//     沒有可攜的瞬時 CPU 取樣，負載壓力與 goroutine 數高度相關
//
// 降級等級:
//   - minimal: 任一指標超過 MinimalThreshold（預設 0.80）
//   - severe:  任一指標超過 SevereThreshold（預設 0.95）
//
// ============================================================================

package monitor

import (
	"runtime"
	"sync"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

// Config 監視器參數
type Config struct {
	MemoryBudgetBytes uint64  // 記憶體預算（預設 512 MiB）
	GoroutineBudget   int     // goroutine 預算（預設 10000）
	MinimalThreshold  float64 // minimal 降級門檻（預設 0.80）
	SevereThreshold   float64 // severe 降級門檻（預設 0.95）
}

// Monitor 資源壓力監視器
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	override *types.ResourceStatus // 測試與 operator 介入用
}

// New 建立監視器，零值參數以預設值補齊
func New(cfg Config) *Monitor {
	if cfg.MemoryBudgetBytes == 0 {
		cfg.MemoryBudgetBytes = 512 << 20
	}
	if cfg.GoroutineBudget <= 0 {
		cfg.GoroutineBudget = 10000
	}
	if cfg.MinimalThreshold <= 0 {
		cfg.MinimalThreshold = 0.80
	}
	if cfg.SevereThreshold <= 0 {
		cfg.SevereThreshold = 0.95
	}
	return &Monitor{cfg: cfg}
}

// Status 取樣當前資源狀態
func (m *Monitor) Status() types.ResourceStatus {
	m.mu.Lock()
	if m.override != nil {
		st := *m.override
		m.mu.Unlock()
		return st
	}
	m.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memUsage := clamp(float64(ms.HeapAlloc) / float64(m.cfg.MemoryBudgetBytes))
	cpuUsage := clamp(float64(runtime.NumGoroutine()) / float64(m.cfg.GoroutineBudget))

	return m.classify(memUsage, cpuUsage)
}

// SetOverride 固定回報值，傳入 nil 恢復實際取樣
func (m *Monitor) SetOverride(st *types.ResourceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = st
}

// classify 由使用率推導降級等級
func (m *Monitor) classify(memUsage, cpuUsage float64) types.ResourceStatus {
	peak := memUsage
	if cpuUsage > peak {
		peak = cpuUsage
	}

	st := types.ResourceStatus{
		MemoryUsage:      memUsage,
		CPUUsage:         cpuUsage,
		DegradationLevel: types.DegradationNone,
	}
	switch {
	case peak >= m.cfg.SevereThreshold:
		st.IsOverloaded = true
		st.DegradationLevel = types.DegradationSevere
	case peak >= m.cfg.MinimalThreshold:
		st.IsOverloaded = true
		st.DegradationLevel = types.DegradationMinimal
	}
	return st
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
