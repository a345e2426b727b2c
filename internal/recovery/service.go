// ============================================================================
// IdleForge Recovery Service - 佇列災難恢復鏈
// ============================================================================
//
// Package: internal/recovery
// 文件: service.go
// 功能: 佇列損毀或遺失後按序嘗試多層手段還原玩家狀態
//
// 恢復鏈（前一層失敗才進入下一層）:
//   1. snapshot_restore  - 還原最近的耐久快照，還原後驗證完整性
//   2. state_repair      - 載入（可能無效的）現役佇列，可修復則修復後持久化
//   3. backup_restore    - 讀取客戶端快取副本，schema 驗證後重新持久化
//   4. fallback_creation - 合成全新空佇列，必定成功，必附資料遺失警告
//
// 護欄:
//   - 每位玩家一個獨立斷路器（5 次失敗門檻、60s 冷卻）包住整條鏈，
//     反覆失敗後的呼叫直接短路為 graceful_degradation 結果
//   - 系統過載且呼叫方允許降級時，優先於恢復鏈直接送出
//     快取副本（minimal）或緊急空佇列（severe）
//
// 任何一層的失敗都被捕捉並累積為警告，不穿透服務邊界；只有連
// fallback_creation 都失敗（儲存層本身的缺陷）才回報系統錯誤
//
// ============================================================================

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/idleforge/internal/metrics"
	"github.com/ChuLiYu/idleforge/internal/monitor"
	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

var (
	// ErrRecoverySystem 整條恢復鏈（含 fallback）都失敗，儲存層本身有缺陷
	ErrRecoverySystem = errors.New("RECOVERY_SYSTEM_ERROR: all recovery tiers failed")
	// ErrCircuitOpen 玩家的恢復斷路器處於 OPEN
	ErrCircuitOpen = errors.New("CIRCUIT_BREAKER_OPEN: recovery circuit breaker open")
)

// Options 單次恢復呼叫的行為參數
type Options struct {
	GracefulDegradation bool // 系統過載時允許降級供應
}

// Service 佇列恢復服務
type Service struct {
	store   storage.Persistence
	cache   storage.SessionCache
	monitor *monitor.Monitor
	exec    *retry.Executor // 每位玩家一個斷路器鍵，獨立於持久層的執行器
	metrics *metrics.Collector
}

// NewService 建立恢復服務
//
// exec 應該是恢復專用的 retry.Executor，與原子層共用會讓兩邊的
// 失敗互相污染斷路器計數
func NewService(store storage.Persistence, cache storage.SessionCache, mon *monitor.Monitor, exec *retry.Executor, collector *metrics.Collector) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		monitor: mon,
		exec:    exec,
		metrics: collector,
	}
}

// ============================================================================
// 入口
// ============================================================================

// RecoverQueue 依序嘗試恢復鏈還原玩家佇列
//
// 回傳值永遠填滿 Method、Duration 與警告；失敗不以 panic 或
// error 穿透，全部收斂在 RecoveryResult 內
func (s *Service) RecoverQueue(ctx context.Context, playerID types.PlayerID, opts Options) types.RecoveryResult {
	start := time.Now()

	finish := func(res types.RecoveryResult) types.RecoveryResult {
		res.Duration = time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordRecovery(string(res.Method), res.Success, res.Duration.Seconds())
		}
		log.Info("Recovery finished",
			"player_id", playerID,
			"method", res.Method,
			"success", res.Success,
			"duration", res.Duration)
		return res
	}

	// 過載降級優先於恢復鏈
	if opts.GracefulDegradation && s.monitor != nil {
		st := s.monitor.Status()
		if st.IsOverloaded {
			return finish(s.degrade(ctx, playerID, st))
		}
	}

	// 整條鏈包在玩家專屬的斷路器內
	r := retry.Execute(s.exec, ctx, "recovery."+string(playerID),
		func(ctx context.Context) (types.RecoveryResult, error) {
			return s.runChain(ctx, playerID)
		},
		retry.Options{MaxRetries: 0, CircuitBreakerEnabled: true})

	if r.CircuitBreakerTriggered {
		return finish(types.RecoveryResult{
			Method: types.MethodGracefulDegradation,
			Errors: []string{ErrCircuitOpen.Error()},
		})
	}
	if !r.Success {
		return finish(types.RecoveryResult{
			Method: types.MethodFallbackCreation,
			Errors: []string{ErrRecoverySystem.Error(), r.Err.Error()},
		})
	}
	return finish(r.Value)
}

// ============================================================================
// 恢復鏈
// ============================================================================

// runChain 依序嘗試四層手段；只有全部失敗才回傳 error
func (s *Service) runChain(ctx context.Context, playerID types.PlayerID) (types.RecoveryResult, error) {
	var res types.RecoveryResult

	tiers := []struct {
		method types.RecoveryMethod
		run    func(context.Context, types.PlayerID) (*types.Queue, []string, error)
	}{
		{types.MethodSnapshotRestore, s.trySnapshotRestore},
		{types.MethodStateRepair, s.tryStateRepair},
		{types.MethodBackupRestore, s.tryBackupRestore},
		{types.MethodFallbackCreation, s.tryFallbackCreation},
	}

	for _, tier := range tiers {
		q, warnings, err := tier.run(ctx, playerID)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s failed: %v", tier.method, err))
			log.Warn("Recovery tier failed",
				"player_id", playerID, "method", tier.method, "error", err)
			continue
		}
		if q == nil {
			continue // 本層無可用素材，靜默進入下一層
		}

		res.Success = true
		res.Method = tier.method
		res.RecoveredQueue = q
		return res, nil
	}

	// fallback_creation 理應必定成功，走到這裡代表儲存層壞了
	res.Method = types.MethodFallbackCreation
	res.Errors = append(res.Errors, ErrRecoverySystem.Error())
	return res, ErrRecoverySystem
}

// trySnapshotRestore 第一層：還原最近的耐久快照
func (s *Service) trySnapshotRestore(ctx context.Context, playerID types.PlayerID) (*types.Queue, []string, error) {
	snaps, err := s.store.PlayerSnapshots(ctx, playerID, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(snaps) == 0 {
		return nil, nil, nil
	}

	restored, err := s.store.RestoreFromSnapshot(ctx, playerID, snaps[0].SnapshotID)
	if err != nil {
		return nil, nil, err
	}
	if report := storage.ValidateQueue(restored); !report.IsValid {
		return nil, nil, fmt.Errorf("restored queue failed integrity validation: %v", report.Errors)
	}
	return restored, nil, nil
}

// tryStateRepair 第二層：修復現役佇列
func (s *Service) tryStateRepair(ctx context.Context, playerID types.PlayerID) (*types.Queue, []string, error) {
	live, err := s.store.LoadQueue(ctx, playerID)
	if err != nil {
		return nil, nil, err
	}
	if live == nil {
		return nil, nil, nil
	}

	report := storage.ValidateQueue(live)
	if report.IsValid {
		return live, []string{"live queue passed validation, no repair needed"}, nil
	}
	if !report.CanRepair {
		return nil, nil, fmt.Errorf("live queue is not repairable: %v", report.Errors)
	}

	repaired, err := s.store.RepairQueue(ctx, live, report.RepairActions)
	if err != nil {
		return nil, nil, err
	}
	if after := storage.ValidateQueue(repaired); !after.IsValid {
		return nil, nil, fmt.Errorf("queue still invalid after repair: %v", after.Errors)
	}

	repaired.Version = live.Version + 1
	repaired.UpdatedAt = time.Now().UnixMilli()
	repaired.Checksum = types.ComputeChecksum(repaired)
	if err := s.persistRecovered(ctx, repaired, "recovery:state_repair"); err != nil {
		return nil, nil, err
	}

	warnings := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		warnings = append(warnings, "repaired: "+e)
	}
	return repaired, warnings, nil
}

// tryBackupRestore 第三層：客戶端快取副本
func (s *Service) tryBackupRestore(ctx context.Context, playerID types.PlayerID) (*types.Queue, []string, error) {
	if s.cache == nil {
		return nil, nil, nil
	}
	blob, err := s.cache.ReadCachedQueue(ctx, playerID)
	if err != nil {
		return nil, nil, err
	}
	if blob == nil {
		return nil, nil, nil
	}

	cached, err := parseCachedQueue(blob, playerID)
	if err != nil {
		return nil, nil, err
	}

	cached.Version++
	cached.UpdatedAt = time.Now().UnixMilli()
	cached.Checksum = types.ComputeChecksum(cached)
	if err := s.persistRecovered(ctx, cached, "recovery:backup_restore"); err != nil {
		return nil, nil, err
	}
	return cached, []string{"restored from client-side cached copy"}, nil
}

// tryFallbackCreation 第四層：全新空佇列，必附資料遺失警告
func (s *Service) tryFallbackCreation(ctx context.Context, playerID types.PlayerID) (*types.Queue, []string, error) {
	fresh := types.NewQueue(playerID)
	if err := s.persistRecovered(ctx, fresh, "recovery:fallback_creation"); err != nil {
		return nil, nil, err
	}
	return fresh, []string{"previous queue state was lost, created an empty queue"}, nil
}

// persistRecovered 條件式持久化恢復結果；版本衝突時抬升版本再試
func (s *Service) persistRecovered(ctx context.Context, q *types.Queue, reason string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.store.SaveQueueWithAtomicUpdate(ctx, q, storage.SaveOptions{
			CreateSnapshot: true,
			SnapshotReason: reason,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		current, lerr := s.store.LoadQueue(ctx, q.PlayerID)
		if lerr != nil || current == nil {
			return err
		}
		q.Version = current.Version + 1
		q.Checksum = types.ComputeChecksum(q)
	}
	return err
}

// ============================================================================
// 降級
// ============================================================================

// degrade 過載時優先於恢復鏈的短路路徑
//
// minimal: 送出快取副本（不持久化）；快取不可用時退到緊急空佇列。
// severe:  直接送出緊急空佇列（不持久化）
func (s *Service) degrade(ctx context.Context, playerID types.PlayerID, st types.ResourceStatus) types.RecoveryResult {
	res := types.RecoveryResult{
		Method: types.MethodGracefulDegradation,
		Warnings: []string{fmt.Sprintf(
			"system overloaded (memory=%.2f cpu=%.2f level=%s), serving degraded result",
			st.MemoryUsage, st.CPUUsage, st.DegradationLevel)},
	}

	if st.DegradationLevel == types.DegradationMinimal && s.cache != nil {
		if blob, err := s.cache.ReadCachedQueue(ctx, playerID); err == nil && blob != nil {
			if cached, err := parseCachedQueue(blob, playerID); err == nil {
				res.Success = true
				res.RecoveredQueue = cached
				res.Warnings = append(res.Warnings, "serving cached session copy, state may be stale")
				return res
			}
		}
		res.Warnings = append(res.Warnings, "session cache unusable, falling back to emergency queue")
	}

	res.Success = true
	res.RecoveredQueue = types.NewQueue(playerID)
	res.Warnings = append(res.Warnings, "serving emergency empty queue, state not persisted")
	return res
}

// parseCachedQueue 反序列化並 schema 驗證快取副本
func parseCachedQueue(blob []byte, playerID types.PlayerID) (*types.Queue, error) {
	var q types.Queue
	if err := json.Unmarshal(blob, &q); err != nil {
		return nil, fmt.Errorf("cached copy is not valid JSON: %w", err)
	}
	if q.PlayerID != playerID {
		return nil, fmt.Errorf("cached copy belongs to %q, expected %q", q.PlayerID, playerID)
	}
	if report := storage.ValidateQueue(&q); !report.IsValid {
		return nil, fmt.Errorf("cached copy failed integrity validation: %v", report.Errors)
	}
	return &q, nil
}
