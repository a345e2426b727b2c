// ============================================================================
// IdleForge Atomic Queue State Manager - 佇列變更的原子執行器
// ============================================================================
//
// Package: internal/atomic
// 文件: manager.go
// 功能: 所有佇列變更的唯一入口，保證「全有或全無」
//
// 執行流程（單一操作）:
//   1. 取得玩家互斥鎖（fail-fast，已被鎖定立即失敗）
//   2. 重試循環內：
//      a. 從持久層載入最新佇列（每次嘗試重新載入）
//      b. 對深拷貝套用操作函式
//      c. 版本 +1、追加歷史快照、重算校驗和
//      d. （可選）完整性驗證，失敗計入重試
//      e. 條件式持久化；版本衝突代表有並發寫入，重載後重試
//   3. defer 釋放鎖，無論成敗
//
// 交易（多步驟）:
//   一把鎖、一份初始耐久快照；每步驟套用後各自持久化一個版本；
//   任一步驟失敗即從初始快照還原（unwind），成功則補一份最終快照
//
// 重試節奏:
//   嘗試間延遲為 RetryDelay * 2^(attempt-1)。對持久層的單次讀寫
//   另經 retry.Execute 走 persistence 參數預設，享有斷路器保護
//
// ============================================================================

package atomic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/idleforge/internal/lock"
	"github.com/ChuLiYu/idleforge/internal/metrics"
	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

// ErrQueueNotFound 佇列不存在且未要求自動建立
var ErrQueueNotFound = errors.New("queue not found for player")

// ============================================================================
// 選項與結果
// ============================================================================

// OperationOptions 單次原子操作的行為參數
type OperationOptions struct {
	MaxRetries           int           // 重試次數上限（預設 3）
	RetryDelay           time.Duration // 首次重試前延遲，之後指數翻倍（預設 100ms）
	Timeout              time.Duration // 整個操作的逾時（預設 30s）
	ValidateBeforeUpdate bool          // 持久化前先驗證結果完整性
	CreateSnapshot       bool          // 持久化成功後建立耐久快照
	CreateIfMissing      bool          // 佇列不存在時自動建立空佇列
	RollbackOnFailure    bool          // 失敗時從最近的耐久快照還原
}

// DefaultOperationOptions 通用預設
func DefaultOperationOptions() OperationOptions {
	return OperationOptions{
		MaxRetries:           3,
		RetryDelay:           100 * time.Millisecond,
		Timeout:              30 * time.Second,
		ValidateBeforeUpdate: true,
	}
}

func (o OperationOptions) withDefaults() OperationOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// OperationResult 一次原子操作的完整結果
type OperationResult[T any] struct {
	Success    bool
	Value      T
	Queue      *types.Queue // 成功時為持久化後的新狀態
	Err        error
	Attempts   int
	RolledBack bool
	Duration   time.Duration
}

// Step 交易中的一個步驟，Apply 就地修改傳入的佇列副本
type Step struct {
	Name  string
	Apply func(ctx context.Context, q *types.Queue) error
}

// TransactionResult 一次交易的完整結果
type TransactionResult struct {
	Success        bool
	Queue          *types.Queue
	Err            error
	CompletedSteps int
	RolledBack     bool
	Duration       time.Duration
}

// ============================================================================
// Manager
// ============================================================================

// Manager 佇列變更的原子執行器
type Manager struct {
	store   storage.Persistence
	locks   *lock.Table
	exec    *retry.Executor
	metrics *metrics.Collector // 可為 nil
}

// NewManager 建立原子執行器
func NewManager(store storage.Persistence, locks *lock.Table, exec *retry.Executor, collector *metrics.Collector) *Manager {
	return &Manager{
		store:   store,
		locks:   locks,
		exec:    exec,
		metrics: collector,
	}
}

// ============================================================================
// 單一操作
// ============================================================================

// ExecuteAtomicOperation 在玩家鎖的保護下原子地套用一個佇列變更
//
// op 收到的是佇列的深拷貝，就地修改即可；op 回傳的值會原樣放進
// 結果的 Value 欄位。op 不得有副作用（可能被重試多次）
func ExecuteAtomicOperation[T any](m *Manager, ctx context.Context, playerID types.PlayerID, name string, op func(ctx context.Context, q *types.Queue) (T, error), opts OperationOptions) OperationResult[T] {
	start := time.Now()
	opts = opts.withDefaults()
	var res OperationResult[T]

	finish := func() OperationResult[T] {
		if !res.Success && opts.RollbackOnFailure && res.Err != nil &&
			!errors.Is(res.Err, lock.ErrLockHeld) {
			// 還原失敗只記錄，不得遮蔽原始錯誤
			if restored, rerr := m.store.RestoreFromSnapshot(ctx, playerID, ""); rerr != nil {
				log.Error("Rollback from durable snapshot failed",
					"player_id", playerID, "operation", name, "error", rerr)
			} else {
				res.RolledBack = true
				res.Queue = restored
				if m.metrics != nil {
					m.metrics.RecordRollback()
				}
				log.Warn("Operation rolled back to durable snapshot",
					"player_id", playerID,
					"operation", name,
					"restored_version", restored.Version)
			}
		}
		res.Duration = time.Since(start)
		if m.metrics != nil {
			m.metrics.RecordAtomicOperation(res.Success, res.Duration.Seconds())
		}
		return res
	}

	lk, err := m.locks.Acquire(playerID, name)
	if err != nil {
		res.Err = err
		return finish()
	}
	defer func() {
		if rerr := m.locks.Release(playerID, lk.LockID); rerr != nil {
			log.Warn("Lock release failed", "player_id", playerID, "operation", name, "error", rerr)
		}
	}()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		res.Attempts = attempt
		if attempt > 1 && m.metrics != nil {
			m.metrics.RecordRetryAttempt()
		}

		loaded, err := m.loadQueue(ctx, playerID)
		if err != nil {
			res.Err = err
			if !types.IsRetryableKind(types.Classify(err)) {
				return finish()
			}
			if !m.backoff(ctx, opts, attempt, &res.Err) {
				return finish()
			}
			continue
		}
		if loaded == nil {
			if !opts.CreateIfMissing {
				res.Err = types.WithKind(types.KindNotFound,
					fmt.Errorf("%w: player=%s", ErrQueueNotFound, playerID))
				return finish()
			}
			loaded = types.NewQueue(playerID)
		}

		working := loaded.Clone()
		value, err := op(ctx, working)
		if err != nil {
			res.Err = fmt.Errorf("operation %s: %w", name, err)
			if !types.IsRetryableKind(types.Classify(err)) {
				return finish()
			}
			if !m.backoff(ctx, opts, attempt, &res.Err) {
				return finish()
			}
			continue
		}

		// 版本與校驗和 bookkeeping：每次成功持久化的變更版本嚴格 +1
		working.Version = loaded.Version + 1
		working.UpdatedAt = time.Now().UnixMilli()
		working.AppendHistory(loaded.Snapshot(name))
		working.Checksum = types.ComputeChecksum(working)

		if opts.ValidateBeforeUpdate {
			if report := storage.ValidateQueue(working); !report.IsValid {
				res.Err = types.WithKind(types.KindValidation,
					fmt.Errorf("operation %s produced an invalid queue: %v", name, report.Errors))
				if !m.backoff(ctx, opts, attempt, &res.Err) {
					return finish()
				}
				continue
			}
		}

		if err := m.saveQueue(ctx, working, storage.SaveOptions{
			CreateSnapshot: opts.CreateSnapshot,
			SnapshotReason: name,
		}); err != nil {
			res.Err = err
			if errors.Is(err, storage.ErrVersionConflict) {
				// 並發寫入搶先落盤，重載最新狀態再試
				log.Debug("Version conflict, reloading",
					"player_id", playerID, "operation", name, "attempt", attempt)
				if !m.backoff(ctx, opts, attempt, &res.Err) {
					return finish()
				}
				continue
			}
			if !types.IsRetryableKind(types.Classify(err)) {
				return finish()
			}
			if !m.backoff(ctx, opts, attempt, &res.Err) {
				return finish()
			}
			continue
		}

		res.Success = true
		res.Err = nil
		res.Value = value
		res.Queue = working
		return finish()
	}

	return finish()
}

// ============================================================================
// 交易
// ============================================================================

// ExecuteAtomicTransaction 在一把鎖與一份初始快照的保護下依序套用多個步驟
//
// 每個步驟各自持久化一個版本；任一步驟失敗即從初始快照還原所有
// 已持久化的步驟。成功時補一份最終耐久快照
func (m *Manager) ExecuteAtomicTransaction(ctx context.Context, playerID types.PlayerID, name string, steps []Step, opts OperationOptions) TransactionResult {
	start := time.Now()
	opts = opts.withDefaults()
	var res TransactionResult

	finish := func() TransactionResult {
		res.Duration = time.Since(start)
		if m.metrics != nil {
			m.metrics.RecordAtomicOperation(res.Success, res.Duration.Seconds())
		}
		return res
	}

	if len(steps) == 0 {
		res.Err = fmt.Errorf("transaction %s has no steps", name)
		return finish()
	}

	lk, err := m.locks.Acquire(playerID, name)
	if err != nil {
		res.Err = err
		return finish()
	}
	defer func() {
		if rerr := m.locks.Release(playerID, lk.LockID); rerr != nil {
			log.Warn("Lock release failed", "player_id", playerID, "operation", name, "error", rerr)
		}
	}()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	loaded, err := m.loadQueue(ctx, playerID)
	if err != nil {
		res.Err = err
		return finish()
	}
	if loaded == nil {
		if !opts.CreateIfMissing {
			res.Err = types.WithKind(types.KindNotFound,
				fmt.Errorf("%w: player=%s", ErrQueueNotFound, playerID))
			return finish()
		}
		loaded = types.NewQueue(playerID)
		if err := m.saveQueue(ctx, loaded, storage.SaveOptions{}); err != nil {
			res.Err = err
			return finish()
		}
	}

	// 初始耐久快照，失敗的交易從這裡還原
	initialID, err := m.store.CreateStateSnapshot(ctx, loaded, name+":begin")
	if err != nil {
		res.Err = fmt.Errorf("create initial snapshot for %s: %w", name, err)
		return finish()
	}

	working := loaded.Clone()
	for i, step := range steps {
		preStep := working.Snapshot(name + ":" + step.Name)

		if err := step.Apply(ctx, working); err != nil {
			res.Err = fmt.Errorf("transaction %s step %s: %w", name, step.Name, err)
			m.unwind(ctx, playerID, name, initialID, i, &res)
			return finish()
		}

		working.Version++
		working.UpdatedAt = time.Now().UnixMilli()
		working.AppendHistory(preStep)
		working.Checksum = types.ComputeChecksum(working)

		if opts.ValidateBeforeUpdate {
			if report := storage.ValidateQueue(working); !report.IsValid {
				res.Err = types.WithKind(types.KindValidation,
					fmt.Errorf("transaction %s step %s produced an invalid queue: %v", name, step.Name, report.Errors))
				m.unwind(ctx, playerID, name, initialID, i, &res)
				return finish()
			}
		}

		if err := m.saveQueue(ctx, working, storage.SaveOptions{}); err != nil {
			res.Err = fmt.Errorf("transaction %s step %s: %w", name, step.Name, err)
			m.unwind(ctx, playerID, name, initialID, i, &res)
			return finish()
		}
		res.CompletedSteps = i + 1
	}

	if _, err := m.store.CreateStateSnapshot(ctx, working, name+":commit"); err != nil {
		// 交易本身已全部落盤，快照失敗只記警告
		log.Warn("Final transaction snapshot failed",
			"player_id", playerID, "transaction", name, "error", err)
	}

	res.Success = true
	res.Queue = working
	return finish()
}

// unwind 從初始快照還原已持久化的步驟
func (m *Manager) unwind(ctx context.Context, playerID types.PlayerID, name, initialID string, completed int, res *TransactionResult) {
	if completed == 0 {
		// 尚未持久化任何步驟，儲存中仍是交易前狀態
		return
	}

	restored, err := m.store.RestoreFromSnapshot(ctx, playerID, initialID)
	if err != nil {
		log.Error("Transaction unwind failed",
			"player_id", playerID, "transaction", name, "error", err)
		res.Err = errors.Join(res.Err, fmt.Errorf("unwind transaction %s: %w", name, err))
		return
	}

	res.RolledBack = true
	res.Queue = restored
	if m.metrics != nil {
		m.metrics.RecordRollback()
	}
	log.Warn("Transaction rolled back",
		"player_id", playerID,
		"transaction", name,
		"restored_version", restored.Version)
}

// ============================================================================
// 監控存取器
// ============================================================================

// LockStatus 回傳玩家當前持有的鎖，沒有則回傳 nil
func (m *Manager) LockStatus(playerID types.PlayerID) *types.Lock {
	return m.locks.Status(playerID)
}

// ActiveLocks 回傳所有未過期鎖
func (m *Manager) ActiveLocks() []types.Lock {
	locks := m.locks.ActiveLocks()
	if m.metrics != nil {
		m.metrics.SetActiveLocks(len(locks))
	}
	return locks
}

// ForceReleaseLock operator 介入：無條件釋放玩家的鎖
func (m *Manager) ForceReleaseLock(playerID types.PlayerID) bool {
	return m.locks.ForceRelease(playerID)
}

// CircuitBreakerStatus 回傳指定鍵的斷路器狀態
func (m *Manager) CircuitBreakerStatus(key string) *retry.BreakerStatus {
	return m.exec.CircuitBreakerStatus(key)
}

// AllCircuitBreakerStatuses 回傳所有斷路器狀態
func (m *Manager) AllCircuitBreakerStatuses() map[string]retry.BreakerStatus {
	return m.exec.AllCircuitBreakerStatuses()
}

// ResetCircuitBreaker 重置指定鍵的斷路器
func (m *Manager) ResetCircuitBreaker(key string) {
	m.exec.ResetCircuitBreaker(key)
}

// ============================================================================
// 持久層轉接：讀寫都經過 retry.Execute 的 persistence 參數預設
// ============================================================================

func (m *Manager) loadQueue(ctx context.Context, playerID types.PlayerID) (*types.Queue, error) {
	r := retry.Execute(m.exec, ctx, "persistence.load", func(ctx context.Context) (*types.Queue, error) {
		return m.store.LoadQueue(ctx, playerID)
	}, retry.PersistenceOptions())
	if !r.Success {
		if r.CircuitBreakerTriggered && m.metrics != nil {
			m.metrics.RecordBreakerRejection()
		}
		return nil, r.Err
	}
	return r.Value, nil
}

func (m *Manager) saveQueue(ctx context.Context, q *types.Queue, opts storage.SaveOptions) error {
	r := retry.Execute(m.exec, ctx, "persistence.save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.SaveQueueWithAtomicUpdate(ctx, q, opts)
	}, retry.PersistenceOptions())
	if !r.Success {
		if r.CircuitBreakerTriggered && m.metrics != nil {
			m.metrics.RecordBreakerRejection()
		}
		return r.Err
	}
	return nil
}

// backoff 嘗試間等待，context 取消時回傳 false 並覆寫錯誤
func (m *Manager) backoff(ctx context.Context, opts OperationOptions, attempt int, errOut *error) bool {
	if attempt > opts.MaxRetries {
		return false
	}
	delay := opts.RetryDelay << (attempt - 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		*errOut = types.WithKind(types.KindTimeout, ctx.Err())
		return false
	case <-timer.C:
		return true
	}
}
