// ============================================================================
// IdleForge Retry Executor - generic retry-with-backoff primitive
// ============================================================================
//
// Package: internal/retry
// File: executor.go
// Function: Every component that talks to the persistence collaborator goes
// through this primitive. One algorithm, three parameter presets (queue
// operation / task processing / persistence operation).
//
// Backoff:
//   delay(n) = min(maxDelay, baseDelay * multiplier^(n-1)), n is 1-indexed.
//   With jitter enabled the final delay is uniformly randomized within
//   ±25% of that value, so synchronized retry storms spread out.
//
// Retry policy:
//   An error is retried only when its classified kind appears in
//   Options.RetryableErrors (or, absent a list, in the built-in transient
//   set: network / timeout / service_unavailable / connection / throttling).
//   Everything else terminates immediately on the first attempt.
//
// Circuit breaker:
//   Keyed by operation name. Calls while OPEN fail immediately with
//   ErrCircuitOpen and CircuitBreakerTriggered=true, without invoking the
//   operation. See breaker.go for the state machine.
//
// ============================================================================

package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

// ErrCircuitOpen 斷路器處於 OPEN 狀態時的專屬錯誤
var ErrCircuitOpen = errors.New("circuit breaker open")

// ============================================================================
// Options and presets
// ============================================================================

// Options 單次 Execute 呼叫的重試策略
type Options struct {
	MaxRetries            int               // 首次嘗試之外的重試次數上限
	BaseDelay             time.Duration     // 第一次重試前的基礎延遲
	MaxDelay              time.Duration     // 退避延遲上限
	BackoffMultiplier     float64           // 指數退避倍率
	JitterEnabled         bool              // 是否在延遲上加 ±25% 抖動
	RetryableErrors       []types.ErrorKind // 空列表代表使用內建暫時性集合
	CircuitBreakerEnabled bool
}

// DefaultOptions 回傳通用預設策略
func DefaultOptions() Options {
	return Options{
		MaxRetries:            3,
		BaseDelay:             1 * time.Second,
		MaxDelay:              30 * time.Second,
		BackoffMultiplier:     2.0,
		JitterEnabled:         true,
		CircuitBreakerEnabled: true,
	}
}

// QueueOperationOptions 佇列變更呼叫點的參數預設
func QueueOperationOptions() Options {
	o := DefaultOptions()
	o.MaxRetries = 3
	o.BaseDelay = 500 * time.Millisecond
	o.MaxDelay = 10 * time.Second
	return o
}

// TaskProcessingOptions 任務處理呼叫點的參數預設
func TaskProcessingOptions() Options {
	o := DefaultOptions()
	o.MaxRetries = 2
	o.BaseDelay = 1 * time.Second
	o.MaxDelay = 15 * time.Second
	return o
}

// PersistenceOptions 持久化呼叫點的參數預設
func PersistenceOptions() Options {
	o := DefaultOptions()
	o.MaxRetries = 5
	o.BaseDelay = 200 * time.Millisecond
	o.MaxDelay = 5 * time.Second
	return o
}

// retryable 判斷錯誤種類是否在本次策略的可重試集合內
func (o Options) retryable(kind types.ErrorKind) bool {
	if len(o.RetryableErrors) == 0 {
		return types.IsRetryableKind(kind)
	}
	for _, k := range o.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// ============================================================================
// Result
// ============================================================================

// Result 一次 Execute 呼叫的完整結果，成功或失敗都填滿觀測欄位
type Result[T any] struct {
	Success                 bool
	Value                   T
	Err                     error
	AttemptCount            int
	CircuitBreakerTriggered bool
	TotalDuration           time.Duration
}

// ============================================================================
// Executor
// ============================================================================

// Config Executor 的斷路器參數
type Config struct {
	FailureThreshold int           // 視窗內失敗數超過此值即打開（預設 5）
	Cooldown         time.Duration // OPEN 轉 HALF_OPEN 的冷卻時間（預設 60s）
	Window           time.Duration // 失敗計數的評估視窗（預設 60s）
}

// Executor 通用重試執行器，持有每個操作鍵的斷路器
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      Config
}

// NewExecutor 建立執行器，零值參數以預設值補齊
func NewExecutor(cfg Config) *Executor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Executor{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
	}
}

// breakerFor 取得或建立操作鍵對應的斷路器
func (e *Executor) breakerFor(key string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[key]
	if !ok {
		b = newBreaker(key, e.cfg.FailureThreshold, e.cfg.Cooldown, e.cfg.Window)
		e.breakers[key] = b
	}
	return b
}

// CircuitBreakerStatus 回傳指定鍵的斷路器狀態，不存在時回傳 nil
func (e *Executor) CircuitBreakerStatus(key string) *BreakerStatus {
	e.mu.Lock()
	b, ok := e.breakers[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s := b.status()
	return &s
}

// AllCircuitBreakerStatuses 回傳所有斷路器的狀態
func (e *Executor) AllCircuitBreakerStatuses() map[string]BreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]BreakerStatus, len(e.breakers))
	for key, b := range e.breakers {
		out[key] = b.status()
	}
	return out
}

// ResetCircuitBreaker 將指定鍵的斷路器重置為 CLOSED、計數歸零
func (e *Executor) ResetCircuitBreaker(key string) {
	e.mu.Lock()
	b, ok := e.breakers[key]
	e.mu.Unlock()
	if ok {
		b.reset(time.Now())
		log.Info("Circuit breaker reset", "key", key)
	}
}

// ============================================================================
// Execute
// ============================================================================

// Execute 以 opts 策略執行 op，直到成功、耗盡重試或被斷路器擋下
//
// 參數：
//   - key: 斷路器分組鍵（通常是操作名稱）
//   - op:  實際工作，收到的 context 可能帶有呼叫方的逾時
//
// 返回值：
//   - Result[T]: 成功與否、嘗試次數與總耗時永遠填滿
func Execute[T any](e *Executor, ctx context.Context, key string, op func(context.Context) (T, error), opts Options) Result[T] {
	start := time.Now()
	var res Result[T]

	var br *breaker
	if opts.CircuitBreakerEnabled {
		br = e.breakerFor(key)
	}

	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		if br != nil && !br.allow(time.Now()) {
			res.Err = types.WithKind(types.KindCircuitOpen, ErrCircuitOpen)
			res.CircuitBreakerTriggered = true
			res.AttemptCount = attempt - 1
			res.TotalDuration = time.Since(start)
			return res
		}

		value, err := op(ctx)
		res.AttemptCount = attempt

		if err == nil {
			if br != nil {
				br.recordSuccess(time.Now())
			}
			res.Success = true
			res.Value = value
			res.TotalDuration = time.Since(start)
			return res
		}

		if br != nil {
			br.recordFailure(time.Now())
		}
		res.Err = err

		kind := types.Classify(err)
		if !opts.retryable(kind) {
			// 終端錯誤：立即結束，不進入退避
			res.TotalDuration = time.Since(start)
			return res
		}

		if attempt > opts.MaxRetries {
			break
		}

		delay := Delay(attempt, opts)
		log.Debug("Retrying operation",
			"key", key,
			"attempt", attempt,
			"delay", delay,
			"error_kind", kind)

		if err := sleep(ctx, delay); err != nil {
			res.Err = types.WithKind(types.KindTimeout, err)
			res.TotalDuration = time.Since(start)
			return res
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

// Delay 計算第 attempt 次（1 起算）重試前的退避延遲
func Delay(attempt int, opts Options) time.Duration {
	raw := float64(opts.BaseDelay) * math.Pow(opts.BackoffMultiplier, float64(attempt-1))
	if raw > float64(opts.MaxDelay) {
		raw = float64(opts.MaxDelay)
	}
	if opts.JitterEnabled {
		// 均勻分布在 ±25% 內
		factor := 0.75 + rand.Float64()*0.5
		raw *= factor
	}
	return time.Duration(raw)
}

// sleep 可被 context 取消的等待
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
