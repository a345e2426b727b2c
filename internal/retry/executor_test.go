package retry

// ============================================================================
// Retry Executor 測試
// 職責：驗證退避序列、抖動範圍、可重試分類與斷路器狀態機
// ============================================================================

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/idleforge/pkg/types"
)

// fastOptions 測試用策略：極短延遲、無抖動
func fastOptions(maxRetries int) Options {
	return Options{
		MaxRetries:            maxRetries,
		BaseDelay:             time.Millisecond,
		MaxDelay:              10 * time.Millisecond,
		BackoffMultiplier:     2.0,
		JitterEnabled:         false,
		CircuitBreakerEnabled: true,
	}
}

// TestDelaySequence 無抖動時的指數退避序列
func TestDelaySequence(t *testing.T) {
	opts := Options{
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for n := 1; n <= 5; n++ {
		assert.Equal(t, want[n-1], Delay(n, opts), "attempt %d", n)
	}
}

// TestDelayCap 延遲受 MaxDelay 封頂
func TestDelayCap(t *testing.T) {
	opts := Options{
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          5000 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 5000*time.Millisecond, Delay(10, opts))
}

// TestDelayJitter 抖動落在 ±25% 且不恆等
func TestDelayJitter(t *testing.T) {
	opts := Options{
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}

	base := 4000 * time.Millisecond // attempt 3
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)

	samples := make(map[time.Duration]bool)
	for i := 0; i < 10; i++ {
		d := Delay(3, opts)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
		samples[d] = true
	}
	assert.Greater(t, len(samples), 1, "jittered delays should not all be equal")
}

// TestExecuteSuccess 第一次就成功
func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor(Config{})

	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		return 42, nil
	}, fastOptions(3))

	require.True(t, res.Success)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 1, res.AttemptCount)
	assert.False(t, res.CircuitBreakerTriggered)
}

// TestExecuteRetriesTransient 暫時性錯誤會重試到成功為止
func TestExecuteRetriesTransient(t *testing.T) {
	e := NewExecutor(Config{})

	calls := 0
	res := Execute(e, context.Background(), "op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", types.WithKind(types.KindNetwork, errors.New("connection refused"))
		}
		return "ok", nil
	}, fastOptions(5))

	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, 3, calls)
}

// TestExecuteTerminalError 非暫時性錯誤立即結束，attemptCount = 1
func TestExecuteTerminalError(t *testing.T) {
	e := NewExecutor(Config{})

	calls := 0
	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		calls++
		return 0, types.WithKind(types.KindValidation, errors.New("checksum mismatch"))
	}, fastOptions(5))

	require.False(t, res.Success)
	assert.Equal(t, 1, res.AttemptCount)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.KindValidation, types.Classify(res.Err))
}

// TestExecuteCustomRetryableList 自訂可重試集合覆蓋內建集合
func TestExecuteCustomRetryableList(t *testing.T) {
	e := NewExecutor(Config{})

	opts := fastOptions(2)
	opts.RetryableErrors = []types.ErrorKind{types.KindThrottling}

	calls := 0
	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		calls++
		return 0, types.WithKind(types.KindNetwork, errors.New("flaky"))
	}, opts)

	// network 不在自訂集合內 → 不重試
	require.False(t, res.Success)
	assert.Equal(t, 1, calls)
}

// TestExecuteExhaustsRetries 重試耗盡後回報最後的錯誤
func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewExecutor(Config{})

	calls := 0
	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		calls++
		return 0, types.WithKind(types.KindTimeout, errors.New("deadline"))
	}, fastOptions(3))

	require.False(t, res.Success)
	assert.Equal(t, 4, calls) // 1 次原始 + 3 次重試
	assert.Equal(t, 4, res.AttemptCount)
	assert.Greater(t, res.TotalDuration, time.Duration(0))
}

// ============================================================================
// 斷路器測試
// ============================================================================

// TestBreakerOpensAfterThreshold 第 6 次失敗打開斷路器，第 7 次呼叫直接拒絕
func TestBreakerOpensAfterThreshold(t *testing.T) {
	e := NewExecutor(Config{FailureThreshold: 5, Cooldown: time.Minute})

	fail := func(context.Context) (int, error) {
		return 0, types.WithKind(types.KindNetwork, errors.New("down"))
	}
	opts := fastOptions(0) // 每次呼叫恰好一次嘗試

	for i := 0; i < 6; i++ {
		res := Execute(e, context.Background(), "persist", fail, opts)
		require.False(t, res.Success)
		assert.False(t, res.CircuitBreakerTriggered, "call %d should reach the operation", i+1)
	}

	st := e.CircuitBreakerStatus("persist")
	require.NotNil(t, st)
	assert.Equal(t, StateOpen, st.State)

	// 第 7 次：不得觸碰 operation
	invoked := false
	res := Execute(e, context.Background(), "persist", func(context.Context) (int, error) {
		invoked = true
		return 0, nil
	}, opts)

	require.False(t, res.Success)
	assert.True(t, res.CircuitBreakerTriggered)
	assert.False(t, invoked)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	assert.Equal(t, types.KindCircuitOpen, types.Classify(res.Err))
}

// TestBreakerHalfOpenRecovery 冷卻後允許單次試探，成功即關閉
func TestBreakerHalfOpenRecovery(t *testing.T) {
	e := NewExecutor(Config{FailureThreshold: 5, Cooldown: 20 * time.Millisecond})

	fail := func(context.Context) (int, error) {
		return 0, types.WithKind(types.KindNetwork, errors.New("down"))
	}
	opts := fastOptions(0)

	for i := 0; i < 6; i++ {
		Execute(e, context.Background(), "op", fail, opts)
	}
	require.Equal(t, StateOpen, e.CircuitBreakerStatus("op").State)

	time.Sleep(30 * time.Millisecond)

	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		return 1, nil
	}, opts)
	require.True(t, res.Success)

	st := e.CircuitBreakerStatus("op")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.FailedRequests)
}

// TestBreakerHalfOpenFailureReopens 試探失敗回到 OPEN
func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	e := NewExecutor(Config{FailureThreshold: 5, Cooldown: 20 * time.Millisecond})

	fail := func(context.Context) (int, error) {
		return 0, types.WithKind(types.KindNetwork, errors.New("down"))
	}
	opts := fastOptions(0)

	for i := 0; i < 6; i++ {
		Execute(e, context.Background(), "op", fail, opts)
	}

	time.Sleep(30 * time.Millisecond)

	res := Execute(e, context.Background(), "op", fail, opts)
	require.False(t, res.Success)
	assert.False(t, res.CircuitBreakerTriggered, "half-open trial must reach the operation")
	assert.Equal(t, StateOpen, e.CircuitBreakerStatus("op").State)
}

// TestResetCircuitBreaker 重置回 CLOSED 且計數歸零
func TestResetCircuitBreaker(t *testing.T) {
	e := NewExecutor(Config{FailureThreshold: 5, Cooldown: time.Minute})

	fail := func(context.Context) (int, error) {
		return 0, types.WithKind(types.KindNetwork, errors.New("down"))
	}
	for i := 0; i < 6; i++ {
		Execute(e, context.Background(), "op", fail, fastOptions(0))
	}
	require.Equal(t, StateOpen, e.CircuitBreakerStatus("op").State)

	e.ResetCircuitBreaker("op")

	st := e.CircuitBreakerStatus("op")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.TotalRequests)
	assert.Equal(t, 0, st.FailedRequests)

	res := Execute(e, context.Background(), "op", func(context.Context) (int, error) {
		return 1, nil
	}, fastOptions(0))
	assert.True(t, res.Success)
}

// TestAllCircuitBreakerStatuses 列出所有鍵
func TestAllCircuitBreakerStatuses(t *testing.T) {
	e := NewExecutor(Config{})

	ok := func(context.Context) (int, error) { return 1, nil }
	Execute(e, context.Background(), "a", ok, fastOptions(0))
	Execute(e, context.Background(), "b", ok, fastOptions(0))

	all := e.AllCircuitBreakerStatuses()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b")
}

// TestPresetsShareAlgorithm 預設組只是參數差異
func TestPresetsShareAlgorithm(t *testing.T) {
	q := QueueOperationOptions()
	p := PersistenceOptions()
	tk := TaskProcessingOptions()

	assert.Equal(t, 3, q.MaxRetries)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 2, tk.MaxRetries)
	for _, o := range []Options{q, p, tk} {
		assert.True(t, o.CircuitBreakerEnabled)
		assert.True(t, o.JitterEnabled)
	}
}
