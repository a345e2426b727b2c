package retry

// ============================================================================
// Circuit Breaker - per-operation-key failure governor
// ============================================================================
//
// State machine:
//   CLOSED ──(failures in window exceed threshold)──> OPEN
//   OPEN   ──(cool-down elapsed)──> HALF_OPEN (exactly one trial allowed)
//   HALF_OPEN ──(trial succeeds)──> CLOSED (counters reset)
//   HALF_OPEN ──(trial fails)────> OPEN   (cool-down restarts)
//
// Counters are rolling: the evaluation window restarts whenever the previous
// one has fully elapsed, so a slow trickle of failures does not accumulate
// forever.
// ============================================================================

import (
	"sync"
	"time"
)

// BreakerState 斷路器狀態
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStatus is a point-in-time view of one breaker, for monitoring.
type BreakerStatus struct {
	Key             string       `json:"key"`
	State           BreakerState `json:"state"`
	TotalRequests   int          `json:"total_requests"`
	FailedRequests  int          `json:"failed_requests"`
	LastFailureTime time.Time    `json:"last_failure_time"`
}

// breaker holds the mutable state for one operation key.
// All access goes through the owning Executor's per-breaker mutex.
type breaker struct {
	mu sync.Mutex

	key   string
	state BreakerState

	totalRequests  int
	failedRequests int

	windowStart     time.Time
	lastFailureTime time.Time
	openedAt        time.Time
	trialInFlight   bool

	failureThreshold int
	cooldown         time.Duration
	window           time.Duration
}

func newBreaker(key string, threshold int, cooldown, window time.Duration) *breaker {
	return &breaker{
		key:              key,
		state:            StateClosed,
		windowStart:      time.Now(),
		failureThreshold: threshold,
		cooldown:         cooldown,
		window:           window,
	}
}

// allow reports whether a call may proceed right now. In HALF_OPEN only a
// single trial is admitted; concurrent callers are rejected until the trial
// reports back.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.trialInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// recordSuccess counts a successful call and closes the breaker if this was
// the HALF_OPEN trial.
func (b *breaker) recordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindow(now)
	b.totalRequests++

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.totalRequests = 0
		b.failedRequests = 0
		b.windowStart = now
		b.trialInFlight = false
	}
}

// recordFailure counts a failed call and opens the breaker once the failure
// count within the window crosses the threshold.
func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindow(now)
	b.totalRequests++
	b.failedRequests++
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		// 試探失敗，重新打開並重新計時
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false

	case StateClosed:
		if b.failedRequests > b.failureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// rollWindow restarts the evaluation window when the previous one elapsed.
// Caller must hold b.mu.
func (b *breaker) rollWindow(now time.Time) {
	if b.state != StateClosed {
		return
	}
	if now.Sub(b.windowStart) > b.window {
		b.windowStart = now
		b.totalRequests = 0
		b.failedRequests = 0
	}
}

// reset forces the breaker back to CLOSED with zero counters.
func (b *breaker) reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.totalRequests = 0
	b.failedRequests = 0
	b.windowStart = now
	b.trialInFlight = false
	b.lastFailureTime = time.Time{}
}

// status returns a copy of the breaker's current state.
func (b *breaker) status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{
		Key:             b.key,
		State:           b.state,
		TotalRequests:   b.totalRequests,
		FailedRequests:  b.failedRequests,
		LastFailureTime: b.lastFailureTime,
	}
}
