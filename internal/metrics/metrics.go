// ============================================================================
// IdleForge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列一致性子系統的運行指標
//
// 指標分類:
//
//   1. 可靠性計數器 (Counter):
//      - retry_attempts_total: 重試嘗試總數
//      - circuit_breaker_rejections_total: 斷路器直接拒絕的呼叫數
//      - atomic_operations_total{status}: 原子操作總數（success / failure）
//      - rollbacks_total: 回滾總數
//      - recoveries_total{method,status}: 恢復嘗試總數（按手段分）
//      - sync_conflicts_total{resolution}: 同步衝突裁決總數
//      - deltas_broadcast_total: 廣播出去的差量更新數
//
//   2. 性能指標 (Histogram):
//      - operation_duration_seconds: 原子操作耗時分佈
//      - recovery_duration_seconds: 恢復流程耗時分佈
//
//   3. 狀態指標 (Gauge):
//      - active_locks: 當前持有中的玩家鎖數
//      - connected_clients: 當前連線的同步客戶端數
//      - circuit_breaker_open{key}: 斷路器是否處於 OPEN（1/0）
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 可靠性指標
	retryAttempts     prometheus.Counter
	breakerRejections prometheus.Counter
	atomicOps         *prometheus.CounterVec
	rollbacks         prometheus.Counter
	recoveries        *prometheus.CounterVec
	syncConflicts     *prometheus.CounterVec
	deltasBroadcast   prometheus.Counter

	// 效能指標
	operationDuration prometheus.Histogram
	recoveryDuration  prometheus.Histogram

	// 狀態指標
	activeLocks      prometheus.Gauge
	connectedClients prometheus.Gauge
	breakerOpen      *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器（自帶 registry，可重複建立）
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idleforge_retry_attempts_total",
			Help: "Total number of retry attempts across all operations",
		}),
		breakerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idleforge_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected while a circuit breaker was open",
		}),
		atomicOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idleforge_atomic_operations_total",
			Help: "Total number of atomic queue operations by outcome",
		}, []string{"status"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idleforge_rollbacks_total",
			Help: "Total number of state rollbacks after failed operations",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idleforge_recoveries_total",
			Help: "Total number of recovery attempts by method and outcome",
		}, []string{"method", "status"}),
		syncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idleforge_sync_conflicts_total",
			Help: "Total number of sync conflicts by resolution",
		}, []string{"resolution"}),
		deltasBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idleforge_deltas_broadcast_total",
			Help: "Total number of delta updates broadcast to clients",
		}),
		operationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idleforge_operation_duration_seconds",
			Help:    "Atomic operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idleforge_recovery_duration_seconds",
			Help:    "Recovery flow duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idleforge_active_locks",
			Help: "Current number of held player locks",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idleforge_connected_clients",
			Help: "Current number of connected sync clients",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idleforge_circuit_breaker_open",
			Help: "Whether the circuit breaker for a key is open (1) or not (0)",
		}, []string{"key"}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.retryAttempts,
		c.breakerRejections,
		c.atomicOps,
		c.rollbacks,
		c.recoveries,
		c.syncConflicts,
		c.deltasBroadcast,
		c.operationDuration,
		c.recoveryDuration,
		c.activeLocks,
		c.connectedClients,
		c.breakerOpen,
	)

	return c
}

// RecordRetryAttempt 記錄一次重試
func (c *Collector) RecordRetryAttempt() {
	c.retryAttempts.Inc()
}

// RecordBreakerRejection 記錄一次斷路器拒絕
func (c *Collector) RecordBreakerRejection() {
	c.breakerRejections.Inc()
}

// RecordAtomicOperation 記錄一次原子操作及其耗時
func (c *Collector) RecordAtomicOperation(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.atomicOps.WithLabelValues(status).Inc()
	c.operationDuration.Observe(seconds)
}

// RecordRollback 記錄一次回滾
func (c *Collector) RecordRollback() {
	c.rollbacks.Inc()
}

// RecordRecovery 記錄一次恢復嘗試
func (c *Collector) RecordRecovery(method string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.recoveries.WithLabelValues(method, status).Inc()
	c.recoveryDuration.Observe(seconds)
}

// RecordConflict 記錄一次同步衝突裁決
func (c *Collector) RecordConflict(resolution string) {
	c.syncConflicts.WithLabelValues(resolution).Inc()
}

// RecordDeltaBroadcast 記錄一次差量廣播
func (c *Collector) RecordDeltaBroadcast() {
	c.deltasBroadcast.Inc()
}

// SetActiveLocks 更新持有中的鎖數
func (c *Collector) SetActiveLocks(n int) {
	c.activeLocks.Set(float64(n))
}

// SetConnectedClients 更新連線客戶端數
func (c *Collector) SetConnectedClients(n int) {
	c.connectedClients.Set(float64(n))
}

// SetBreakerOpen 更新指定鍵的斷路器狀態
func (c *Collector) SetBreakerOpen(key string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerOpen.WithLabelValues(key).Set(v)
}

// Handler 回傳暴露本收集器指標的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
