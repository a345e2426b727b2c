// ============================================================================
// IdleForge Sync Server - HTTP 入口
// ============================================================================
//
// Package: internal/server
// 文件: http.go
// 功能: 掛載同步 WebSocket、健康檢查與 Prometheus 指標端點
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/idleforge/internal/metrics"
	idlesync "github.com/ChuLiYu/idleforge/internal/sync"
)

// Config HTTP 服務參數
type Config struct {
	Port int // 監聽埠（預設 8080）
}

// Server 同步服務的 HTTP 外殼
type Server struct {
	httpServer *http.Server
	endpoint   *WebSocketEndpoint
}

// NewServer 建立 HTTP 服務並掛載路由
func NewServer(cfg Config, syncSvc *idlesync.Service, collector *metrics.Collector) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}

	endpoint := NewWebSocketEndpoint(syncSvc, collector)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", endpoint.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		endpoint: endpoint,
	}
}

// Endpoint 回傳 WebSocket 端點（作為 sync.Sender 注入）
func (s *Server) Endpoint() *WebSocketEndpoint {
	return s.endpoint
}

// Start 開始監聽；正常關閉時回傳 nil
func (s *Server) Start() error {
	log.Info("Sync server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sync server: %w", err)
	}
	return nil
}

// Shutdown 優雅關閉，等待進行中的請求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
