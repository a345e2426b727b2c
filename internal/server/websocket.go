// ============================================================================
// IdleForge Sync Server - WebSocket 同步通道
// ============================================================================
//
// Package: internal/server
// 文件: websocket.go
// 功能: 每位玩家一條 WebSocket 連線，承載同步協議的雙向訊息
//
// 連線生命週期:
//   /ws?player_id=... 升級連線 → readPump 逐訊息轉交 sync.Service →
//   連線關閉時移除註冊；存活判定交給 sync 層的心跳追蹤
//
// 寫入規則:
//   gorilla 連線不允許並發寫入，所有出站訊息經 writeMu 序列化
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/idleforge/internal/metrics"
	idlesync "github.com/ChuLiYu/idleforge/internal/sync"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

var log = slog.Default()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 同步通道由遊戲客戶端直連，來源檢查交給前置層
	},
}

// WebSocketEndpoint 玩家同步連線的註冊表，實作 sync.Sender
type WebSocketEndpoint struct {
	mu      gosync.Mutex
	conns   map[types.PlayerID]*websocket.Conn
	writeMu gosync.Mutex

	syncSvc *idlesync.Service
	metrics *metrics.Collector
}

// NewWebSocketEndpoint 建立同步端點
func NewWebSocketEndpoint(syncSvc *idlesync.Service, collector *metrics.Collector) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		conns:   make(map[types.PlayerID]*websocket.Conn),
		syncSvc: syncSvc,
		metrics: collector,
	}
}

var _ idlesync.Sender = (*WebSocketEndpoint)(nil)

// HandleWebSocket 升級 HTTP 連線並開始讀取訊息
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID := types.PlayerID(r.URL.Query().Get("player_id"))
	if playerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("WebSocket upgrade failed", "player_id", playerID, "error", err)
		return
	}

	ws.mu.Lock()
	if old, ok := ws.conns[playerID]; ok {
		_ = old.Close() // 同一玩家重連時淘汰舊連線
	}
	ws.conns[playerID] = conn
	total := len(ws.conns)
	ws.mu.Unlock()

	if ws.metrics != nil {
		ws.metrics.SetConnectedClients(total)
	}
	log.Info("Sync client connected", "player_id", playerID)

	go ws.readPump(playerID, conn)
}

// readPump 逐訊息轉交同步服務，連線關閉時清理註冊
func (ws *WebSocketEndpoint) readPump(playerID types.PlayerID, conn *websocket.Conn) {
	defer func() {
		ws.onDisconnect(playerID, conn)
		_ = conn.Close()
	}()

	for {
		var msg types.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("WebSocket read failed", "player_id", playerID, "error", err)
			}
			return
		}

		// 信封上的玩家 ID 以連線為準，客戶端填什麼都不信
		msg.PlayerID = playerID

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ws.syncSvc.HandleMessage(ctx, msg); err != nil {
			log.Warn("Sync message handling failed",
				"player_id", playerID, "type", msg.Type, "error", err)
		}
		cancel()
	}
}

// onDisconnect 移除連線註冊（只移除仍指向這條連線的項目）
func (ws *WebSocketEndpoint) onDisconnect(playerID types.PlayerID, conn *websocket.Conn) {
	ws.mu.Lock()
	if current, ok := ws.conns[playerID]; ok && current == conn {
		delete(ws.conns, playerID)
	}
	total := len(ws.conns)
	ws.mu.Unlock()

	if ws.metrics != nil {
		ws.metrics.SetConnectedClients(total)
	}
	log.Info("Sync client disconnected", "player_id", playerID)
}

// Send 對指定玩家送出一則訊息；未連線時靜默丟棄（差量會走緩衝）
func (ws *WebSocketEndpoint) Send(_ context.Context, playerID types.PlayerID, msg types.Message) error {
	ws.mu.Lock()
	conn, ok := ws.conns[playerID]
	ws.mu.Unlock()
	if !ok {
		return nil
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, playerID, err)
	}
	return nil
}

// Connected 當前註冊中的連線數
func (ws *WebSocketEndpoint) Connected() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.conns)
}
