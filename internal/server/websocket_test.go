package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/idleforge/internal/retry"
	"github.com/ChuLiYu/idleforge/internal/storage"
	idlesync "github.com/ChuLiYu/idleforge/internal/sync"
	"github.com/ChuLiYu/idleforge/pkg/types"
)

// newTestEndpoint 建立接上同步服務的端點
func newTestEndpoint(t *testing.T) *WebSocketEndpoint {
	t.Helper()

	store := storage.NewMemoryStore(storage.MemoryConfig{})
	exec := retry.NewExecutor(retry.Config{})
	svc := idlesync.NewService(store, exec, nil, nil, idlesync.Config{
		Heartbeat: idlesync.HeartbeatConfig{Interval: time.Hour},
	})
	t.Cleanup(svc.Close)

	ep := NewWebSocketEndpoint(svc, nil)
	svc.SetSender(ep)
	return ep
}

func TestHandleWebSocketRequiresPlayerID(t *testing.T) {
	ep := newTestEndpoint(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws", nil)
	ep.HandleWebSocket(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "player_id is required")
}

func TestSendToDisconnectedPlayerIsSilent(t *testing.T) {
	ep := newTestEndpoint(t)

	err := ep.Send(context.Background(), "nobody", types.Message{Type: types.MsgHeartbeat})
	assert.NoError(t, err, "Send to an unregistered player should be a no-op")
	assert.Zero(t, ep.Connected())
}

func TestHeartbeatRoundTrip(t *testing.T) {
	ep := newTestEndpoint(t)

	srv := httptest.NewServer(http.HandlerFunc(ep.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?player_id=tester"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial should succeed")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(types.Message{
		Type:     types.MsgHeartbeat,
		PlayerID: "tester",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp types.Message
	require.NoError(t, conn.ReadJSON(&resp), "Should receive a heartbeat response")

	assert.Equal(t, types.MsgHeartbeatResponse, resp.Type)
	assert.Equal(t, types.PlayerID("tester"), resp.PlayerID)
	assert.NotEmpty(t, resp.MessageID)
}

func TestDisconnectRemovesRegistration(t *testing.T) {
	ep := newTestEndpoint(t)

	srv := httptest.NewServer(http.HandlerFunc(ep.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?player_id=tester"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ep.Connected() == 1 },
		2*time.Second, 10*time.Millisecond, "Connection should be registered")

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return ep.Connected() == 0 },
		2*time.Second, 10*time.Millisecond, "Disconnect should remove the registration")
}
