package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/capability"
	"github.com/symposium-app/backend/internal/domain/blocks"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/isolate"
	"github.com/symposium-app/backend/internal/pool"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/storage"
	"github.com/symposium-app/backend/internal/version"
)

type allowAll struct{}

func (allowAll) Authorize(string) error { return nil }

type noFetch struct{}

func (noFetch) FetchModule(context.Context, string) (string, error) {
	return "", errors.New("no fetcher in tests")
}

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := storage.NewMemory()
	log := logging.NewNop()

	versions := version.NewStore(backend, log)
	proxy := capability.NewProxy(time.Second, 2*time.Second, nil, log)

	factory := func(blockID string) (*isolate.Runtime, error) {
		return isolate.NewRuntime(isolate.RuntimeConfig{
			BlockID:      blockID,
			CallTimeout:  time.Second,
			ExecTimeout:  5 * time.Second,
			MemoryLimit:  1 << 40,
			StorageQuota: 1 << 20,
			Backend:      backend,
			Auth:         allowAll{},
			Fetcher:      noFetch{},
			Log:          log,
		})
	}
	pm := pool.NewManager(pool.Config{
		MaxIsolates:    2,
		StartupTimeout: 10 * time.Second,
		ShutdownGrace:  time.Second,
	}, factory, nil, log)
	t.Cleanup(func() { pm.Shutdown(context.Background()) })

	svc := blocks.NewService(blocks.Config{ExecTimeout: 5 * time.Second}, pm, proxy, versions, nil, log)

	router := gin.New()
	router.GET("/stream", NewHandler(svc, nil, log).Serve)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wanted ...string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		for _, w := range wanted {
			if msg.Type == w {
				return msg
			}
		}
	}
}

func TestWebSocketPingPong(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	msg := readUntil(t, conn, "pong")
	assert.Equal(t, "pong", msg.Type)
}

func TestWebSocketRequiresBlockID(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "execute"}))
	msg := readUntil(t, conn, "error")
	assert.Contains(t, msg.Error, "block_id")
}

func TestWebSocketExecuteStreamsEventsAndResult(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:    "execute",
		BlockID: "blk",
		Code:    &types.Code{JavaScript: `console.log("over the wire");`},
	}))

	sawEvent := false
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "event" {
			sawEvent = true
			continue
		}
		if msg.Type == "result" {
			require.NotNil(t, msg.Result)
			assert.True(t, msg.Result.Success)
			break
		}
		if msg.Type == "error" {
			t.Fatalf("unexpected error frame: %s", msg.Error)
		}
	}
	assert.True(t, sawEvent, "isolate events should stream before the result")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "get_versions", BlockID: "blk"}))
	msg := readUntil(t, conn, "versions")
	assert.Len(t, msg.Versions, 1)
	assert.Equal(t, msg.Versions[0].ID, msg.CurrentID)
}

func TestWebSocketUnknownType(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "teleport", BlockID: "blk"}))
	msg := readUntil(t, conn, "error")
	assert.Contains(t, msg.Error, "unknown message type")
}
