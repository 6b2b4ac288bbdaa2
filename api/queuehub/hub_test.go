package queuehub

import (
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/vaultdrop/types"
)

func dial(t *testing.T, hub *Hub, snapshot func() types.QueueStatus) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", HandleQueueWS(hub, snapshot))
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.DownloadEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev types.DownloadEvent
	require.NoError(t, sonic.Unmarshal(payload, &ev))
	return ev
}

func TestSnapshotThenBroadcast(t *testing.T) {
	hub := New()
	conn := dial(t, hub, func() types.QueueStatus {
		return types.QueueStatus{ActiveDownloads: 2, QueueLength: 1}
	})

	first := readEvent(t, conn)
	assert.Equal(t, EventStatus, first.Type)
	assert.Equal(t, 2, first.Active)
	assert.Equal(t, 1, first.Queued)
	assert.Equal(t, 1, hub.Len())

	hub.ObserveDownload(types.DownloadEvent{Type: "queued", DownloadID: "d1", Position: 3})
	ev := readEvent(t, conn)
	assert.Equal(t, "queued", ev.Type)
	assert.Equal(t, "d1", ev.DownloadID)
	assert.Equal(t, 3, ev.Position)
}

func TestUnregisterOnClose(t *testing.T) {
	hub := New()
	conn := dial(t, hub, func() types.QueueStatus { return types.QueueStatus{} })
	readEvent(t, conn)
	require.Equal(t, 1, hub.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// nobody is listening, this must not block or panic
	hub.Broadcast(types.DownloadEvent{Type: "ended"})
}

// stalledConn accepts one write and then blocks until released.
type stalledConn struct {
	release chan struct{}
	writes  atomic.Int32
	closed  atomic.Bool
}

func (s *stalledConn) WriteMessage(int, []byte) error {
	s.writes.Add(1)
	<-s.release
	return nil
}

func (s *stalledConn) SetWriteDeadline(time.Time) error { return nil }
func (s *stalledConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (s *stalledConn) Close() error {
	s.closed.Store(true)
	return nil
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub := New()
	stuck := &stalledConn{release: make(chan struct{})}
	defer close(stuck.release)
	hub.Register(stuck)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < outboxSize+10; i++ {
			hub.ObserveDownload(types.DownloadEvent{Type: "queued", Position: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast waited on a stalled subscriber")
	}

	assert.Equal(t, 0, hub.Len())
	assert.True(t, stuck.closed.Load())
	assert.LessOrEqual(t, stuck.writes.Load(), int32(1))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := New()
	conn := &stalledConn{release: make(chan struct{})}
	close(conn.release)
	hub.Register(conn)
	hub.Unregister(conn)
	hub.Unregister(conn)
	assert.Equal(t, 0, hub.Len())
}
