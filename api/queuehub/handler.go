package queuehub

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/moyoez/vaultdrop/types"
)

// EventStatus is the type of the snapshot sent when a subscriber connects.
const EventStatus = "status"

const subscriberReadLimit = 512

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // OnlyAllowLocal middleware already restricts to localhost
	},
}

// HandleQueueWS upgrades the request to WebSocket, sends the current queue
// snapshot and keeps the connection registered until the client goes away.
func HandleQueueWS(hub *Hub, snapshot func() types.QueueStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var first [][]byte
		if snapshot != nil {
			st := snapshot()
			payload, err := sonic.Marshal(types.DownloadEvent{
				Type:   EventStatus,
				Active: st.ActiveDownloads,
				Queued: st.QueueLength,
				Time:   time.Now(),
			})
			if err != nil {
				return
			}
			first = append(first, payload)
		}
		hub.Register(conn, first...)
		defer hub.Unregister(conn)

		// subscribers only ever send control frames
		conn.SetReadLimit(subscriberReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
