package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards connect from arbitrary origins; auth happens in-protocol.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the gin handler for the WebSocket endpoint. Each upgraded
// connection gets one reader and one writer goroutine.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", zap.Error(err))
			return
		}

		client := newClient(conn, h, h.logger)
		if !h.register(client) {
			_ = conn.Close()
			return
		}
		go client.writePump()
		go client.readPump()
	}
}
