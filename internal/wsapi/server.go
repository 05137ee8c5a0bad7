// Package wsapi is the WebSocket half of the Control Surface (spec §4.9,
// §6.2): a single upgrade endpoint dispatching the inbound event set into
// the CRDT Session Manager, Room Store and Presence Tracker, implementing
// crdt.Broadcaster for the outbound fan-out direction.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e2b-dev/collab-core/internal/logger"
)

// Path is the single WebSocket endpoint (an explicit resolution of the
// base spec's Open Question on transport addressing).
const Path = "/api/socket/io"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades the connection and runs its read/write pumps until it
// disconnects, registering it with deps.Hub only once join-room arrives.
func Handler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.L().Warn(c.Request.Context(), "wsapi: upgrade failed")
			return
		}

		client := newClient(conn, uuid.NewString())
		go client.writePump()
		client.readPump(deps)
	}
}

func (c *Client) readPump(deps Deps) {
	defer func() {
		roomID, userID := c.session()
		if roomID != "" && userID != "" {
			leaveRoom(context.Background(), deps, c, roomID, userID)
		}
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendEvent("error", errMsg("malformed message envelope"))
			continue
		}

		dispatch(context.Background(), deps, c, env)
	}
}
