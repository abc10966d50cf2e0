package server

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// sendBuffer sizes the per-connection outbound queue. Page frames are
	// large but few; the writer drains while the next page transfers.
	sendBuffer = 64
)

// client is one WebSocket connection.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
	secure bool
}

// enqueue queues an encoded frame for delivery, blocking until the writer
// has room or the connection is gone. Blocking keeps page ordinals and the
// terminal frame in order for slow readers.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// sendResponse serializes and queues a response envelope.
func (c *client) sendResponse(resp protocol.Response) {
	frame, err := protocol.Encode(resp)
	if err != nil {
		log.Printf("[Gateway] encode response for %s: %v", c.id, err)
		return
	}
	c.enqueue(frame)
}

// sendError queues a standard error envelope.
func (c *client) sendError(action, requestID, code, message string) {
	c.sendResponse(protocol.Response{
		Status:    protocol.StatusError,
		Action:    action,
		RequestID: requestID,
		ErrorCode: code,
		Message:   message,
	})
}

// readPump reads frames from the connection until it drops.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] connection %s read error: %v", c.id, err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			log.Printf("[Gateway] connection %s sent a binary frame (%d bytes), discarding", c.id, len(message))
			continue
		}

		c.server.dispatch(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
