package server

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 256 * 1024
)

var colors = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}

// Client represents a single authenticated WebSocket connection.
type Client struct {
	// ID is the server-issued session id for this connection.
	ID      string
	ActorID string
	Name    string
	Color   string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Cursor state, owned by the document session goroutine.
	cursorNode string
	cursorPos  int
	lastSeen   time.Time

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *DocSession
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity) *Client {
	return &Client{
		ID:       ulid.Make().String(),
		ActorID:  identity.ActorID,
		Name:     identity.Name,
		Color:    colorFor(identity.ActorID),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		lastSeen: time.Now(),
	}
}

// colorFor assigns a stable palette color per actor.
func colorFor(actorID string) string {
	h := fnv.New32a()
	h.Write([]byte(actorID))
	return colors[h.Sum32()%uint32(len(colors))]
}

// ReadPump reads messages from the WebSocket and routes them to the
// document session.
func (c *Client) ReadPump() {
	defer func() {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s != nil {
			s.leave <- c
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s read error: %v", c.ID, err)
			}
			return
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", wire.CodeInvalidOperation, "invalid message format")
			continue
		}

		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil {
			c.sendError("", wire.CodeUnknownDocument, "not joined to a document")
			continue
		}
		s.incoming <- clientMessage{client: c, msg: msg}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msg wire.ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow to keep up. A dropped operation surfaces as a
		// sequence gap on its side, which triggers a snapshot resync.
	}
}

func (c *Client) sendError(opID, code, message string) {
	c.sendMsg(wire.ServerMessage{Type: wire.MsgError, OperationID: opID, Code: code, Message: message})
}

func (c *Client) actor() wire.Actor {
	return wire.Actor{
		ID:     c.ActorID,
		Name:   c.Name,
		Color:  c.Color,
		NodeID: c.cursorNode,
		Pos:    c.cursorPos,
	}
}
