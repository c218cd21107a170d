package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tether/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UI frontends only; the gateway binds loopback by default.
		return true
	},
}

// Client represents one WebSocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	sessions map[string]bool
	id       string
}

// ServeWS upgrades an HTTP request and runs the client pumps.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		sessions: make(map[string]bool),
		id:       uuid.New().String(),
	}
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump pumps frames from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

// handleMessage processes one inbound frame.
func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.Session != "" {
			c.hub.Subscribe(c, msg.Session)
		}

	case TypeUnsubscribe:
		if msg.Session != "" {
			c.hub.Unsubscribe(c, msg.Session)
		}

	case TypePing:
		c.sendFrame(&WSMessage{Type: TypePong})

	case TypePermissionResponse:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "permission response requires request_id")
			return
		}
		if err := c.hub.HandlePermissionResponse(msg.RequestID, msg.Behavior, msg.AlwaysAllow, msg.Message); err != nil {
			c.sendError("APPROVAL_ERROR", err.Error())
		}

	case TypeAskUserResponse:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "ask_user response requires request_id")
			return
		}
		if err := c.hub.HandleAskUserResponse(msg.RequestID, msg.Answers); err != nil {
			c.sendError("APPROVAL_ERROR", err.Error())
		}

	default:
		logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("unknown message type")
	}
}

// writePump pumps frames from the hub to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) sendFrame(msg *WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full.
	}
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(&WSMessage{Type: TypeError, Code: code, Message: message})
}
