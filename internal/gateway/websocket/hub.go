package websocket

import (
	"encoding/json"
	"sync"

	"tether/pkg/logger"
)

// PermissionResponseHandler handles permission decisions from clients.
type PermissionResponseHandler func(requestID, behavior string, alwaysAllow bool, message string) error

// AskUserResponseHandler handles question answers from clients.
type AskUserResponseHandler func(requestID string, answers map[string]string) error

// Hub maintains the set of active clients and routes broadcasts to session
// subscribers.
type Hub struct {
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex

	permissionHandler PermissionResponseHandler
	askUserHandler    AskUserResponseHandler
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// SetPermissionHandler sets the callback for permission responses.
func (h *Hub) SetPermissionHandler(handler PermissionResponseHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissionHandler = handler
}

// SetAskUserHandler sets the callback for question answers.
func (h *Hub) SetAskUserHandler(handler AskUserResponseHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.askUserHandler = handler
}

// HandlePermissionResponse forwards one permission decision.
func (h *Hub) HandlePermissionResponse(requestID, behavior string, alwaysAllow bool, message string) error {
	h.mu.RLock()
	handler := h.permissionHandler
	h.mu.RUnlock()
	if handler == nil {
		logger.Warn().Str("request_id", requestID).Msg("permission response with no handler configured")
		return nil
	}
	return handler(requestID, behavior, alwaysAllow, message)
}

// HandleAskUserResponse forwards one set of question answers.
func (h *Hub) HandleAskUserResponse(requestID string, answers map[string]string) error {
	h.mu.RLock()
	handler := h.askUserHandler
	h.mu.RUnlock()
	if handler == nil {
		logger.Warn().Str("request_id", requestID).Msg("ask_user response with no handler configured")
		return nil
	}
	return handler(requestID, answers)
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for session := range client.sessions {
					if clients, ok := h.sessions[session]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.sessions, session)
						}
					}
				}
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("websocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.clients
			if msg.Session != "" {
				targets = h.sessions[msg.Session]
			}
			for client := range targets {
				select {
				case client.send <- msg.Data:
				default:
					// Client buffer full, skip.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a session's subscriber list.
func (h *Hub) Subscribe(client *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.sessions[session] = true
	if h.sessions[session] == nil {
		h.sessions[session] = make(map[*Client]bool)
	}
	h.sessions[session][client] = true
}

// Unsubscribe removes a client from a session's subscriber list.
func (h *Hub) Unsubscribe(client *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessions, session)
	if clients, ok := h.sessions[session]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, session)
		}
	}
}

// Broadcast sends a frame to the session's subscribers, or to everyone when
// the session is empty.
func (h *Hub) Broadcast(session string, msg *WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("marshal broadcast frame")
		return
	}
	h.broadcast <- &BroadcastMessage{Session: session, Data: data}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
