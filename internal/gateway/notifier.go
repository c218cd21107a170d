package gateway

import (
	"encoding/json"

	"tether/internal/gateway/websocket"
	"tether/internal/orchestrator"
	"tether/internal/storage"
	"tether/pkg/logger"
)

// HubNotifier pushes orchestrator notifications to WebSocket subscribers.
type HubNotifier struct {
	hub *websocket.Hub
}

// NewHubNotifier creates a notifier backed by the hub.
func NewHubNotifier(hub *websocket.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// OnEvent implements orchestrator.Notifier.
func (n *HubNotifier) OnEvent(sessionID string, event orchestrator.AgentEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		logger.Error().Err(err).Str("session", sessionID).Msg("marshal agent event")
		return
	}
	n.hub.Broadcast(sessionID, &websocket.WSMessage{
		Type:    websocket.TypeAgentEvent,
		Session: sessionID,
		Event:   raw,
	})
}

// OnRunEnd implements orchestrator.Notifier.
func (n *HubNotifier) OnRunEnd(sessionID string, finalMessages []*storage.Message) {
	raw, err := json.Marshal(finalMessages)
	if err != nil {
		logger.Error().Err(err).Str("session", sessionID).Msg("marshal run end transcript")
		return
	}
	n.hub.Broadcast(sessionID, &websocket.WSMessage{
		Type:     websocket.TypeRunEnd,
		Session:  sessionID,
		Messages: raw,
	})
}

// OnTitle implements orchestrator.Notifier.
func (n *HubNotifier) OnTitle(sessionID, title string) {
	n.hub.Broadcast(sessionID, &websocket.WSMessage{
		Type:    websocket.TypeSessionTitle,
		Session: sessionID,
		Title:   title,
	})
}
