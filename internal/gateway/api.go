package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tether/internal/channel"
	"tether/internal/gateway/handlers"
	"tether/internal/orchestrator"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// API exposes session and run management over HTTP.
type API struct {
	db       *storage.DB
	channels *channel.Store
	orch     *orchestrator.Orchestrator
}

// NewAPI creates the REST surface.
func NewAPI(db *storage.DB, channels *channel.Store, orch *orchestrator.Orchestrator) *API {
	return &API{db: db, channels: channels, orch: orch}
}

// RegisterRoutes mounts the API under /api/v1.
func (a *API) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/sessions", a.createSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", a.getSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", a.updateSession).Methods(http.MethodPatch)
	v1.HandleFunc("/sessions/{id}", a.deleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/messages", a.getMessages).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/runs", a.startRun).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/runs", a.stopRun).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/approvals", a.listApprovals).Methods(http.MethodGet)
	v1.HandleFunc("/approvals/{requestID}/permission", a.respondPermission).Methods(http.MethodPost)
	v1.HandleFunc("/approvals/{requestID}/answers", a.respondAskUser).Methods(http.MethodPost)
	v1.HandleFunc("/channels", a.listChannels).Methods(http.MethodGet)
}

type createSessionRequest struct {
	ChannelID   string `json:"channel_id"`
	Model       string `json:"model,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "channel_id is required")
		return
	}
	if _, err := a.channels.Resolve(req.ChannelID); err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "unknown channel")
		} else {
			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		}
		return
	}

	sess, err := a.db.CreateSession(req.ChannelID, req.Model, req.WorkspaceID)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusCreated, sess)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.db.ListSessions(0, 0)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, sessions)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.db.GetSession(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Model string `json:"model"`
}

// updateSession repins the session's model. The change applies from the next
// run; an in-flight run keeps the context it launched with.
func (a *API) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "model is required")
		return
	}

	id := mux.Vars(r)["id"]
	if err := a.db.UpdateSessionModel(id, req.Model); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	sess, err := a.db.GetSession(id)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, sess)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.DeleteSession(mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusNoContent, nil)
}

func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.db.GetMessages(mux.Vars(r)["id"], 0)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, msgs)
}

type startRunRequest struct {
	Message string `json:"message"`
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "message is required")
		return
	}

	err := a.orch.StartRun(r.Context(), sessionID, req.Message)
	switch {
	case errors.Is(err, orchestrator.ErrSessionBusy):
		handlers.SendError(w, http.StatusConflict, handlers.ErrCodeSessionBusy, "another run is already active")
	case errors.Is(err, storage.ErrNotFound):
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
	case err != nil:
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
	default:
		handlers.SendJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
	}
}

func (a *API) stopRun(w http.ResponseWriter, r *http.Request) {
	a.orch.StopRun(mux.Vars(r)["id"])
	handlers.SendJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	pending := a.orch.PendingApprovals(mux.Vars(r)["id"])
	if pending == nil {
		pending = []*orchestrator.PendingView{}
	}
	handlers.SendJSON(w, http.StatusOK, pending)
}

type permissionResponseRequest struct {
	Behavior    string `json:"behavior"`
	AlwaysAllow bool   `json:"always_allow,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (a *API) respondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestID"]
	var req permissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid body")
		return
	}
	behavior := runtime.PermissionBehavior(req.Behavior)
	if behavior != runtime.PermissionAllow && behavior != runtime.PermissionDeny {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}

	err := a.orch.RespondPermission(requestID, behavior, req.AlwaysAllow, req.Message)
	if errors.Is(err, orchestrator.ErrRequestNotFound) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "approval request not found")
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type askUserResponseRequest struct {
	Answers map[string]string `json:"answers"`
}

func (a *API) respondAskUser(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestID"]
	var req askUserResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid body")
		return
	}

	err := a.orch.RespondAskUser(requestID, req.Answers)
	if errors.Is(err, orchestrator.ErrRequestNotFound) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "approval request not found")
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	handlers.SendJSON(w, http.StatusOK, a.channels.List())
}
