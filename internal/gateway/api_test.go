package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/execenv"
	"tether/internal/orchestrator"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// doneAdapter completes every run immediately with no output.
type doneAdapter struct{}

func (doneAdapter) Query(context.Context, *runtime.ExecutionContext, runtime.Callbacks) (<-chan runtime.Event, error) {
	ch := make(chan runtime.Event, 1)
	ch <- runtime.NewDone()
	close(ch)
	return ch, nil
}
func (doneAdapter) Abort(string) {}
func (doneAdapter) Dispose()     {}

func newTestAPI(t *testing.T) (*API, *storage.DB) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealed, err := channel.Seal([]byte("sk-test"), identity)
	require.NoError(t, err)

	channels := channel.NewStore([]config.ChannelConfig{{
		ID:           "ch1",
		Name:         "main",
		BaseURL:      "https://api.example.com",
		APIKeySealed: sealed,
	}}, identity)

	builder := execenv.NewBuilder(channels, execenv.ConfigProxy{}, config.RuntimeConfig{WorkDir: t.TempDir()}, nil)
	orch := orchestrator.New(db, builder, doneAdapter{}, orchestrator.NopNotifier{}, "ask")
	t.Cleanup(orch.Shutdown)

	return NewAPI(db, channels, orch), db
}

func newTestRouter(t *testing.T) (*mux.Router, *storage.DB) {
	t.Helper()
	api, db := newTestAPI(t)
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router, db
}

func doRequest(router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions", createSessionRequest{ChannelID: "ch1", Model: "m1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess storage.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "ch1", sess.ChannelID)
	assert.Equal(t, storage.DefaultTitle, sess.Title)
}

func TestCreateSession_UnknownChannel(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions", createSessionRequest{ChannelID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSession_MissingChannel(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSession_RepinsModel(t *testing.T) {
	router, db := newTestRouter(t)
	sess, err := db.CreateSession("ch1", "m-old", "")
	require.NoError(t, err)

	rec := doRequest(router, http.MethodPatch, "/api/v1/sessions/"+sess.ID, updateSessionRequest{Model: "m-new"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-new", got.Model)
}

func TestUpdateSession_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPatch, "/api/v1/sessions/missing", updateSessionRequest{Model: "m"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun_SessionNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions/missing/runs", startRunRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun_Accepted(t *testing.T) {
	router, db := newTestRouter(t)
	sess, err := db.CreateSession("ch1", "", "")
	require.NoError(t, err)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/runs", startRunRequest{Message: "hi"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRespondPermission_UnknownRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/approvals/nope/permission",
		permissionResponseRequest{Behavior: "allow"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRespondPermission_InvalidBehavior(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/approvals/nope/permission",
		permissionResponseRequest{Behavior: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListChannels_StripsSealedKeys(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var channels []config.ChannelConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&channels))
	require.Len(t, channels, 1)
	assert.Equal(t, "ch1", channels[0].ID)
	assert.Empty(t, channels[0].APIKeySealed)
}

func TestListApprovals_EmptyList(t *testing.T) {
	router, db := newTestRouter(t)
	sess, err := db.CreateSession("ch1", "", "")
	require.NoError(t, err)

	rec := doRequest(router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
