package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

type fakeFleet struct {
	workers []models.WorkerInfo
}

func (f *fakeFleet) Workers() []models.WorkerInfo { return f.workers }

type fakeControl struct {
	cancelled []string
	live      map[string]bool
	stopped   chan struct{}
	stopOnce  sync.Once
}

func (f *fakeControl) CancelSession(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return f.live[id]
}

func (f *fakeControl) StopAgents(context.Context) {
	f.stopOnce.Do(func() { close(f.stopped) })
}

type apiRig struct {
	server  *Server
	store   *store.Store
	fleet   *fakeFleet
	control *fakeControl
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "test.db")
	client, err := database.NewClient(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client, slog.Default())
	fleet := &fakeFleet{}
	control := &fakeControl{live: map[string]bool{}, stopped: make(chan struct{})}
	return &apiRig{
		server:  NewServer(client, st, fleet, nil, control, slog.Default()),
		store:   st,
		fleet:   fleet,
		control: control,
	}
}

func (r *apiRig) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	r.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthHealthy(t *testing.T) {
	rig := newAPIRig(t)
	rig.fleet.workers = []models.WorkerInfo{
		{ID: "worker-0", State: models.AgentStateActive},
	}

	rec := rig.request(t, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.True(t, resp.Database.Reachable)
	require.NotNil(t, resp.Fleet)
	assert.Equal(t, 1, resp.Fleet.Active)
}

func TestHealthDegradedWithoutActiveWorkers(t *testing.T) {
	rig := newAPIRig(t)
	rig.fleet.workers = []models.WorkerInfo{
		{ID: "worker-0", State: models.AgentStateDraining},
	}

	rec := rig.request(t, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusDegraded, resp.Status)
}

func TestStatusListsActiveSessions(t *testing.T) {
	rig := newAPIRig(t)
	session, err := rig.store.CreateSession(context.Background(), "running task", models.ArchCentralized)
	require.NoError(t, err)
	sealed, err := rig.store.CreateSession(context.Background(), "finished task", models.ArchCentralized)
	require.NoError(t, err)
	require.NoError(t, rig.store.SealSession(context.Background(), sealed, models.SessionStatusCompleted, "done", ""))

	rec := rig.request(t, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ActiveSessions, 1)
	assert.Equal(t, session.ID, resp.ActiveSessions[0].ID)
	assert.False(t, resp.ActiveSessions[0].Stale)
}

func TestGetSessionDetail(t *testing.T) {
	rig := newAPIRig(t)
	session, err := rig.store.CreateSession(context.Background(), "detailed task", models.ArchCentralized)
	require.NoError(t, err)
	require.NoError(t, rig.store.SaveSubtask(context.Background(), &models.Subtask{
		ID:          0,
		SessionID:   session.ID,
		Text:        "the work",
		Role:        models.RoleDeveloper,
		State:       models.SubtaskStateDone,
		Correlation: "corr-1",
		Attempts:    1,
	}))

	rec := rig.request(t, http.MethodGet, "/api/v1/sessions/"+session.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, session.ID, resp.ID)
	require.Len(t, resp.Subtasks, 1)
	assert.Equal(t, "developer", resp.Subtasks[0].Role)
}

func TestGetSessionNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.request(t, http.MethodGet, "/api/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelLiveSession(t *testing.T) {
	rig := newAPIRig(t)
	session, err := rig.store.CreateSession(context.Background(), "cancel me", models.ArchCentralized)
	require.NoError(t, err)
	rig.control.live[session.ID] = true

	rec := rig.request(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{session.ID}, rig.control.cancelled)

	// The live coordinator seals it; the handler must not.
	reloaded, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, reloaded.Status)
}

func TestCancelOrphanedSessionSealsDirectly(t *testing.T) {
	rig := newAPIRig(t)
	session, err := rig.store.CreateSession(context.Background(), "orphaned task", models.ArchCentralized)
	require.NoError(t, err)

	rec := rig.request(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)

	reloaded, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, reloaded.Status)
}

func TestCancelSealedSessionConflicts(t *testing.T) {
	rig := newAPIRig(t)
	session, err := rig.store.CreateSession(context.Background(), "done task", models.ArchCentralized)
	require.NoError(t, err)
	require.NoError(t, rig.store.SealSession(context.Background(), session, models.SessionStatusCompleted, "done", ""))

	rec := rig.request(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStopAgents(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.request(t, http.MethodPost, "/api/v1/agents/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-rig.control.stopped:
	case <-time.After(time.Second):
		t.Fatal("fleet stop never reached the controller")
	}
}

func TestListSessionsStatusFilter(t *testing.T) {
	rig := newAPIRig(t)
	_, err := rig.store.CreateSession(context.Background(), "running", models.ArchCentralized)
	require.NoError(t, err)
	sealed, err := rig.store.CreateSession(context.Background(), "sealed", models.ArchCentralized)
	require.NoError(t, err)
	require.NoError(t, rig.store.SealSession(context.Background(), sealed, models.SessionStatusFailed, "", "boom"))

	rec := rig.request(t, http.MethodGet, "/api/v1/sessions?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, sealed.ID, resp.Sessions[0].ID)

	rec = rig.request(t, http.MethodGet, "/api/v1/sessions?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
