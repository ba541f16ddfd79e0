package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is the GET /api/v1/health body.
type HealthResponse struct {
	Status   string                `json:"status"`
	Database database.HealthStatus `json:"database"`
	Fleet    *FleetHealth          `json:"fleet,omitempty"`
}

// FleetHealth summarizes per-worker health for the health endpoint.
type FleetHealth struct {
	Total   int                 `json:"total"`
	Active  int                 `json:"active"`
	Busy    int                 `json:"busy"`
	Workers []models.WorkerInfo `json:"workers"`
}

// StatusResponse is the GET /api/v1/status body.
type StatusResponse struct {
	ActiveSessions []SessionSummary  `json:"active_sessions"`
	Fleet          *FleetHealth      `json:"fleet,omitempty"`
	GPU            models.GPUReading `json:"gpu"`
}

// SessionSummary is the session shape exposed on the API; heavy fields
// (result, warnings) are reserved for GetSession.
type SessionSummary struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Architecture string    `json:"architecture"`
	Task         string    `json:"task"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Stale        bool      `json:"stale"`
}

// SessionDetail is the full session shape.
type SessionDetail struct {
	SessionSummary
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Subtasks []SubtaskSummary `json:"subtasks,omitempty"`
}

// SubtaskSummary is the subtask shape exposed on the API.
type SubtaskSummary struct {
	ID         int    `json:"id"`
	Text       string `json:"text"`
	Role       string `json:"role"`
	State      string `json:"state"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// staleAfter marks a running session stale when its heartbeat is older
// than this.
const staleAfter = 2 * time.Minute

func (s *Server) fleetHealth() *FleetHealth {
	if s.fleet == nil {
		return nil
	}
	workers := s.fleet.Workers()
	fh := &FleetHealth{Total: len(workers), Workers: workers}
	for _, w := range workers {
		if w.State != models.AgentStateActive {
			continue
		}
		fh.Active++
		if w.Busy {
			fh.Busy++
		}
	}
	return fh
}

// Health handles GET /api/v1/health. Database reachability decides
// healthy vs unhealthy; a fleet with no active workers degrades.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:   healthStatusHealthy,
		Database: s.db.Health(ctx),
		Fleet:    s.fleetHealth(),
	}
	if !resp.Database.Reachable {
		resp.Status = healthStatusUnhealthy
	} else if resp.Fleet != nil && resp.Fleet.Total > 0 && resp.Fleet.Active == 0 {
		resp.Status = healthStatusDegraded
	}

	httpStatus := http.StatusOK
	if resp.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

func summarize(session *models.Session, now time.Time) SessionSummary {
	return SessionSummary{
		ID:           session.ID,
		Status:       string(session.Status),
		Architecture: string(session.Architecture),
		Task:         session.Task,
		CreatedAt:    session.CreatedAt,
		LastActivity: session.LastActivity,
		Stale:        session.Status == models.SessionStatusRunning && now.Sub(session.LastActivity) > staleAfter,
	}
}

// Status handles GET /api/v1/status.
func (s *Server) Status(c *gin.Context) {
	sessions, err := s.store.ActiveSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	resp := StatusResponse{
		ActiveSessions: make([]SessionSummary, 0, len(sessions)),
		Fleet:          s.fleetHealth(),
	}
	for _, session := range sessions {
		resp.ActiveSessions = append(resp.ActiveSessions, summarize(session, now))
	}
	if s.gpu != nil {
		resp.GPU = s.gpu.Snapshot(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

// ListSessions handles GET /api/v1/sessions with an optional ?status=
// filter.
func (s *Server) ListSessions(c *gin.Context) {
	status := models.SessionStatus(c.Query("status"))
	if status != "" && !status.Terminal() && status != models.SessionStatusRunning {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	now := time.Now()
	out := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, summarize(session, now))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession handles GET /api/v1/sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	id := c.Param("id")
	session, err := s.store.GetSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	detail := SessionDetail{
		SessionSummary: summarize(session, time.Now()),
		Result:         session.Result,
		Error:          session.Error,
		Warnings:       session.Warnings,
	}
	subtasks, err := s.store.ListSubtasks(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, st := range subtasks {
		detail.Subtasks = append(detail.Subtasks, SubtaskSummary{
			ID:         st.ID,
			Text:       st.Text,
			Role:       string(st.Role),
			State:      string(st.State),
			AssignedTo: st.AssignedTo,
			Attempts:   st.Attempts,
			Error:      st.Error,
		})
	}
	c.JSON(http.StatusOK, detail)
}

// CancelSession handles POST /api/v1/sessions/:id/cancel.
func (s *Server) CancelSession(c *gin.Context) {
	id := c.Param("id")
	session, err := s.store.GetSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "session already sealed", "status": session.Status})
		return
	}

	if s.control == nil || !s.control.CancelSession(id) {
		// Not running in this process; a restart would reactivate it, so
		// seal it directly.
		if err := s.store.SealSession(c.Request.Context(), session, models.SessionStatusCancelled, "", "cancelled"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	s.logger.Info("Session cancel requested", "session_id", id)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// StopAgents handles POST /api/v1/agents/stop.
func (s *Server) StopAgents(c *gin.Context) {
	if s.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no fleet controller attached"})
		return
	}
	go s.control.StopAgents(context.Background())
	s.logger.Info("Fleet stop requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}
