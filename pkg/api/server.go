// Package api is the control surface of a running hivemind process:
// health, status, session cancellation, and fleet stop. The CLI talks
// to it over localhost.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

const healthCheckTimeout = 5 * time.Second

// Controller is the running process's control hooks.
type Controller interface {
	// CancelSession cancels a session running in this process. Returns
	// false when no such session is live here.
	CancelSession(sessionID string) bool
	// StopAgents drains the fleet, forcing stragglers after the grace
	// period.
	StopAgents(ctx context.Context)
}

// FleetView exposes the live worker fleet for the status and health
// endpoints.
type FleetView interface {
	Workers() []models.WorkerInfo
}

// GPUView exposes the latest GPU reading.
type GPUView interface {
	Snapshot(ctx context.Context) models.GPUReading
}

// Server wires the control endpoints. fleet, gpu, and control may be
// nil; the corresponding sections degrade gracefully.
type Server struct {
	db      *database.Client
	store   *store.Store
	fleet   FleetView
	gpu     GPUView
	control Controller
	logger  *slog.Logger
}

// NewServer builds the control API server.
func NewServer(db *database.Client, st *store.Store, fleet FleetView, gpuView GPUView, control Controller, logger *slog.Logger) *Server {
	return &Server{
		db:      db,
		store:   st,
		fleet:   fleet,
		gpu:     gpuView,
		control: control,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.Health)
	v1.GET("/status", s.Status)
	v1.GET("/sessions", s.ListSessions)
	v1.GET("/sessions/:id", s.GetSession)
	v1.POST("/sessions/:id/cancel", s.CancelSession)
	v1.POST("/agents/stop", s.StopAgents)
	return r
}

// Serve runs the HTTP server until the context is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Control API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
