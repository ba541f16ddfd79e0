package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/hivemind/pkg/api"
	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/coordinator"
	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/gpu"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/manager"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/msglog"
	"github.com/hivemind-dev/hivemind/pkg/scaler"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

type runOptions struct {
	workers       int
	arch          string
	model         string
	projectFolder string
	autoScaling   bool
	strategy      string
	minAgents     int
	maxAgents     int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task to completion on a worker fleet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.TrimSpace(strings.Join(args, " "))
			if task == "" {
				return usageErr("task must not be empty")
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runTask(cmd.Context(), cfg, task)
		},
	}

	cmd.Flags().IntVar(&opts.workers, "workers", 0, "initial worker count")
	cmd.Flags().StringVar(&opts.arch, "arch", "", "coordination architecture (hierarchical, centralized, mesh)")
	cmd.Flags().StringVar(&opts.model, "model", "", "backend model name")
	cmd.Flags().StringVar(&opts.projectFolder, "project-folder", "", "folder workers may save files into")
	cmd.Flags().BoolVar(&opts.autoScaling, "auto-scaling", false, "enable the autoscaler")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "autoscaler strategy (gpu-memory, workload, hybrid, conservative, aggressive)")
	cmd.Flags().IntVar(&opts.minAgents, "min-agents", 0, "autoscaler lower bound")
	cmd.Flags().IntVar(&opts.maxAgents, "max-agents", 0, "autoscaler upper bound (0 derives from GPU memory)")
	return cmd
}

// apply folds explicitly set flags over the layered configuration.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("workers") {
		if o.workers < 1 {
			return usageErr("--workers must be at least 1")
		}
		cfg.Workers.Count = o.workers
	}
	if cmd.Flags().Changed("arch") {
		arch := models.Architecture(o.arch)
		if !arch.Valid() {
			return usageErr("unknown architecture %q", o.arch)
		}
		cfg.Architecture = arch
	}
	if cmd.Flags().Changed("model") {
		cfg.Backend.Model = o.model
	}
	if cmd.Flags().Changed("project-folder") {
		cfg.Workers.ProjectFolder = o.projectFolder
	}
	if cmd.Flags().Changed("auto-scaling") {
		cfg.Scaler.Enabled = o.autoScaling
	}
	if cmd.Flags().Changed("strategy") {
		strategy := config.Strategy(o.strategy)
		if !strategy.Valid() {
			return usageErr("unknown strategy %q", o.strategy)
		}
		cfg.Scaler.Strategy = strategy
	}
	if cmd.Flags().Changed("min-agents") {
		cfg.Scaler.MinWorkers = o.minAgents
	}
	if cmd.Flags().Changed("max-agents") {
		cfg.Scaler.MaxWorkers = o.maxAgents
	}
	if cfg.Scaler.MinWorkers > 0 && cfg.Scaler.MaxWorkers > 0 && cfg.Scaler.MinWorkers > cfg.Scaler.MaxWorkers {
		return usageErr("--min-agents must not exceed --max-agents")
	}
	return nil
}

// controller adapts the running process to the control API hooks.
type controller struct {
	manager *manager.Manager

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (c *controller) track(sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[sessionID] = cancel
}

func (c *controller) untrack(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, sessionID)
}

func (c *controller) CancelSession(sessionID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[sessionID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *controller) StopAgents(ctx context.Context) {
	c.manager.StopAll(ctx)
}

func runTask(ctx context.Context, cfg *config.Config, task string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return internalErr(fmt.Errorf("database init: %w", err))
	}
	defer dbClient.Close()

	log, err := msglog.New(ctx, dbClient, logger)
	if err != nil {
		return internalErr(fmt.Errorf("message log init: %w", err))
	}
	defer log.Close()

	dispatchBus := bus.New(log, cfg.Dispatch, logger)
	st := store.New(dbClient, logger)

	backend := llm.NewOllamaClient(cfg.Backend, logger)
	if err := backend.CheckModel(ctx, cfg.Backend.Model); err != nil {
		return backendErr(fmt.Errorf("backend check: %w", err))
	}

	mgr := manager.New(dispatchBus, st, backend, cfg.Backend.Model, cfg.Workers, logger)
	mgr.Start(ctx)
	defer mgr.StopAll(context.Background())
	if _, err := mgr.CreateBatch(ctx, cfg.Workers.Count, models.RoleGeneric); err != nil {
		return internalErr(fmt.Errorf("fleet startup: %w", err))
	}

	monitor := gpu.NewMonitor(cfg.Scaler.GPUProbeTimeout, logger)
	fleet := scaler.NewFleet(mgr, nil, monitor)
	if cfg.Scaler.Enabled {
		go scaler.New(cfg.Scaler, cfg.Backend.Model, fleet, mgr, logger).Run(ctx)
	}

	ctrl := &controller{manager: mgr, cancels: make(map[string]context.CancelFunc)}
	apiServer := api.NewServer(dbClient, st, mgr, monitor, ctrl, logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := apiServer.Serve(ctx, addr); err != nil {
			logger.Warn("Control API stopped", "error", err)
		}
	}()

	// Sessions left running by a previous process are finished first.
	if err := recoverSessions(ctx, cfg, st, dispatchBus, backend, mgr, fleet, ctrl, logger); err != nil {
		return err
	}

	session, err := st.CreateSession(ctx, task, cfg.Architecture)
	if err != nil {
		return internalErr(err)
	}
	return runSession(ctx, cfg, session, st, dispatchBus, backend, mgr, fleet, ctrl, logger)
}

// recoverSessions reactivates sessions a crashed process left running:
// in-flight subtasks of dead workers return to ready, then each session
// runs to completion. A recovery failure is reported but does not block
// the new task.
func recoverSessions(ctx context.Context, cfg *config.Config, st *store.Store, b *bus.Bus, backend llm.Client, mgr *manager.Manager, fleet *scaler.Fleet, ctrl *controller, logger *slog.Logger) error {
	active, err := st.ActiveSessions(ctx)
	if err != nil {
		return internalErr(err)
	}
	live := make(map[string]bool)
	for _, w := range mgr.Workers() {
		live[w.ID] = true
	}
	for _, session := range active {
		released, err := st.ReleaseOrphanedSubtasks(ctx, session.ID, live)
		if err != nil {
			return internalErr(err)
		}
		logger.Info("Reactivating session", "session_id", session.ID, "released_subtasks", released)
		if err := runSession(ctx, cfg, session, st, b, backend, mgr, fleet, ctrl, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error("Reactivated session failed", "session_id", session.ID, "error", err)
		}
	}
	return nil
}

func runSession(ctx context.Context, cfg *config.Config, session *models.Session, st *store.Store, b *bus.Bus, backend llm.Client, mgr *manager.Manager, fleet *scaler.Fleet, ctrl *controller, logger *slog.Logger) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl.track(session.ID, cancel)
	defer ctrl.untrack(session.ID)
	mgr.SetSession(session.ID)

	coord := coordinator.New(session, st, b, backend, cfg.Backend.Model, cfg.Dispatch, mgr, logger)
	fleet.SetQueue(coord)
	defer fleet.SetQueue(nil)

	if err := coord.Run(sessionCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			return taskErr(fmt.Errorf("session %s cancelled: %w", session.ID, err))
		}
		return taskErr(err)
	}

	final, err := st.GetSession(ctx, session.ID)
	if err != nil {
		return internalErr(err)
	}
	fmt.Println(final.Result)
	for _, warning := range final.Warnings {
		logger.Warn("Session warning", "session_id", session.ID, "warning", warning)
	}
	return nil
}
