// Package coordinator drives a session: it decomposes the task into a
// dependency graph of subtasks, dispatches them over the bus under the
// selected architecture, aggregates the results, and seals the session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

// QueenID is the top coordinator's agent identity.
const QueenID = "queen"

// heartbeatInterval paces the session last-activity stamp while the
// coordinator is running.
const heartbeatInterval = 30 * time.Second

const synthesisPrompt = `The following are results of subtasks executed for the task below. Combine them into one coherent final answer. Respond with the answer only.

Task: %s

Results:
%s`

// Coordinator runs one session to completion.
type Coordinator struct {
	session *models.Session
	store   *store.Store
	bus     *bus.Bus
	client  llm.Client
	model   string
	cfg     *config.DispatchConfig
	pool    Pool
	logger  *slog.Logger

	disp      *dispatcher
	subqueens []*SubCoordinator
}

// New builds a coordinator for the session. The pool is the live
// worker fleet; under the hierarchical architecture the coordinator
// partitions it among sub-coordinators.
func New(session *models.Session, st *store.Store, b *bus.Bus, client llm.Client, model string, cfg *config.DispatchConfig, pool Pool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		session: session,
		store:   st,
		bus:     b,
		client:  client,
		model:   model,
		cfg:     cfg,
		pool:    pool,
		logger:  logger.With("component", "coordinator", "session_id", session.ID),
	}
}

// Run executes the session and seals it. A cancelled context marks
// the session cancelled and shuts the participants down.
func (c *Coordinator) Run(ctx context.Context) error {
	inbox, err := c.bus.Register(QueenID)
	if err != nil {
		return fmt.Errorf("failed to register coordinator: %w", err)
	}
	defer func() {
		c.bus.MarkTerminated(QueenID)
		c.bus.Deregister(QueenID)
	}()

	subtasks, err := c.loadOrDecompose(ctx)
	if err != nil {
		sealErr := c.store.SealSession(ctx, c.session, models.SessionStatusFailed, "", err.Error())
		return errors.Join(err, sealErr)
	}

	dispatchPool := c.pool
	mesh := c.session.Architecture == models.ArchMesh
	if c.session.Architecture == models.ArchHierarchical {
		dispatchPool, err = c.startSubqueens(ctx)
		if err != nil {
			sealErr := c.store.SealSession(ctx, c.session, models.SessionStatusFailed, "", err.Error())
			return errors.Join(err, sealErr)
		}
	}
	defer c.stopSubqueens()

	c.disp = newDispatcher(QueenID, c.session.ID, subtasks, c.bus, c.store, dispatchPool, nil, c.cfg, mesh, c.logger)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(heartbeatCtx)

	// Replay replies that were logged but unprocessed before a restart.
	if _, err := c.bus.ReplayPending(ctx, QueenID); err != nil {
		c.logger.Warn("Reply replay failed", "error", err)
	}

	if err := c.disp.run(ctx, inbox, nil); err != nil {
		// Cancellation: stop dispatching, shut participants down, and
		// mark the session cancelled.
		c.logger.Info("Session cancelled", "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = c.bus.Broadcast(shutdownCtx, QueenID, models.MessageTypeControl, models.ControlShutdown)
		if sealErr := c.store.SealSession(shutdownCtx, c.session, models.SessionStatusCancelled, "", "cancelled"); sealErr != nil {
			c.logger.Error("Failed to seal cancelled session", "error", sealErr)
		}
		return err
	}

	return c.finish(ctx)
}

// heartbeat stamps the session's last activity so status reporting can
// spot stalled sessions.
func (c *Coordinator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.TouchSession(ctx, c.session.ID); err != nil {
				c.logger.Warn("Session heartbeat failed", "error", err)
			}
		}
	}
}

// loadOrDecompose reuses a persisted subtask graph when reactivating a
// session after restart, and decomposes fresh otherwise.
func (c *Coordinator) loadOrDecompose(ctx context.Context) ([]*models.Subtask, error) {
	existing, err := c.store.ListSubtasks(ctx, c.session.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		// The dispatch state of a previous process is lost; in-flight
		// subtasks return to ready and are dispatched again. Workers
		// drop attempts they already answered, so a duplicate delivery
		// cannot double-run.
		for _, st := range existing {
			if st.State != models.SubtaskStateInFlight {
				continue
			}
			st.State = models.SubtaskStateReady
			st.AssignedTo = ""
			if err := c.store.SaveSubtask(ctx, st); err != nil {
				return nil, err
			}
		}
		c.logger.Info("Reactivating session", "subtasks", len(existing))
		return existing, nil
	}

	subtasks, warnings, err := decompose(ctx, c.client, c.model, c.session.ID, c.session.Task, c.cfg.SubtaskDeadline)
	if err != nil {
		return nil, err
	}
	for _, st := range subtasks {
		if err := c.store.SaveSubtask(ctx, st); err != nil {
			return nil, err
		}
	}
	if len(warnings) > 0 {
		c.session.Warnings = append(c.session.Warnings, warnings...)
		if err := c.store.UpdateSession(ctx, c.session); err != nil {
			return nil, err
		}
	}
	c.logger.Info("Task decomposed", "subtasks", len(subtasks), "warnings", len(warnings))
	return subtasks, nil
}

// finish aggregates results and seals the session. The synthesis call
// is skipped when the graph held a single subtask.
func (c *Coordinator) finish(ctx context.Context) error {
	if c.disp.failed() {
		summary := c.disp.failureSummary()
		if err := c.store.SealSession(ctx, c.session, models.SessionStatusFailed, c.disp.aggregate(), summary); err != nil {
			return err
		}
		return fmt.Errorf("session failed: %s", summary)
	}

	result := c.disp.aggregate()
	if c.disp.size() == 1 {
		result = c.disp.soleResult()
	} else {
		synthesis, err := c.client.Chat(ctx, c.model, []llm.ChatMessage{
			{Role: llm.RoleUser, Content: fmt.Sprintf(synthesisPrompt, c.session.Task, result)},
		})
		if err != nil {
			c.logger.Warn("Synthesis call failed, using concatenated results", "error", err)
			c.session.Warnings = append(c.session.Warnings, fmt.Sprintf("synthesis failed: %v", err))
		} else {
			result = synthesis
		}
	}

	if err := c.store.SealSession(ctx, c.session, models.SessionStatusCompleted, result, ""); err != nil {
		return err
	}
	c.logger.Info("Session completed")
	return nil
}

// QueueStats reports queue pressure for fleet snapshots. Zero values
// before dispatch starts.
func (c *Coordinator) QueueStats(now time.Time) (pending int, byPriority map[int]int, avgWait, maxWait time.Duration) {
	if c.disp == nil {
		return 0, map[int]int{}, 0, 0
	}
	return c.disp.queueStats(now)
}

// startSubqueens partitions the worker fleet among M sub-coordinators
// and returns the pool the queen dispatches to.
func (c *Coordinator) startSubqueens(ctx context.Context) (Pool, error) {
	m := c.cfg.SubCoordinators
	if m < 1 {
		m = 1
	}
	for i := 0; i < m; i++ {
		sub, err := NewSub(fmt.Sprintf("subqueen-%d", i), c.session.ID, c.bus, c.client, c.model,
			c.cfg, &partitionPool{pool: c.pool, index: i, of: m}, c.logger)
		if err != nil {
			return nil, err
		}
		c.subqueens = append(c.subqueens, sub)
		go sub.Run(ctx)
	}
	c.logger.Info("Sub-coordinators started", "count", m)
	return &subqueenPool{subs: c.subqueens}, nil
}

func (c *Coordinator) stopSubqueens() {
	for _, sub := range c.subqueens {
		sub.Stop()
	}
}
