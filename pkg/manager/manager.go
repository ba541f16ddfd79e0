// Package manager owns the worker fleet: it creates, drains, and
// terminates workers, applies autoscaler decisions, and keeps the bus
// membership consistent with the lifecycle states.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
	"github.com/hivemind-dev/hivemind/pkg/worker"
)

// ErrUnknownWorker is returned for operations on ids the manager does
// not own.
var ErrUnknownWorker = errors.New("unknown worker")

// identityRetries bounds fresh-id attempts after a duplicate-identity
// registration conflict.
const identityRetries = 3

// TransitionHook observes lifecycle transitions for metrics and logs.
type TransitionHook func(workerID string, state models.AgentState)

type managed struct {
	worker *worker.Worker
	cancel context.CancelFunc
}

// Manager is the fleet lifecycle controller.
type Manager struct {
	bus    *bus.Bus
	store  *store.Store
	client llm.Client
	model  string
	cfg    *config.WorkerConfig
	logger *slog.Logger

	mu        sync.Mutex
	workers   map[string]*managed
	nextID    int
	sessionID string
	hooks     []TransitionHook

	runCtx context.Context
	wg     sync.WaitGroup
}

// New builds a manager. Start must be called before workers are
// created.
func New(b *bus.Bus, st *store.Store, client llm.Client, model string, cfg *config.WorkerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		bus:     b,
		store:   st,
		client:  client,
		model:   model,
		cfg:     cfg,
		logger:  logger.With("component", "manager"),
		workers: make(map[string]*managed),
	}
}

// Start binds the manager to the process lifetime context that worker
// runtimes inherit, and seeds the id counter past identities recorded
// by previous processes. Ids are restart-unique: recovery must never
// mistake a new worker for its dead namesake.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	ids, err := m.store.AgentIDs(ctx)
	if err != nil {
		m.logger.Warn("Failed to scan persisted agent ids", "error", err)
		return
	}
	next := 0
	for _, id := range ids {
		suffix, ok := strings.CutPrefix(id, "worker-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= next {
			next = n + 1
		}
		// The recorded worker is gone; session reactivation re-dispatches
		// its work, so its watermark only pins the prune bound.
		if err := m.bus.DropWatermark(ctx, id); err != nil {
			m.logger.Warn("Failed to retire watermark", "worker_id", id, "error", err)
		}
	}
	m.mu.Lock()
	if next > m.nextID {
		m.nextID = next
	}
	m.mu.Unlock()
}

// SetSession attaches subsequently created agent records to a session.
func (m *Manager) SetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
}

// OnTransition registers a lifecycle hook.
func (m *Manager) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) notify(workerID string, role models.Role, state models.AgentState) {
	m.mu.Lock()
	hooks := append([]TransitionHook(nil), m.hooks...)
	sessionID := m.sessionID
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(workerID, state)
	}
	if m.store != nil && sessionID != "" {
		rec := models.AgentRecord{
			ID:        workerID,
			SessionID: sessionID,
			Role:      role,
			State:     state,
			CreatedAt: time.Now().UnixNano(),
		}
		if state.Terminal() {
			rec.TerminatedAt = time.Now().UnixNano()
		}
		if err := m.store.SaveAgent(context.Background(), rec); err != nil {
			m.logger.Warn("Failed to persist agent record", "worker_id", workerID, "error", err)
		}
	}
}

func (m *Manager) get(id string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id]
}

// Create spawns one worker: allocate an identity, register on the bus
// (retrying with a fresh id on a duplicate-identity conflict), then
// creating -> registering -> active and start the runtime.
func (m *Manager) Create(ctx context.Context, role models.Role) (string, error) {
	m.mu.Lock()
	runCtx := m.runCtx
	m.mu.Unlock()
	if runCtx == nil {
		return "", fmt.Errorf("manager not started")
	}

	var id string
	var inbox <-chan models.Message
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		id = fmt.Sprintf("worker-%d", m.nextID)
		m.nextID++
		m.mu.Unlock()

		var err error
		inbox, err = m.bus.Register(id)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateIdentity) || attempt >= identityRetries {
			return "", fmt.Errorf("failed to register worker: %w", err)
		}
		m.logger.Warn("Identity conflict, retrying with a fresh id", "worker_id", id)
	}

	// Messages logged for this identity but never acknowledged are
	// redelivered; the worker drops attempts it already answered.
	if _, err := m.bus.ReplayPending(ctx, id); err != nil {
		m.logger.Warn("Pending replay failed", "worker_id", id, "error", err)
	}

	w := worker.New(id, role, m.model, inbox, m.bus, m.client, m.cfg, m.logger)
	m.notify(id, role, models.AgentStateCreating)

	if err := w.SetState(models.AgentStateRegistering); err != nil {
		return "", err
	}
	m.notify(id, role, models.AgentStateRegistering)
	if err := w.SetState(models.AgentStateActive); err != nil {
		return "", err
	}

	workerCtx, cancel := context.WithCancel(runCtx)
	m.mu.Lock()
	m.workers[id] = &managed{worker: w, cancel: cancel}
	m.mu.Unlock()
	m.notify(id, role, models.AgentStateActive)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run(workerCtx)
		m.reap(id, role)
	}()

	m.logger.Info("Worker created", "worker_id", id, "role", role)
	return id, nil
}

// reap cleans up after a worker's runtime loop exits.
func (m *Manager) reap(id string, role models.Role) {
	m.bus.MarkTerminated(id)
	m.bus.Deregister(id)
	m.mu.Lock()
	if mw, ok := m.workers[id]; ok {
		mw.cancel()
		delete(m.workers, id)
	}
	m.mu.Unlock()
	m.notify(id, role, models.AgentStateTerminated)
}

// CreateBatch spawns n workers concurrently. Partial failure is
// tolerated: successes stay in the fleet and the first error is
// returned alongside the created ids.
func (m *Manager) CreateBatch(ctx context.Context, n int, role models.Role) ([]string, error) {
	var (
		mu  sync.Mutex
		ids []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			id, err := m.Create(gctx, role)
			if err != nil {
				m.logger.Error("Batch create partial failure", "error", err)
				return err
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return ids, err
}

// Drain stops assigning new work to the worker; it exits once its
// inbox is empty and in-flight work finished.
func (m *Manager) Drain(id string) error {
	mw := m.get(id)
	if mw == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	mw.worker.Drain()
	m.notify(id, mw.worker.Role(), models.AgentStateDraining)
	return nil
}

// Terminate force-stops the worker. In-flight work is failed back to
// its requester with a worker-terminated error.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	mw := m.get(id)
	if mw == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	current, busy := mw.worker.Current()
	mw.cancel()

	if busy && current.Sender != "" {
		_, err := m.bus.Send(ctx, models.Message{
			SessionID:   current.SessionID,
			Sender:      id,
			Receiver:    current.Sender,
			Type:        models.MessageTypeError,
			Correlation: current.Correlation,
			Parent:      current.Seq,
			Payload:     models.ErrWorkerTerminated.Error(),
		})
		if err != nil {
			m.logger.Warn("Failed to fail in-flight work", "worker_id", id, "error", err)
		}
	}

	select {
	case <-mw.worker.Done():
	case <-time.After(m.cfg.GracefulShutdownTimeout):
		m.logger.Error("Worker did not stop in time", "worker_id", id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Workers snapshots the fleet. Implements the coordinator pool and
// feeds fleet snapshots.
func (m *Manager) Workers() []models.WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]models.WorkerInfo, 0, len(m.workers))
	for _, mw := range m.workers {
		infos = append(infos, mw.worker.Info())
	}
	return infos
}

// ActiveCount returns the number of workers in the active state.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, info := range m.Workers() {
		if info.State == models.AgentStateActive {
			n++
		}
	}
	return n
}

// Apply executes an autoscaler decision: batch-create on scale-up,
// drain the idlest workers on scale-down.
func (m *Manager) Apply(ctx context.Context, decision models.ScaleDecision) error {
	switch decision.Action {
	case models.ScaleUp:
		_, err := m.CreateBatch(ctx, decision.Delta, models.RoleGeneric)
		return err
	case models.ScaleDown:
		drained := 0
		// Idle workers first; busy ones only if the delta demands it.
		for _, busyPass := range []bool{false, true} {
			for _, info := range m.Workers() {
				if drained >= decision.Delta {
					return nil
				}
				if info.State != models.AgentStateActive || info.Busy != busyPass {
					continue
				}
				if err := m.Drain(info.ID); err == nil {
					drained++
				}
			}
		}
		return nil
	default:
		return nil
	}
}

// StopAll drains the whole fleet, waits out the grace period, then
// force-terminates stragglers.
func (m *Manager) StopAll(ctx context.Context) {
	for _, info := range m.Workers() {
		_ = m.Drain(info.ID)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(m.cfg.GracefulShutdownTimeout):
	case <-ctx.Done():
	}

	for _, info := range m.Workers() {
		m.logger.Warn("Force terminating straggler", "worker_id", info.ID)
		_ = m.Terminate(ctx, info.ID)
	}
	m.wg.Wait()
}
