package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

// Pool exposes the live worker fleet to the dispatcher.
type Pool interface {
	Workers() []models.WorkerInfo
}

// dispatcher drives one subtask graph to completion: ready-queue
// scheduling, worker selection, retries with backoff, deadline
// enforcement, and transitive failure propagation. It is single
// threaded; all state transitions happen on its loop.
type dispatcher struct {
	id        string
	sessionID string

	subtasks map[int]*models.Subtask
	byCorr   map[string]int

	bus    *bus.Bus
	store  *store.Store // nil for sub-coordinators; their graphs are ephemeral
	pool   Pool
	allow  map[string]bool // worker id filter, nil = whole pool
	cfg    *config.DispatchConfig
	mesh   bool
	logger *slog.Logger

	// mu guards the graph state: the loop mutates it, queueStats and
	// Subtasks read it from other goroutines.
	mu sync.Mutex

	assigned        map[string]int   // worker id -> subtask id
	lastDispatchSeq map[int]int64    // subtask id -> seq of its live dispatch
	lastWorker      map[int]string   // subtask id -> previously tried worker
	notBefore       map[int]time.Time
	readyAt         map[int]time.Time
	waits           []time.Duration

	firstFailure string
	failedIDs    []int
}

func newDispatcher(id, sessionID string, subtasks []*models.Subtask, b *bus.Bus, st *store.Store, pool Pool, allow []string, cfg *config.DispatchConfig, mesh bool, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		id:              id,
		sessionID:       sessionID,
		subtasks:        make(map[int]*models.Subtask, len(subtasks)),
		byCorr:          make(map[string]int, len(subtasks)),
		bus:             b,
		store:           st,
		pool:            pool,
		cfg:             cfg,
		mesh:            mesh,
		logger:          logger,
		assigned:        make(map[string]int),
		lastDispatchSeq: make(map[int]int64),
		lastWorker:      make(map[int]string),
		notBefore:       make(map[int]time.Time),
		readyAt:         make(map[int]time.Time),
	}
	if allow != nil {
		d.allow = make(map[string]bool, len(allow))
		for _, id := range allow {
			d.allow[id] = true
		}
	}
	for _, st := range subtasks {
		d.subtasks[st.ID] = st
		d.byCorr[st.Correlation] = st.ID
	}
	return d
}

func (d *dispatcher) persist(ctx context.Context, st *models.Subtask) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveSubtask(ctx, st); err != nil {
		d.logger.Error("Failed to persist subtask", "subtask_id", st.ID, "error", err)
	}
}

// run drives the graph until every subtask is terminal. Messages that
// do not correlate to a subtask are handed to onForeign.
func (d *dispatcher) run(ctx context.Context, inbox <-chan models.Message, onForeign func(models.Message)) error {
	now := time.Now()
	d.promoteReady(ctx, now)
	d.dispatchReady(ctx, now)

	ticker := time.NewTicker(d.cfg.SchedulerTick)
	defer ticker.Stop()

	for !d.done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			if d.correlates(msg) {
				d.handleReply(ctx, msg)
				if err := d.bus.Ack(ctx, d.id, msg.Seq); err != nil {
					d.logger.Warn("Watermark ack failed", "seq", msg.Seq, "error", err)
				}
				now := time.Now()
				d.promoteReady(ctx, now)
				d.dispatchReady(ctx, now)
			} else if onForeign != nil {
				onForeign(msg)
			}
		case now := <-ticker.C:
			d.checkDeadlines(ctx, now)
			d.promoteReady(ctx, now)
			d.dispatchReady(ctx, now)
		}
	}
	return nil
}

func (d *dispatcher) correlates(msg models.Message) bool {
	if msg.Type != models.MessageTypeResponse && msg.Type != models.MessageTypeError {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, known := d.byCorr[msg.Correlation]
	return known
}

// promoteReady moves pending subtasks whose dependencies are all done
// to ready, and transitively fails those with a failed dependency.
func (d *dispatcher) promoteReady(ctx context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.subtasks {
		if st.State != models.SubtaskStatePending {
			continue
		}
		allDone := true
		for _, dep := range st.Deps {
			switch d.subtasks[dep].State {
			case models.SubtaskStateFailed:
				d.fail(ctx, st.ID, fmt.Sprintf("%v: subtask %d", models.ErrDependencyFailed, dep))
				allDone = false
			case models.SubtaskStateDone:
			default:
				allDone = false
			}
		}
		if allDone && st.State == models.SubtaskStatePending {
			st.State = models.SubtaskStateReady
			d.readyAt[st.ID] = now
			d.persist(ctx, st)
		}
	}
}

// readyQueue returns dispatchable subtasks ordered by (priority desc,
// id asc), skipping those still in retry backoff.
func (d *dispatcher) readyQueue(now time.Time) []*models.Subtask {
	var ready []*models.Subtask
	for _, st := range d.subtasks {
		if st.State != models.SubtaskStateReady {
			continue
		}
		if nb, ok := d.notBefore[st.ID]; ok && now.Before(nb) {
			continue
		}
		ready = append(ready, st)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (d *dispatcher) dispatchReady(ctx context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.readyQueue(now) {
		workerID, ok := d.selectWorker(st)
		if !ok {
			continue
		}
		d.dispatch(ctx, st, workerID, now)
	}
}

// selectWorker picks an idle live worker: role matches first, then any
// idle one, preferring a worker the subtask has not been tried on.
func (d *dispatcher) selectWorker(st *models.Subtask) (string, bool) {
	var idle []models.WorkerInfo
	for _, w := range d.pool.Workers() {
		if w.State != models.AgentStateActive || w.Busy {
			continue
		}
		if d.allow != nil && !d.allow[w.ID] {
			continue
		}
		if _, taken := d.assigned[w.ID]; taken {
			continue
		}
		idle = append(idle, w)
	}
	if len(idle) == 0 {
		return "", false
	}

	prev := d.lastWorker[st.ID]
	pick := func(match func(models.WorkerInfo) bool) (string, bool) {
		var fallback string
		for _, w := range idle {
			if !match(w) {
				continue
			}
			if w.ID != prev {
				return w.ID, true
			}
			fallback = w.ID
		}
		if fallback != "" {
			return fallback, true
		}
		return "", false
	}

	if st.Role != "" && st.Role != models.RoleGeneric {
		if id, ok := pick(func(w models.WorkerInfo) bool { return w.Role == st.Role }); ok {
			return id, true
		}
	}
	return pick(func(models.WorkerInfo) bool { return true })
}

func (d *dispatcher) dispatch(ctx context.Context, st *models.Subtask, workerID string, now time.Time) {
	assignment := models.SubtaskAssignment{
		SubtaskID: st.ID,
		SessionID: d.sessionID,
		Text:      st.Text,
		Role:      st.Role,
		Attempt:   st.Attempts,
	}
	if st.Deadline != nil {
		assignment.Deadline = st.Deadline.UnixNano()
	}

	seq, err := d.bus.Send(ctx, models.Message{
		SessionID:   d.sessionID,
		Sender:      d.id,
		Receiver:    workerID,
		Type:        models.MessageTypeSubtask,
		Correlation: st.Correlation,
		Payload:     assignment.Encode(),
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrBackpressure):
		// Deferred; retried at the next scheduling tick.
		d.logger.Warn("Dispatch deferred by backpressure", "subtask_id", st.ID, "worker_id", workerID)
		return
	case errors.Is(err, models.ErrDeadLetter):
		// The dead-letter reply arrives through the inbox and drives
		// the retry path; fall through and record the dispatch.
	default:
		d.logger.Error("Dispatch failed", "subtask_id", st.ID, "worker_id", workerID, "error", err)
		return
	}

	if at, ok := d.readyAt[st.ID]; ok {
		d.waits = append(d.waits, now.Sub(at))
		delete(d.readyAt, st.ID)
	}
	st.State = models.SubtaskStateInFlight
	st.AssignedTo = workerID
	st.Attempts++
	d.assigned[workerID] = st.ID
	d.lastDispatchSeq[st.ID] = seq
	d.lastWorker[st.ID] = workerID
	d.persist(ctx, st)
	d.logger.Info("Subtask dispatched", "subtask_id", st.ID, "worker_id", workerID, "attempt", st.Attempts)
}

func (d *dispatcher) handleReply(ctx context.Context, msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.byCorr[msg.Correlation]
	st := d.subtasks[id]

	// Replies to a superseded dispatch (a retried attempt, a timed-out
	// one) are dropped; at most one transition per subtask wins.
	if st.State != models.SubtaskStateInFlight || msg.Parent != d.lastDispatchSeq[id] {
		d.logger.Debug("Stale reply dropped", "subtask_id", id, "parent", msg.Parent)
		return
	}
	delete(d.assigned, st.AssignedTo)
	delete(d.lastDispatchSeq, id)

	if msg.Type == models.MessageTypeResponse {
		st.State = models.SubtaskStateDone
		st.Result = msg.Payload
		st.AssignedTo = ""
		d.persist(ctx, st)
		d.logger.Info("Subtask done", "subtask_id", id)
		if d.mesh {
			d.shareResult(ctx, msg)
		}
		return
	}

	// Error reply: retry with exponential backoff, preferring a
	// different worker, until the budget runs out.
	if st.Attempts <= d.cfg.MaxRetries {
		backoff := d.cfg.RetryBackoff << (st.Attempts - 1)
		if backoff > d.cfg.RetryBackoffMax {
			backoff = d.cfg.RetryBackoffMax
		}
		st.State = models.SubtaskStateReady
		st.AssignedTo = ""
		st.Error = msg.Payload
		d.notBefore[id] = time.Now().Add(backoff)
		d.readyAt[id] = time.Now()
		d.persist(ctx, st)
		d.logger.Warn("Subtask retrying", "subtask_id", id, "attempt", st.Attempts, "backoff", backoff, "error", msg.Payload)
		return
	}
	d.fail(ctx, id, msg.Payload)
}

// fail marks the subtask failed and cascades to every transitive
// dependent that has not already reached a terminal state.
func (d *dispatcher) fail(ctx context.Context, id int, reason string) {
	st := d.subtasks[id]
	if st.State.Terminal() {
		return
	}
	if st.AssignedTo != "" {
		delete(d.assigned, st.AssignedTo)
	}
	delete(d.lastDispatchSeq, id)
	st.State = models.SubtaskStateFailed
	st.Error = reason
	st.AssignedTo = ""
	d.persist(ctx, st)
	d.failedIDs = append(d.failedIDs, id)
	if d.firstFailure == "" {
		d.firstFailure = fmt.Sprintf("subtask %d: %s", id, reason)
	}
	d.logger.Warn("Subtask failed", "subtask_id", id, "reason", reason)

	for _, dep := range d.subtasks {
		for _, parent := range dep.Deps {
			if parent == id {
				d.fail(ctx, dep.ID, fmt.Sprintf("%v: subtask %d", models.ErrDependencyFailed, id))
			}
		}
	}
}

// checkDeadlines fails any non-terminal subtask whose deadline has
// elapsed.
func (d *dispatcher) checkDeadlines(ctx context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.subtasks {
		if st.State.Terminal() {
			continue
		}
		if st.DeadlineElapsed(now) {
			d.fail(ctx, st.ID, models.ErrTimeout.Error())
		}
	}
}

// shareResult forwards a worker's response to its mesh peers.
func (d *dispatcher) shareResult(ctx context.Context, msg models.Message) {
	for _, w := range d.pool.Workers() {
		if w.ID == msg.Sender || w.State != models.AgentStateActive {
			continue
		}
		if _, err := d.bus.Send(ctx, models.Message{
			SessionID:   d.sessionID,
			Sender:      d.id,
			Receiver:    w.ID,
			Type:        models.MessageTypeResponse,
			Correlation: msg.Correlation,
			Parent:      msg.Seq,
			Payload:     msg.Payload,
		}); err != nil {
			d.logger.Debug("Mesh share skipped", "worker_id", w.ID, "error", err)
		}
	}
}

func (d *dispatcher) done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.subtasks {
		if !st.State.Terminal() {
			return false
		}
	}
	return true
}

func (d *dispatcher) failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.failedIDs) > 0
}

// failureSummary is the user-visible error text: first failure plus
// the full list of failed subtask ids.
func (d *dispatcher) failureSummary() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := append([]int(nil), d.failedIDs...)
	sort.Ints(ids)
	return fmt.Sprintf("%s (failed subtasks: %v)", d.firstFailure, ids)
}

func (d *dispatcher) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subtasks)
}

// soleResult returns the single subtask's result; only meaningful when
// size() == 1.
func (d *dispatcher) soleResult() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.subtasks {
		return st.Result
	}
	return ""
}

// ordered returns the subtasks in id order.
func (d *dispatcher) ordered() []*models.Subtask {
	out := make([]*models.Subtask, 0, len(d.subtasks))
	for _, st := range d.subtasks {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// aggregate concatenates completed results in id order with role
// annotations.
func (d *dispatcher) aggregate() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b []byte
	for _, st := range d.ordered() {
		if st.State != models.SubtaskStateDone {
			continue
		}
		b = append(b, fmt.Sprintf("[%s] %s\n%s\n\n", st.Role, st.Text, st.Result)...)
	}
	return string(b)
}

// queueStats feeds the autoscaler: pending work, per-priority depth,
// and enqueue-to-dispatch waits.
func (d *dispatcher) queueStats(now time.Time) (pending int, byPriority map[int]int, avgWait, maxWait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byPriority = make(map[int]int)
	for _, st := range d.subtasks {
		if st.State == models.SubtaskStatePending || st.State == models.SubtaskStateReady {
			pending++
			byPriority[st.Priority]++
		}
	}
	waits := append([]time.Duration(nil), d.waits...)
	for id, at := range d.readyAt {
		if d.subtasks[id].State == models.SubtaskStateReady {
			waits = append(waits, now.Sub(at))
		}
	}
	var total time.Duration
	for _, w := range waits {
		total += w
		if w > maxWait {
			maxWait = w
		}
	}
	if len(waits) > 0 {
		avgWait = total / time.Duration(len(waits))
	}
	return pending, byPriority, avgWait, maxWait
}
