// Package worker implements a single agent's event loop: receive a
// subtask, build a role-tagged prompt, call the LLM backend, reply.
// One LLM call is in flight per worker; cancellation is observed
// between messages, never during a backend call.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/roles"
)

// Worker is one long-running agent runtime.
type Worker struct {
	id    string
	role  models.Role
	model string

	inbox  <-chan models.Message
	bus    *bus.Bus
	client llm.Client
	cfg    *config.WorkerConfig
	logger *slog.Logger

	mu             sync.Mutex
	state          models.AgentState
	busy           bool
	currentSubtask int
	currentMsg     models.Message
	processed      int
	lastActivity   time.Time
	seen           map[string]bool

	done chan struct{}
}

// New constructs a worker in the creating state. The manager drives
// creating → registering → active before calling Run.
func New(id string, role models.Role, model string, inbox <-chan models.Message, b *bus.Bus, client llm.Client, cfg *config.WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		role:         role,
		model:        model,
		inbox:        inbox,
		bus:          b,
		client:       client,
		cfg:          cfg,
		logger:       logger.With("component", "worker", "worker_id", id, "role", role),
		state:        models.AgentStateCreating,
		lastActivity: time.Now(),
		seen:         make(map[string]bool),
		done:         make(chan struct{}),
	}
}

// ID returns the worker's agent identity.
func (w *Worker) ID() string { return w.id }

// Role returns the worker's role tag.
func (w *Worker) Role() models.Role { return w.role }

// State returns the current lifecycle state.
func (w *Worker) State() models.AgentState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState applies a lifecycle transition, rejecting invalid edges.
func (w *Worker) SetState(to models.AgentState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := models.ValidateTransition(w.state, to); err != nil {
		return err
	}
	w.logger.Debug("Worker state transition", "from", w.state, "to", to)
	w.state = to
	return nil
}

// Drain asks the worker to finish in-flight work and exit. Idempotent;
// a no-op unless the worker is active.
func (w *Worker) Drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == models.AgentStateActive {
		w.state = models.AgentStateDraining
		w.logger.Info("Worker draining")
	}
}

// Info snapshots the worker for fleet reporting.
func (w *Worker) Info() models.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := models.WorkerInfo{
		ID:           w.id,
		Role:         w.role,
		State:        w.state,
		Busy:         w.busy,
		Processed:    w.processed,
		LastActivity: w.lastActivity,
	}
	if w.busy {
		info.CurrentSubtask = w.currentSubtask
	}
	return info
}

// Current returns the in-flight dispatch message, if any. The manager
// uses it to fail in-flight work back to the requester on forced
// termination.
func (w *Worker) Current() (models.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentMsg, w.busy
}

// Done is closed when the runtime loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run drains the inbox until terminated. It blocks; the manager runs
// it on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if !w.state.Terminal() {
			w.state = models.AgentStateTerminated
		}
		w.mu.Unlock()
		w.logger.Info("Worker stopped", "processed", w.processedCount())
	}()

	w.logger.Info("Worker started", "model", w.model)
	for {
		if w.State().Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		case <-time.After(w.cfg.PollInterval):
			// Draining completes once the inbox has gone quiet and no
			// work is in flight.
			if w.State() == models.AgentStateDraining && !w.isBusy() && len(w.inbox) == 0 {
				return
			}
		}
	}
}

func (w *Worker) isBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func (w *Worker) processedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed
}

func (w *Worker) handle(ctx context.Context, msg models.Message) {
	defer func() {
		if err := w.bus.Ack(ctx, w.id, msg.Seq); err != nil {
			w.logger.Warn("Watermark ack failed", "seq", msg.Seq, "error", err)
		}
	}()

	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	switch msg.Type {
	case models.MessageTypeControl:
		if msg.Payload == models.ControlShutdown {
			w.Drain()
		}
	case models.MessageTypeSubtask:
		w.handleSubtask(ctx, msg)
	default:
		// Mesh peers may exchange responses; nothing to do with them
		// beyond acknowledging.
		w.logger.Debug("Ignoring message", "type", msg.Type, "seq", msg.Seq)
	}
}

func (w *Worker) handleSubtask(ctx context.Context, msg models.Message) {
	assignment, err := models.DecodeSubtaskAssignment(msg.Payload)
	if err != nil {
		w.replyError(ctx, msg, fmt.Sprintf("malformed subtask payload: %v", err))
		return
	}

	// At-least-once delivery: replays of an already-answered attempt
	// are dropped, the original reply is in the log.
	key := fmt.Sprintf("%s#%d", msg.Correlation, assignment.Attempt)
	w.mu.Lock()
	if w.seen[key] {
		w.mu.Unlock()
		w.logger.Debug("Duplicate subtask delivery dropped", "correlation", msg.Correlation, "attempt", assignment.Attempt)
		return
	}
	if w.state != models.AgentStateActive {
		w.mu.Unlock()
		w.replyError(ctx, msg, "worker draining, subtask refused")
		return
	}
	w.seen[key] = true
	w.busy = true
	w.currentSubtask = assignment.SubtaskID
	w.currentMsg = msg
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.currentMsg = models.Message{}
		w.processed++
		w.lastActivity = time.Now()
		w.mu.Unlock()
	}()

	w.logger.Info("Processing subtask", "subtask_id", assignment.SubtaskID, "attempt", assignment.Attempt)

	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: roles.PromptPrefix(w.role)},
		{Role: llm.RoleUser, Content: assignment.Text},
	}
	text, err := w.client.Chat(ctx, w.model, messages)
	if err != nil {
		w.replyError(ctx, msg, fmt.Sprintf("backend call failed: %v", err))
		return
	}

	if path, ok := extractSaveDirective(assignment.Text); ok {
		if err := w.saveArtifact(path, text); err != nil {
			w.replyError(ctx, msg, fmt.Sprintf("file save failed: %v", err))
			return
		}
	}

	w.reply(ctx, msg, models.MessageTypeResponse, text)
}

func (w *Worker) replyError(ctx context.Context, msg models.Message, reason string) {
	w.logger.Warn("Subtask failed", "correlation", msg.Correlation, "reason", reason)
	w.reply(ctx, msg, models.MessageTypeError, reason)
}

func (w *Worker) reply(ctx context.Context, msg models.Message, msgType models.MessageType, payload string) {
	_, err := w.bus.Send(ctx, models.Message{
		SessionID:   msg.SessionID,
		Sender:      w.id,
		Receiver:    msg.Sender,
		Type:        msgType,
		Correlation: msg.Correlation,
		Parent:      msg.Seq,
		Payload:     payload,
	})
	if err != nil {
		w.logger.Error("Reply failed", "receiver", msg.Sender, "correlation", msg.Correlation, "error", err)
	}
}
