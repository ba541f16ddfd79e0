package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

// SubCoordinator is the middle tier of the hierarchical architecture.
// The queen dispatches root subtasks to it like to a worker; it
// further decomposes each one and drives the pieces over its own
// partition of the worker fleet, replying with the combined result.
type SubCoordinator struct {
	id        string
	sessionID string

	bus    *bus.Bus
	client llm.Client
	model  string
	cfg    *config.DispatchConfig
	pool   Pool
	logger *slog.Logger

	inbox <-chan models.Message

	mu           sync.Mutex
	busy         bool
	processed    int
	lastActivity time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSub registers the sub-coordinator on the bus.
func NewSub(id, sessionID string, b *bus.Bus, client llm.Client, model string, cfg *config.DispatchConfig, pool Pool, logger *slog.Logger) (*SubCoordinator, error) {
	inbox, err := b.Register(id)
	if err != nil {
		return nil, err
	}
	return &SubCoordinator{
		id:           id,
		sessionID:    sessionID,
		bus:          b,
		client:       client,
		model:        model,
		cfg:          cfg,
		pool:         pool,
		logger:       logger.With("component", "subqueen", "subqueen_id", id),
		inbox:        inbox,
		lastActivity: time.Now(),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Stop asks the loop to exit after the current subtask.
func (s *SubCoordinator) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Info presents the sub-coordinator as a dispatchable pool member for
// the queen.
func (s *SubCoordinator) Info() models.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.WorkerInfo{
		ID:           s.id,
		Role:         models.RoleGeneric,
		State:        models.AgentStateActive,
		Busy:         s.busy,
		Processed:    s.processed,
		LastActivity: s.lastActivity,
	}
}

// Run processes root subtasks one at a time until stopped.
func (s *SubCoordinator) Run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.bus.MarkTerminated(s.id)
		s.bus.Deregister(s.id)
	}()

	// Replies belonging to the in-flight subtask are consumed by its
	// dispatcher; fresh root subtasks arriving meanwhile land here.
	var backlog []models.Message
	for {
		var msg models.Message
		if len(backlog) > 0 {
			msg, backlog = backlog[0], backlog[1:]
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case msg = <-s.inbox:
			}
		}

		switch msg.Type {
		case models.MessageTypeControl:
			if msg.Payload == models.ControlShutdown {
				return
			}
		case models.MessageTypeSubtask:
			backlog = append(backlog, s.process(ctx, msg)...)
		}
	}
}

// process runs one root subtask through decompose-dispatch-aggregate
// and replies to the queen. Returns subtask messages that arrived for
// later processing.
func (s *SubCoordinator) process(ctx context.Context, msg models.Message) []models.Message {
	assignment, err := models.DecodeSubtaskAssignment(msg.Payload)
	if err != nil {
		s.reply(ctx, msg, models.MessageTypeError, fmt.Sprintf("malformed subtask payload: %v", err))
		return nil
	}

	s.setBusy(true)
	defer s.setBusy(false)
	s.logger.Info("Processing root subtask", "subtask_id", assignment.SubtaskID)

	subtasks, _, err := decompose(ctx, s.client, s.model, s.sessionID, assignment.Text, s.cfg.SubtaskDeadline)
	if err != nil {
		s.reply(ctx, msg, models.MessageTypeError, fmt.Sprintf("decomposition failed: %v", err))
		return nil
	}

	var backlog []models.Message
	disp := newDispatcher(s.id, s.sessionID, subtasks, s.bus, nil, s.pool, nil, s.cfg, false, s.logger)
	err = disp.run(ctx, s.inbox, func(foreign models.Message) {
		if foreign.Type == models.MessageTypeSubtask {
			backlog = append(backlog, foreign)
		}
	})
	if err != nil {
		return backlog
	}

	if disp.failed() {
		s.reply(ctx, msg, models.MessageTypeError, disp.failureSummary())
		return backlog
	}
	result := disp.aggregate()
	if disp.size() == 1 {
		result = disp.soleResult()
	}
	s.reply(ctx, msg, models.MessageTypeResponse, result)
	return backlog
}

func (s *SubCoordinator) setBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
	s.lastActivity = time.Now()
	if !busy {
		s.processed++
	}
}

func (s *SubCoordinator) reply(ctx context.Context, msg models.Message, msgType models.MessageType, payload string) {
	_, err := s.bus.Send(ctx, models.Message{
		SessionID:   msg.SessionID,
		Sender:      s.id,
		Receiver:    msg.Sender,
		Type:        msgType,
		Correlation: msg.Correlation,
		Parent:      msg.Seq,
		Payload:     payload,
	})
	if err != nil {
		s.logger.Error("Reply failed", "receiver", msg.Sender, "error", err)
	}
}

// partitionPool restricts a pool to the workers hashed to one of M
// partitions, so sub-coordinators never contend for the same worker.
type partitionPool struct {
	pool  Pool
	index int
	of    int
}

func (p *partitionPool) Workers() []models.WorkerInfo {
	var out []models.WorkerInfo
	for _, w := range p.pool.Workers() {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w.ID))
		if int(h.Sum32())%p.of == p.index {
			out = append(out, w)
		}
	}
	return out
}

// subqueenPool presents the sub-coordinators as the queen's fleet.
type subqueenPool struct {
	subs []*SubCoordinator
}

func (p *subqueenPool) Workers() []models.WorkerInfo {
	out := make([]models.WorkerInfo, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub.Info())
	}
	return out
}
