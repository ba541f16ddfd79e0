// Package bus implements in-process message routing between agents.
// Each registered agent owns one bounded inbox; every delivered
// message is first committed to the durable message log, so inboxes
// can be rebuilt from the log after a restart.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/msglog"
)

// BusSender is the system identity used on synthesized messages.
const BusSender = "bus"

type entry struct {
	inbox      chan models.Message
	terminated bool
}

// Bus routes messages to agent inboxes by receiver id.
type Bus struct {
	log    *msglog.Log
	logger *slog.Logger

	capacity    int
	sendTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a bus routing through the given message log.
func New(log *msglog.Log, cfg *config.DispatchConfig, logger *slog.Logger) *Bus {
	return &Bus{
		log:         log,
		logger:      logger.With("component", "bus"),
		capacity:    cfg.InboxCapacity,
		sendTimeout: cfg.SendTimeout,
		entries:     make(map[string]*entry),
	}
}

// Register allocates a bounded inbox for the agent and returns its
// receive side. Re-registering a live identity fails with
// ErrDuplicateIdentity; a terminated identity is replaced.
func (b *Bus) Register(agentID string) (<-chan models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.entries[agentID]; ok && !prev.terminated {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateIdentity, agentID)
	}
	e := &entry{inbox: make(chan models.Message, b.capacity)}
	b.entries[agentID] = e
	b.logger.Debug("Agent registered", "agent_id", agentID)
	return e.inbox, nil
}

// MarkTerminated stops delivery to the agent. Later sends to it
// dead-letter; its identity becomes reusable.
func (b *Bus) MarkTerminated(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[agentID]; ok {
		e.terminated = true
	}
}

// Deregister removes the agent entirely and retires its log
// watermark so the retired identity no longer bounds pruning.
func (b *Bus) Deregister(agentID string) {
	b.mu.Lock()
	delete(b.entries, agentID)
	b.mu.Unlock()
	if err := b.log.DropWatermark(context.Background(), agentID); err != nil {
		b.logger.Warn("Failed to retire watermark", "agent_id", agentID, "error", err)
	}
	b.logger.Debug("Agent deregistered", "agent_id", agentID)
}

// DropWatermark retires a watermark without a live registration, e.g.
// for a worker recorded by a previous process that never came back.
func (b *Bus) DropWatermark(ctx context.Context, agentID string) error {
	return b.log.DropWatermark(ctx, agentID)
}

// Members returns the ids of live (non-terminated) registrations.
func (b *Bus) Members() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := make([]string, 0, len(b.entries))
	for id, e := range b.entries {
		if !e.terminated {
			members = append(members, id)
		}
	}
	return members
}

func (b *Bus) lookup(agentID string) (*entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[agentID]
	if !ok || e.terminated {
		return nil, false
	}
	return e, true
}

// Send commits the message to the log, then enqueues it to the
// receiver's inbox. A missing or terminated receiver produces a
// dead-letter error message back to the sender and ErrDeadLetter. A
// full inbox blocks up to the send timeout, then ErrBackpressure; the
// logged copy is redelivered by replay or by the caller's retry, and
// receivers dedupe on message identity.
func (b *Bus) Send(ctx context.Context, msg models.Message) (int64, error) {
	seq, err := b.log.Append(ctx, msg)
	if err != nil {
		return 0, err
	}
	msg.Seq = seq

	e, ok := b.lookup(msg.Receiver)
	if !ok {
		b.deadLetter(ctx, msg)
		return seq, fmt.Errorf("%w: receiver %s", models.ErrDeadLetter, msg.Receiver)
	}

	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()
	select {
	case e.inbox <- msg:
		return seq, nil
	case <-timer.C:
		b.logger.Warn("Inbox full", "receiver", msg.Receiver, "seq", seq)
		return seq, fmt.Errorf("%w: inbox of %s full after %s", models.ErrBackpressure, msg.Receiver, b.sendTimeout)
	case <-ctx.Done():
		return seq, ctx.Err()
	}
}

// deadLetter synthesizes an error message to the original sender,
// preserving the correlation so the caller can fail the right subtask.
func (b *Bus) deadLetter(ctx context.Context, original models.Message) {
	dl := models.Message{
		SessionID:   original.SessionID,
		Sender:      BusSender,
		Receiver:    original.Sender,
		Type:        models.MessageTypeError,
		Correlation: original.Correlation,
		Parent:      original.Seq,
		Payload:     fmt.Sprintf("dead-letter: receiver %s missing or terminated", original.Receiver),
	}
	seq, err := b.log.Append(ctx, dl)
	if err != nil {
		b.logger.Error("Dead-letter append failed", "receiver", original.Receiver, "error", err)
		return
	}
	dl.Seq = seq

	if e, ok := b.lookup(original.Sender); ok {
		select {
		case e.inbox <- dl:
		default:
			// Sender inbox full; the logged copy is picked up by replay.
			b.logger.Warn("Dead-letter dropped from inbox", "sender", original.Sender, "seq", seq)
		}
	}
}

// Broadcast enqueues one copy of the payload per live registration.
// Membership is captured at the instant of the call. Returns the
// number of successful deliveries.
func (b *Bus) Broadcast(ctx context.Context, sender string, msgType models.MessageType, payload string) (int, error) {
	members := b.Members()
	delivered := 0
	var firstErr error
	for _, id := range members {
		if id == sender {
			continue
		}
		_, err := b.Send(ctx, models.Message{
			Sender:   sender,
			Receiver: id,
			Type:     msgType,
			Payload:  payload,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

// ReplayPending reloads the agent's unacknowledged messages from the
// log into its inbox. Called after Register on restart, before the
// agent's runtime starts consuming.
func (b *Bus) ReplayPending(ctx context.Context, agentID string) (int, error) {
	pending, err := b.log.PendingFor(ctx, agentID)
	if err != nil {
		return 0, err
	}
	e, ok := b.lookup(agentID)
	if !ok {
		return 0, fmt.Errorf("%w: receiver %s", models.ErrDeadLetter, agentID)
	}
	replayed := 0
	for _, msg := range pending {
		select {
		case e.inbox <- msg:
			replayed++
		default:
			return replayed, fmt.Errorf("%w: inbox of %s full during replay", models.ErrBackpressure, agentID)
		}
	}
	if replayed > 0 {
		b.logger.Info("Replayed pending messages", "agent_id", agentID, "count", replayed)
	}
	return replayed, nil
}

// Ack advances the agent's log watermark after it has processed a
// message. Lazy persistence: missing an ack only causes reprocessing.
func (b *Bus) Ack(ctx context.Context, agentID string, seq int64) error {
	return b.log.Ack(ctx, agentID, seq)
}
