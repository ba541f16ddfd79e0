// Package msglog implements the durable, append-only message log. A
// single writer goroutine serializes appends and assigns monotone
// sequence numbers; reads go straight to the database and are never
// blocked by the writer.
package msglog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("message log closed")

// Filter narrows a Read. Zero values mean "no constraint" (Limit 0 =
// unlimited).
type Filter struct {
	FromSeq     int64 // exclusive lower bound
	Limit       int
	Receiver    string
	Correlation string
}

type appendResult struct {
	seq int64
	err error
}

type appendReq struct {
	ctx   context.Context
	msg   models.Message
	reply chan appendResult
}

// Log is the process-wide message log shared by all sessions.
type Log struct {
	client *database.Client
	logger *slog.Logger

	appendCh chan appendReq
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type messageRow struct {
	Seq         int64  `db:"seq"`
	SessionID   string `db:"session_id"`
	Sender      string `db:"sender"`
	Receiver    string `db:"receiver"`
	Type        string `db:"type"`
	Correlation string `db:"correlation"`
	Parent      int64  `db:"parent"`
	Payload     string `db:"payload"`
	CreatedAt   int64  `db:"created_at"`
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		Seq:         r.Seq,
		SessionID:   r.SessionID,
		Sender:      r.Sender,
		Receiver:    r.Receiver,
		Type:        models.MessageType(r.Type),
		Correlation: r.Correlation,
		Parent:      r.Parent,
		Payload:     r.Payload,
		CreatedAt:   time.Unix(0, r.CreatedAt),
	}
}

// New scans the messages table for the highest committed sequence and
// starts the writer goroutine.
func New(ctx context.Context, client *database.Client, logger *slog.Logger) (*Log, error) {
	var maxSeq int64
	err := client.DB().GetContext(ctx, &maxSeq,
		"SELECT COALESCE(MAX(seq), 0) FROM messages")
	if err != nil {
		return nil, fmt.Errorf("failed to scan message log tail: %w", err)
	}

	l := &Log{
		client:   client,
		logger:   logger.With("component", "msglog"),
		appendCh: make(chan appendReq),
		stopCh:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.writeLoop(maxSeq)

	l.logger.Info("Message log started", "next_seq", maxSeq+1)
	return l, nil
}

// Close stops the writer. In-flight appends complete; later appends
// fail with ErrClosed.
func (l *Log) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// writeLoop owns nextSeq. Requests are handled one at a time so a
// reader never observes a gap below the maximum committed sequence.
func (l *Log) writeLoop(lastSeq int64) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case req := <-l.appendCh:
			seq := lastSeq + 1
			err := l.insert(req.ctx, seq, req.msg)
			if err == nil {
				lastSeq = seq
			}
			req.reply <- appendResult{seq: seq, err: err}
		}
	}
}

func (l *Log) insert(ctx context.Context, seq int64, msg models.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := l.client.DB().Rebind(`
		INSERT INTO messages (seq, session_id, sender, receiver, type, correlation, parent, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := l.client.DB().ExecContext(ctx, query,
		seq, msg.SessionID, msg.Sender, msg.Receiver, string(msg.Type),
		msg.Correlation, msg.Parent, msg.Payload, createdAt.UnixNano())
	if err != nil {
		l.logger.Error("Message append failed", "seq", seq, "receiver", msg.Receiver, "error", err)
		return fmt.Errorf("%w: append seq %d: %v", models.ErrStorage, seq, err)
	}
	return nil
}

// Append durably commits the message and returns its sequence number.
// Failures wrap models.ErrStorage and are retryable by the caller.
func (l *Log) Append(ctx context.Context, msg models.Message) (int64, error) {
	req := appendReq{ctx: ctx, msg: msg, reply: make(chan appendResult, 1)}
	select {
	case l.appendCh <- req:
	case <-l.stopCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	res := <-req.reply
	return res.seq, res.err
}

// Read returns committed messages above f.FromSeq in sequence order.
func (l *Log) Read(ctx context.Context, f Filter) ([]models.Message, error) {
	query := "SELECT seq, session_id, sender, receiver, type, correlation, parent, payload, created_at FROM messages WHERE seq > ?"
	args := []any{f.FromSeq}
	if f.Receiver != "" {
		query += " AND receiver = ?"
		args = append(args, f.Receiver)
	}
	if f.Correlation != "" {
		query += " AND correlation = ?"
		args = append(args, f.Correlation)
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []messageRow
	err := l.client.DB().SelectContext(ctx, &rows, l.client.DB().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read message log: %w", err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

// Prune removes records at or below upToSeq. Callers are responsible
// for only pruning below every live consumer's watermark.
func (l *Log) Prune(ctx context.Context, upToSeq int64) (int64, error) {
	res, err := l.client.DB().ExecContext(ctx,
		l.client.DB().Rebind("DELETE FROM messages WHERE seq <= ?"), upToSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to prune message log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("Pruned message log", "up_to_seq", upToSeq, "removed", n)
	}
	return n, nil
}

// Watermark returns the last acknowledged sequence for a receiver,
// zero if the receiver has never acknowledged.
func (l *Log) Watermark(ctx context.Context, receiver string) (int64, error) {
	var seq int64
	err := l.client.DB().GetContext(ctx, &seq,
		l.client.DB().Rebind("SELECT seq FROM watermarks WHERE receiver = ?"), receiver)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", receiver, err)
	}
	return seq, nil
}

// Ack advances the receiver's watermark. Regressions are ignored so a
// late acknowledgement can never rewind replay.
func (l *Log) Ack(ctx context.Context, receiver string, seq int64) error {
	query := l.client.DB().Rebind(`
		INSERT INTO watermarks (receiver, seq) VALUES (?, ?)
		ON CONFLICT (receiver) DO UPDATE SET seq = excluded.seq
		WHERE excluded.seq > watermarks.seq`)
	_, err := l.client.DB().ExecContext(ctx, query, receiver, seq)
	if err != nil {
		return fmt.Errorf("failed to ack watermark for %s: %w", receiver, err)
	}
	return nil
}

// PendingFor returns the receiver's unacknowledged messages in
// sequence order. Used to rebuild inboxes on restart.
func (l *Log) PendingFor(ctx context.Context, receiver string) ([]models.Message, error) {
	wm, err := l.Watermark(ctx, receiver)
	if err != nil {
		return nil, err
	}
	return l.Read(ctx, Filter{FromSeq: wm, Receiver: receiver})
}

// DropWatermark removes the receiver's watermark row. Retired
// identities must not bound MinWatermark forever.
func (l *Log) DropWatermark(ctx context.Context, receiver string) error {
	_, err := l.client.DB().ExecContext(ctx,
		l.client.DB().Rebind("DELETE FROM watermarks WHERE receiver = ?"), receiver)
	if err != nil {
		return fmt.Errorf("failed to drop watermark for %s: %w", receiver, err)
	}
	return nil
}

// MinWatermark returns the smallest watermark across all receivers,
// zero when none exist. Cleanup prunes at or below this bound.
func (l *Log) MinWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.client.DB().GetContext(ctx, &seq, "SELECT MIN(seq) FROM watermarks")
	if err != nil {
		return 0, fmt.Errorf("failed to read minimum watermark: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
