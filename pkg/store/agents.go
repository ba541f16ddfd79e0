package store

import (
	"context"
	"fmt"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

type agentRow struct {
	SessionID    string `db:"session_id"`
	ID           string `db:"id"`
	Role         string `db:"role"`
	State        string `db:"state"`
	CreatedAt    int64  `db:"created_at"`
	TerminatedAt *int64 `db:"terminated_at"`
}

func (r agentRow) toModel() models.AgentRecord {
	rec := models.AgentRecord{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      models.Role(r.Role),
		State:     models.AgentState(r.State),
		CreatedAt: r.CreatedAt,
	}
	if r.TerminatedAt != nil {
		rec.TerminatedAt = *r.TerminatedAt
	}
	return rec
}

// SaveAgent upserts an agent record; state transitions update in place.
func (s *Store) SaveAgent(ctx context.Context, rec models.AgentRecord) error {
	var terminatedAt any
	if rec.TerminatedAt != 0 {
		terminatedAt = rec.TerminatedAt
	}
	query := s.client.DB().Rebind(`
		INSERT INTO agents (session_id, id, role, state, created_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			state = excluded.state,
			terminated_at = excluded.terminated_at`)
	_, err := s.client.DB().ExecContext(ctx, query,
		rec.SessionID, rec.ID, string(rec.Role), string(rec.State), rec.CreatedAt, terminatedAt)
	if err != nil {
		return fmt.Errorf("%w: save agent %s: %v", models.ErrStorage, rec.ID, err)
	}
	return nil
}

// AgentIDs returns every distinct agent identity ever recorded,
// across all sessions.
func (s *Store) AgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.client.DB().SelectContext(ctx, &ids, "SELECT DISTINCT id FROM agents")
	if err != nil {
		return nil, fmt.Errorf("%w: agent ids: %v", models.ErrStorage, err)
	}
	return ids, nil
}

// ListAgents returns the session's agent records in creation order.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]models.AgentRecord, error) {
	var rows []agentRow
	err := s.client.DB().SelectContext(ctx, &rows,
		s.client.DB().Rebind("SELECT * FROM agents WHERE session_id = ? ORDER BY created_at ASC"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", models.ErrStorage, err)
	}
	records := make([]models.AgentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toModel())
	}
	return records, nil
}
