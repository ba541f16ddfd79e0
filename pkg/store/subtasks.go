package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

type subtaskRow struct {
	SessionID   string        `db:"session_id"`
	ID          int           `db:"id"`
	Text        string        `db:"text"`
	Role        string        `db:"role"`
	Priority    int           `db:"priority"`
	State       string        `db:"state"`
	Deps        string        `db:"deps"`
	AssignedTo  string        `db:"assigned_to"`
	Result      string        `db:"result"`
	Error       string        `db:"error"`
	Attempts    int           `db:"attempts"`
	Correlation string        `db:"correlation"`
	Deadline    sql.NullInt64 `db:"deadline"`
}

func (r subtaskRow) toModel() (*models.Subtask, error) {
	var deps []int
	if err := json.Unmarshal([]byte(r.Deps), &deps); err != nil {
		return nil, fmt.Errorf("failed to decode deps for subtask %d: %w", r.ID, err)
	}
	st := &models.Subtask{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Text:        r.Text,
		Role:        models.Role(r.Role),
		Priority:    r.Priority,
		State:       models.SubtaskState(r.State),
		Deps:        deps,
		AssignedTo:  r.AssignedTo,
		Result:      r.Result,
		Error:       r.Error,
		Attempts:    r.Attempts,
		Correlation: r.Correlation,
	}
	if r.Deadline.Valid {
		deadline := time.Unix(0, r.Deadline.Int64)
		st.Deadline = &deadline
	}
	return st, nil
}

// SaveSubtask upserts one subtask. Used both for the initial graph
// insert and for every state transition.
func (s *Store) SaveSubtask(ctx context.Context, st *models.Subtask) error {
	deps := st.Deps
	if deps == nil {
		deps = []int{}
	}
	depsJSON, _ := json.Marshal(deps)
	var deadline any
	if st.Deadline != nil {
		deadline = st.Deadline.UnixNano()
	}
	query := s.client.DB().Rebind(`
		INSERT INTO subtasks (session_id, id, text, role, priority, state, deps, assigned_to, result, error, attempts, correlation, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			state = excluded.state,
			assigned_to = excluded.assigned_to,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			correlation = excluded.correlation,
			deadline = excluded.deadline`)
	_, err := s.client.DB().ExecContext(ctx, query,
		st.SessionID, st.ID, st.Text, string(st.Role), st.Priority, string(st.State),
		string(depsJSON), st.AssignedTo, st.Result, st.Error, st.Attempts, st.Correlation, deadline)
	if err != nil {
		return fmt.Errorf("%w: save subtask %d: %v", models.ErrStorage, st.ID, err)
	}
	return nil
}

// ListSubtasks returns the session's subtasks in id order.
func (s *Store) ListSubtasks(ctx context.Context, sessionID string) ([]*models.Subtask, error) {
	var rows []subtaskRow
	err := s.client.DB().SelectContext(ctx, &rows,
		s.client.DB().Rebind("SELECT * FROM subtasks WHERE session_id = ? ORDER BY id ASC"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list subtasks: %v", models.ErrStorage, err)
	}
	subtasks := make([]*models.Subtask, 0, len(rows))
	for _, row := range rows {
		st, err := row.toModel()
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

// SubtaskByCorrelation resolves a reply's correlation id back to its
// subtask.
func (s *Store) SubtaskByCorrelation(ctx context.Context, correlation string) (*models.Subtask, error) {
	var row subtaskRow
	err := s.client.DB().GetContext(ctx, &row,
		s.client.DB().Rebind("SELECT * FROM subtasks WHERE correlation = ?"), correlation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: correlation %s", ErrNotFound, correlation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: subtask by correlation: %v", models.ErrStorage, err)
	}
	return row.toModel()
}

// ReleaseOrphanedSubtasks demotes in-flight subtasks whose assigned
// worker is not in the live set back to ready. Returns how many were
// released.
func (s *Store) ReleaseOrphanedSubtasks(ctx context.Context, sessionID string, live map[string]bool) (int, error) {
	subtasks, err := s.ListSubtasks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, st := range subtasks {
		if st.State != models.SubtaskStateInFlight || live[st.AssignedTo] {
			continue
		}
		st.State = models.SubtaskStateReady
		st.AssignedTo = ""
		if err := s.SaveSubtask(ctx, st); err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		s.logger.Info("Released orphaned subtasks", "session_id", sessionID, "count", released)
	}
	return released, nil
}
