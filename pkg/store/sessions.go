package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

type sessionRow struct {
	ID           string        `db:"id"`
	Task         string        `db:"task"`
	Status       string        `db:"status"`
	Architecture string        `db:"architecture"`
	Result       string        `db:"result"`
	Error        string        `db:"error"`
	Warnings     string        `db:"warnings"`
	Version      int64         `db:"version"`
	CreatedAt    int64         `db:"created_at"`
	LastActivity int64         `db:"last_activity_at"`
	SealedAt     sql.NullInt64 `db:"sealed_at"`
}

func (r sessionRow) toModel() (*models.Session, error) {
	var warnings []string
	if err := json.Unmarshal([]byte(r.Warnings), &warnings); err != nil {
		return nil, fmt.Errorf("failed to decode warnings for session %s: %w", r.ID, err)
	}
	s := &models.Session{
		ID:           r.ID,
		Task:         r.Task,
		Status:       models.SessionStatus(r.Status),
		Architecture: models.Architecture(r.Architecture),
		Result:       r.Result,
		Error:        r.Error,
		Warnings:     warnings,
		Version:      r.Version,
		CreatedAt:    time.Unix(0, r.CreatedAt),
		LastActivity: time.Unix(0, r.LastActivity),
	}
	if r.SealedAt.Valid {
		sealed := time.Unix(0, r.SealedAt.Int64)
		s.SealedAt = &sealed
	}
	return s, nil
}

func encodeWarnings(warnings []string) string {
	if warnings == nil {
		warnings = []string{}
	}
	b, _ := json.Marshal(warnings)
	return string(b)
}

// CreateSession allocates a new running session for the task.
func (s *Store) CreateSession(ctx context.Context, task string, arch models.Architecture) (*models.Session, error) {
	session := &models.Session{
		ID:           uuid.NewString(),
		Task:         task,
		Status:       models.SessionStatusRunning,
		Architecture: arch,
		Warnings:     []string{},
		Version:      1,
		CreatedAt:    time.Now(),
	}
	session.LastActivity = session.CreatedAt
	query := s.client.DB().Rebind(`
		INSERT INTO sessions (id, task, status, architecture, result, error, warnings, version, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, '', '', '[]', 1, ?, ?)`)
	_, err := s.client.DB().ExecContext(ctx, query,
		session.ID, task, string(session.Status), string(arch),
		session.CreatedAt.UnixNano(), session.LastActivity.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", models.ErrStorage, err)
	}
	s.logger.Info("Session created", "session_id", session.ID, "architecture", arch)
	return session, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.client.DB().GetContext(ctx, &row,
		s.client.DB().Rebind("SELECT * FROM sessions WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", models.ErrStorage, err)
	}
	return row.toModel()
}

// ListSessions returns sessions newest first, optionally filtered by
// status.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	query := "SELECT * FROM sessions"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	var rows []sessionRow
	err := s.client.DB().SelectContext(ctx, &rows, s.client.DB().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", models.ErrStorage, err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		session, err := row.toModel()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// ActiveSessions returns the non-terminal sessions, oldest first, for
// restart reactivation.
func (s *Store) ActiveSessions(ctx context.Context) ([]*models.Session, error) {
	var rows []sessionRow
	err := s.client.DB().SelectContext(ctx, &rows,
		s.client.DB().Rebind("SELECT * FROM sessions WHERE status = ? ORDER BY created_at ASC"),
		string(models.SessionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("%w: list active sessions: %v", models.ErrStorage, err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		session, err := row.toModel()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// UpdateSession writes mutable session fields with a compare-and-swap
// on the version column. On success the in-memory version is bumped;
// a stale version fails with ErrVersionConflict and a sealed session
// with ErrSessionSealed.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	var sealedAt any
	if session.SealedAt != nil {
		sealedAt = session.SealedAt.UnixNano()
	}
	// Only running sessions accept writes; sealing is itself a write
	// from the running state.
	query := s.client.DB().Rebind(`
		UPDATE sessions
		SET status = ?, result = ?, error = ?, warnings = ?, sealed_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?`)
	res, err := s.client.DB().ExecContext(ctx, query,
		string(session.Status), session.Result, session.Error, encodeWarnings(session.Warnings),
		sealedAt, session.ID, session.Version, string(models.SessionStatusRunning))
	if err != nil {
		return fmt.Errorf("%w: update session: %v", models.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		current, err := s.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: session %s", models.ErrSessionSealed, session.ID)
		}
		return fmt.Errorf("%w: session %s at version %d", models.ErrVersionConflict, session.ID, session.Version)
	}
	session.Version++
	return nil
}

// TouchSession stamps the session heartbeat. Deliberately outside the
// CAS protocol; a heartbeat never bumps the version and never touches
// sealed sessions.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	query := s.client.DB().Rebind(`
		UPDATE sessions SET last_activity_at = ? WHERE id = ? AND status = ?`)
	_, err := s.client.DB().ExecContext(ctx, query,
		time.Now().UnixNano(), sessionID, string(models.SessionStatusRunning))
	if err != nil {
		return fmt.Errorf("%w: touch session: %v", models.ErrStorage, err)
	}
	return nil
}

// SealSession moves the session to a terminal status and stamps the
// seal time. The CAS semantics of UpdateSession apply.
func (s *Store) SealSession(ctx context.Context, session *models.Session, status models.SessionStatus, result, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot seal session with non-terminal status %s", status)
	}
	now := time.Now()
	session.Status = status
	session.Result = result
	session.Error = errText
	session.SealedAt = &now
	if err := s.UpdateSession(ctx, session); err != nil {
		return err
	}
	s.logger.Info("Session sealed", "session_id", session.ID, "status", status)
	return nil
}

// DeleteSealedBefore removes sealed sessions older than the cutoff
// along with their subtasks and agent records. Returns the number of
// sessions removed.
func (s *Store) DeleteSealedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.client.DB()
	cutoffNs := cutoff.UnixNano()

	sub := "SELECT id FROM sessions WHERE sealed_at IS NOT NULL AND sealed_at < ?"
	for _, table := range []string{"subtasks", "agents", "messages"} {
		query := db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE session_id IN (%s)", table, sub))
		if _, err := db.ExecContext(ctx, query, cutoffNs); err != nil {
			return 0, fmt.Errorf("%w: cleanup %s: %v", models.ErrStorage, table, err)
		}
	}
	res, err := db.ExecContext(ctx,
		db.Rebind("DELETE FROM sessions WHERE sealed_at IS NOT NULL AND sealed_at < ?"), cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup sessions: %v", models.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
