// Package store persists sessions, subtasks, and agent records. The
// session rows carry a version column for optimistic concurrency;
// sealed sessions are immutable.
package store

import (
	"errors"
	"log/slog"

	"github.com/hivemind-dev/hivemind/pkg/database"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the durable session store.
type Store struct {
	client *database.Client
	logger *slog.Logger
}

// New wraps a database client.
func New(client *database.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger.With("component", "store")}
}
