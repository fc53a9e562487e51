// Package admin exposes the administrative operations of crmsync: enabling
// and disabling connections, triggering runs and reading the sync log. The
// operations are available as a Go API (Service) and over HTTP (NewRouter).
package admin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/store"
)

// DefaultLogLimit is the number of log entries returned when no limit is given.
const DefaultLogLimit = 100

// MaxLogLimit caps a single log read.
const MaxLogLimit = 1000

// Store is the persistence the admin operations read and command.
// *store.Store implements it.
type Store interface {
	ListConnections(ctx context.Context) ([]ir.Connection, error)
	GetConnection(ctx context.Context, id string) (*ir.Connection, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	ListLogs(ctx context.Context, connectionID string, f store.LogFilter) ([]ir.SyncLogEntry, error)
	Stats(ctx context.Context, connectionID string) (*ir.Stats, error)
}

// Runner starts and stops runs. *engine.Engine implements it.
type Runner interface {
	Trigger(ctx context.Context, connectionID string, opts engine.RunOptions) (string, error)
	Cancel(connectionID string) error
	Active() []engine.ActiveRun
}

// Service implements the administrative operations.
type Service struct {
	store  Store
	runner Runner
	logger zerolog.Logger
}

// NewService returns a Service over the store and the engine that runs syncs.
func NewService(s Store, r Runner, logger zerolog.Logger) *Service {
	return &Service{store: s, runner: r, logger: logger}
}

// Connections lists every connection with its health counters.
func (s *Service) Connections(ctx context.Context) ([]ir.Connection, error) {
	return s.store.ListConnections(ctx)
}

// Connection returns one connection.
func (s *Service) Connection(ctx context.Context, id string) (*ir.Connection, error) {
	return s.store.GetConnection(ctx, id)
}

// Enable enables a connection and clears its failure count.
func (s *Service) Enable(ctx context.Context, id string) error {
	if err := s.store.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	s.logger.Info().Str("connection", id).Msg("connection enabled")
	return nil
}

// Disable disables a connection and cancels its active run, if any.
func (s *Service) Disable(ctx context.Context, id string) error {
	if err := s.store.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	cancelled := true
	if err := s.runner.Cancel(id); err != nil {
		if !engine.IsNoActiveRun(err) {
			return err
		}
		cancelled = false
	}
	s.logger.Info().Str("connection", id).Bool("run_cancelled", cancelled).Msg("connection disabled")
	return nil
}

// Trigger starts an immediate run of an enabled connection and returns its
// run id. A connection with an active run rejects the trigger with a
// RUN_IN_PROGRESS engine.RuntimeError.
func (s *Service) Trigger(ctx context.Context, id string, full bool) (string, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return "", err
	}
	if !conn.Enabled {
		return "", &engine.RuntimeError{Code: engine.ErrCodeConnectionDisabled, Message: "connection is disabled", ConnectionID: id}
	}
	runID, err := s.runner.Trigger(ctx, id, engine.RunOptions{Full: full})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("connection", id).Str("run", runID).Bool("full", full).Msg("run triggered")
	return runID, nil
}

// Logs returns the most recent log entries of a connection, newest first.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]ir.SyncLogEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLogLimit
	case limit > MaxLogLimit:
		limit = MaxLogLimit
	}
	if _, err := s.store.GetConnection(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLogs(ctx, id, store.LogFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list logs of %s: %w", id, err)
	}
	return entries, nil
}

// Stats returns the aggregate counters of a connection.
func (s *Service) Stats(ctx context.Context, id string) (*ir.Stats, error) {
	return s.store.Stats(ctx, id)
}

// Active lists the runs in flight.
func (s *Service) Active() []engine.ActiveRun {
	return s.runner.Active()
}
