package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendLog appends one entry to the sync log and returns its id.
// Entries are never updated once written.
func (s *Store) AppendLog(ctx context.Context, e ir.SyncLogEntry) (int64, error) {
	return s.appendLog(ctx, s.db, e)
}

func (s *Store) appendLog(ctx context.Context, db execer, e ir.SyncLogEntry) (int64, error) {
	changed, err := marshalStrings(e.ChangedFields)
	if err != nil {
		return 0, err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_log
		(run_id, connection_id, remote_entity, local_type, local_id, remote_id, direction,
		 action, status, error_kind, error, changed_fields, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.ConnectionID, e.RemoteEntity, string(e.LocalType), e.LocalID, e.RemoteID,
		string(e.Direction), string(e.Action), string(e.Status), e.ErrorKind, e.Error,
		changed, e.Duration.Microseconds(), formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	return res.LastInsertId()
}

const logColumns = `
	id, run_id, connection_id, remote_entity, local_type, local_id, remote_id, direction,
	action, status, error_kind, error, changed_fields, duration_us, created_at`

func scanLogEntry(row rowScanner) (ir.SyncLogEntry, error) {
	var (
		e                       ir.SyncLogEntry
		localType, direction    string
		action, status, changed string
		durationUS              int64
		created                 sql.NullString
	)
	err := row.Scan(&e.ID, &e.RunID, &e.ConnectionID, &e.RemoteEntity, &localType, &e.LocalID,
		&e.RemoteID, &direction, &action, &status, &e.ErrorKind, &e.Error, &changed, &durationUS, &created)
	if err != nil {
		return e, err
	}
	e.LocalType = ir.EntityType(localType)
	e.Direction = ir.Direction(direction)
	e.Action = ir.Action(action)
	e.Status = ir.Status(status)
	e.Duration = time.Duration(durationUS) * time.Microsecond
	if e.ChangedFields, err = unmarshalStrings(changed); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) queryLog(ctx context.Context, query string, args ...any) ([]ir.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []ir.SyncLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	RemoteEntity string
	Status       ir.Status
	// BeforeID pages backwards: only entries with a smaller id are returned.
	BeforeID int64
	Limit    int
}

// ListLogs returns a connection's log entries, newest first.
func (s *Store) ListLogs(ctx context.Context, connectionID string, f LogFilter) ([]ir.SyncLogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM sync_log WHERE connection_id = ?`
	args := []any{connectionID}
	if f.RemoteEntity != "" {
		query += ` AND remote_entity = ?`
		args = append(args, f.RemoteEntity)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, f.BeforeID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryLog(ctx, query, args...)
}

// ListRunLogs returns one run's entries in the order they were written.
func (s *Store) ListRunLogs(ctx context.Context, runID string) ([]ir.SyncLogEntry, error) {
	return s.queryLog(ctx, `SELECT `+logColumns+` FROM sync_log WHERE run_id = ? ORDER BY id ASC`, runID)
}

// FailedLocalIDs returns the local ids of type t whose latest entry in
// direction dir is a failure, oldest failure first. Entries without a local
// id are ignored.
func (s *Store) FailedLocalIDs(ctx context.Context, connectionID string, t ir.EntityType, dir ir.Direction) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.local_id FROM sync_log l
		WHERE l.connection_id = ? AND l.local_type = ? AND l.direction = ? AND l.local_id <> ''
		  AND l.status = ?
		  AND l.id = (
			SELECT MAX(m.id) FROM sync_log m
			WHERE m.connection_id = l.connection_id AND m.local_type = l.local_type
			  AND m.direction = l.direction AND m.local_id = l.local_id
		  )
		ORDER BY l.id ASC
	`, connectionID, string(t), string(dir), string(ir.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed local ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed local ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats aggregates a connection's log and run history.
func (s *Store) Stats(ctx context.Context, connectionID string) (*ir.Stats, error) {
	if _, err := s.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	st := &ir.Stats{
		ConnectionID: connectionID,
		ByAction:     map[ir.Action]int{},
		ByStatus:     map[ir.Status]int{},
		Runs:         map[ir.RunStatus]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action, status, COUNT(*) FROM sync_log
		WHERE connection_id = ? GROUP BY action, status
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	for rows.Next() {
		var action, status string
		var n int
		if err := rows.Scan(&action, &status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("stats: %w", err)
		}
		st.ByAction[ir.Action(action)] += n
		st.ByStatus[ir.Status(status)] += n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_runs WHERE connection_id = ? GROUP BY status
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("stats: %w", err)
		}
		st.Runs[ir.RunStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs, err := s.ListRuns(ctx, connectionID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		st.LastRun = &runs[0]
	}
	return st, nil
}
