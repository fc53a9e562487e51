package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crmsync/internal/ir"
)

// StartRun records a run as running and stamps the connection's last run time.
func (s *Store) StartRun(ctx context.Context, r ir.RunReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_runs (run_id, connection_id, status, full_scan, engine_version, started_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.RunID, r.ConnectionID, string(ir.RunRunning), boolInt(r.Full), ir.EngineVersion, formatTime(r.StartedAt))
		if err != nil {
			return fmt.Errorf("start run %s: %w", r.RunID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE connections SET last_run_at = ? WHERE id = ?
		`, formatTime(r.StartedAt), r.ConnectionID)
		if err != nil {
			return fmt.Errorf("start run %s: %w", r.RunID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("connection %s: %w", r.ConnectionID, ErrNotFound)
		}
		return nil
	})
}

// FinishRun stores a run's final counters and folds its status into the
// connection's health.
//
// A completed run (with or without record errors) moves the success
// watermark to the run's start and clears the failure count. An aborted run
// increments it and disables the connection once it reaches threshold; a
// threshold of zero never disables. Cancelled runs leave health untouched.
// FinishRun reports whether this call disabled the connection.
func (s *Store) FinishRun(ctx context.Context, r ir.RunReport, threshold int) (bool, error) {
	disabled := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_runs SET
				status = ?, created = ?, updated = ?, deleted = ?, skipped = ?, failed = ?,
				deferred = ?, error = ?, finished_at = ?
			WHERE run_id = ?
		`, string(r.Status), r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed,
			r.Deferred, r.Error, formatTime(r.FinishedAt), r.RunID)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", r.RunID, err)
		}

		switch r.Status {
		case ir.RunCompleted, ir.RunCompletedWithErrors:
			_, err = tx.ExecContext(ctx, `
				UPDATE connections SET last_success_at = ?, last_sync_error = '', consecutive_failures = 0
				WHERE id = ?
			`, formatTime(r.StartedAt), r.ConnectionID)
		case ir.RunAborted:
			var failures int
			_, err = tx.ExecContext(ctx, `
				UPDATE connections SET last_sync_error = ?, consecutive_failures = consecutive_failures + 1
				WHERE id = ?
			`, r.Error, r.ConnectionID)
			if err == nil {
				err = tx.QueryRowContext(ctx, `SELECT consecutive_failures FROM connections WHERE id = ?`,
					r.ConnectionID).Scan(&failures)
			}
			if err == nil && threshold > 0 && failures >= threshold {
				_, err = tx.ExecContext(ctx, `UPDATE connections SET enabled = 0 WHERE id = ? AND enabled = 1`, r.ConnectionID)
				disabled = err == nil
			}
		}
		if err != nil {
			return fmt.Errorf("finish run %s: update connection: %w", r.RunID, err)
		}
		return nil
	})
	return disabled, err
}

const runColumns = `
	run_id, connection_id, status, full_scan, created, updated, deleted, skipped, failed,
	deferred, error, started_at, finished_at`

func scanRun(row rowScanner) (ir.RunReport, error) {
	var (
		r                 ir.RunReport
		status            string
		full              int
		started, finished sql.NullString
	)
	err := row.Scan(&r.RunID, &r.ConnectionID, &status, &full, &r.Created, &r.Updated, &r.Deleted,
		&r.Skipped, &r.Failed, &r.Deferred, &r.Error, &started, &finished)
	if err != nil {
		return r, err
	}
	r.Status = ir.RunStatus(status)
	r.Full = full != 0
	if r.StartedAt, err = parseTime(started); err != nil {
		return r, err
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return r, err
	}
	return r, nil
}

// GetRun returns one run report.
func (s *Store) GetRun(ctx context.Context, runID string) (*ir.RunReport, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns a connection's most recent runs, newest first. A limit
// of zero returns all of them.
func (s *Store) ListRuns(ctx context.Context, connectionID string, limit int) ([]ir.RunReport, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE connection_id = ? ORDER BY rowid DESC`
	args := []any{connectionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []ir.RunReport
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
