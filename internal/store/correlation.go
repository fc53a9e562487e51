package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crmsync/internal/ir"
)

const externalIDColumns = `
	connection_id, local_type, local_id, remote_entity, remote_id,
	last_synced_at, last_direction, last_sync_hash, last_payload`

func scanExternalID(row rowScanner) (*ir.ExternalID, error) {
	var (
		x                    ir.ExternalID
		localType, direction string
		synced               sql.NullString
		payload              string
	)
	if err := row.Scan(&x.ConnectionID, &localType, &x.LocalID, &x.RemoteEntity, &x.RemoteID,
		&synced, &direction, &x.LastSyncHash, &payload); err != nil {
		return nil, err
	}
	x.LocalType = ir.EntityType(localType)
	x.LastDirection = ir.Direction(direction)
	var err error
	if x.LastSyncedAt, err = parseTime(synced); err != nil {
		return nil, err
	}
	if x.LastPayload, err = unmarshalObject(payload); err != nil {
		return nil, err
	}
	return &x, nil
}

func (s *Store) lookupExternalID(ctx context.Context, where string, args ...any) (*ir.ExternalID, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+externalIDColumns+` FROM external_ids WHERE `+where, args...)
	x, err := scanExternalID(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external id: %w", err)
	}
	return x, nil
}

// LookupByLocal returns the correlation for a local record, or nil if the
// record has never been synced on this connection.
func (s *Store) LookupByLocal(ctx context.Context, connectionID string, localType ir.EntityType, localID string) (*ir.ExternalID, error) {
	return s.lookupExternalID(ctx,
		`connection_id = ? AND local_type = ? AND local_id = ?`,
		connectionID, string(localType), localID)
}

// LookupByRemote returns the correlation for a remote record, or nil.
func (s *Store) LookupByRemote(ctx context.Context, connectionID, remoteEntity, remoteID string) (*ir.ExternalID, error) {
	return s.lookupExternalID(ctx,
		`connection_id = ? AND remote_entity = ? AND remote_id = ?`,
		connectionID, remoteEntity, remoteID)
}

// InsertExternalID records a new correlation. It fails with
// ErrDuplicateCorrelation if either side is already correlated.
func (s *Store) InsertExternalID(ctx context.Context, x ir.ExternalID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertExternalID(ctx, tx, x)
	})
}

func insertExternalID(ctx context.Context, tx *sql.Tx, x ir.ExternalID) error {
	payload, err := marshalObject(x.LastPayload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO external_ids (`+externalIDColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, x.ConnectionID, string(x.LocalType), x.LocalID, x.RemoteEntity, x.RemoteID,
		formatTime(x.LastSyncedAt), string(x.LastDirection), x.LastSyncHash, payload)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s/%s <-> %s/%s: %w", x.ConnectionID, x.LocalType, x.LocalID,
			x.RemoteEntity, x.RemoteID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return fmt.Errorf("insert external id: %w", err)
	}
	return nil
}

// upsertExternalID replaces the correlation keyed by the local side. Moving
// a local record onto a remote id that another local record already owns
// fails with ErrDuplicateCorrelation.
func upsertExternalID(ctx context.Context, tx *sql.Tx, x ir.ExternalID) error {
	payload, err := marshalObject(x.LastPayload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO external_ids (`+externalIDColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, local_type, local_id) DO UPDATE SET
			remote_entity = excluded.remote_entity,
			remote_id = excluded.remote_id,
			last_synced_at = excluded.last_synced_at,
			last_direction = excluded.last_direction,
			last_sync_hash = excluded.last_sync_hash,
			last_payload = excluded.last_payload
	`, x.ConnectionID, string(x.LocalType), x.LocalID, x.RemoteEntity, x.RemoteID,
		formatTime(x.LastSyncedAt), string(x.LastDirection), x.LastSyncHash, payload)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s/%s -> %s/%s: %w", x.ConnectionID, x.LocalType, x.LocalID,
			x.RemoteEntity, x.RemoteID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return fmt.Errorf("upsert external id: %w", err)
	}
	return nil
}

// RecordOutcome applies a processed record's correlation change and appends
// its log entry atomically. Either both are durable or neither is.
func (s *Store) RecordOutcome(ctx context.Context, o ir.Outcome) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if u := o.Unlink; u != nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM external_ids
				WHERE connection_id = ? AND local_type = ? AND local_id = ?
			`, u.ConnectionID, string(u.LocalType), u.LocalID); err != nil {
				return fmt.Errorf("unlink external id: %w", err)
			}
		}
		if o.Correlation != nil {
			if err := upsertExternalID(ctx, tx, *o.Correlation); err != nil {
				return err
			}
		}
		var err error
		id, err = s.appendLog(ctx, tx, o.Entry)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListExternalIDs returns a connection's correlations, optionally limited to
// one local type, ordered by local type and id.
func (s *Store) ListExternalIDs(ctx context.Context, connectionID string, localType ir.EntityType) ([]ir.ExternalID, error) {
	query := `SELECT ` + externalIDColumns + ` FROM external_ids WHERE connection_id = ?`
	args := []any{connectionID}
	if localType != "" {
		query += ` AND local_type = ?`
		args = append(args, string(localType))
	}
	query += ` ORDER BY local_type ASC, local_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list external ids: %w", err)
	}
	defer rows.Close()

	var out []ir.ExternalID
	for rows.Next() {
		x, err := scanExternalID(rows)
		if err != nil {
			return nil, fmt.Errorf("list external ids: %w", err)
		}
		out = append(out, *x)
	}
	return out, rows.Err()
}
