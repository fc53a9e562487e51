package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crmsync/internal/ir"
)

// GetCursor returns the pull cursor for a remote entity. A missing cursor is
// returned as a zero Cursor, which means "scan in full".
func (s *Store) GetCursor(ctx context.Context, connectionID, remoteEntity string) (ir.Cursor, error) {
	c := ir.Cursor{ConnectionID: connectionID, RemoteEntity: remoteEntity}
	err := s.db.QueryRowContext(ctx, `
		SELECT value, fingerprint FROM sync_cursors
		WHERE connection_id = ? AND remote_entity = ?
	`, connectionID, remoteEntity).Scan(&c.Value, &c.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("get cursor %s/%s: %w", connectionID, remoteEntity, err)
	}
	return c, nil
}

// SaveCursor stores a pull cursor, replacing any previous value.
func (s *Store) SaveCursor(ctx context.Context, c ir.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (connection_id, remote_entity, value, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, remote_entity) DO UPDATE SET
			value = excluded.value,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, c.ConnectionID, c.RemoteEntity, c.Value, c.Fingerprint, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save cursor %s/%s: %w", c.ConnectionID, c.RemoteEntity, err)
	}
	return nil
}
