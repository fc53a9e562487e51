package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

// SaveConnectionConfig creates or replaces a connection's configuration.
//
// Mapping rows are replaced wholesale. Runtime state (enabled flag, last
// run, failure count) and correlation rows survive a re-apply; credentials
// are only replaced when the new config carries some.
func (s *Store) SaveConnectionConfig(ctx context.Context, cfg *ir.ConnectionConfig) error {
	conn := cfg.Connection
	metadata, err := marshalObject(conn.Metadata)
	if err != nil {
		return fmt.Errorf("save connection %s: %w", conn.ID, err)
	}
	var sealed any
	if !conn.Credentials.IsZero() {
		b, err := s.codec.Seal(conn.Credentials)
		if err != nil {
			return fmt.Errorf("save connection %s: seal credentials: %w", conn.ID, err)
		}
		sealed = b
	}
	now := formatTime(s.now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connections
			(id, tenant_id, name, provider, endpoint, direction, interval_seconds, enabled,
			 metadata, credentials, config_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				name = excluded.name,
				provider = excluded.provider,
				endpoint = excluded.endpoint,
				direction = excluded.direction,
				interval_seconds = excluded.interval_seconds,
				metadata = excluded.metadata,
				credentials = COALESCE(excluded.credentials, connections.credentials),
				config_version = excluded.config_version,
				updated_at = excluded.updated_at
		`,
			conn.ID, conn.TenantID, conn.Name, conn.Provider, conn.Endpoint, string(conn.Direction),
			int64(conn.Interval/time.Second), boolInt(conn.Enabled),
			metadata, sealed, ir.ConfigVersion, now, now,
		)
		if err != nil {
			return fmt.Errorf("save connection %s: %w", conn.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_mappings WHERE connection_id = ?`, conn.ID); err != nil {
			return fmt.Errorf("save connection %s: clear mappings: %w", conn.ID, err)
		}
		for _, m := range cfg.Mappings {
			if err := insertEntityMapping(ctx, tx, conn.ID, m); err != nil {
				return fmt.Errorf("save connection %s: %w", conn.ID, err)
			}
		}
		return nil
	})
}

func insertEntityMapping(ctx context.Context, tx *sql.Tx, connectionID string, m ir.EntityMapping) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entity_mappings
		(connection_id, local_type, remote_entity, filter, key_field, modified_field, direction, enabled, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, connectionID, string(m.LocalType), m.RemoteEntity, m.Filter, m.KeyField, m.ModifiedField,
		string(m.Direction), boolInt(m.Enabled), m.Order)
	if err != nil {
		return fmt.Errorf("entity mapping %s: %w", m.RemoteEntity, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, f := range m.Fields {
		var config any
		if len(f.TransformConfig) > 0 {
			config = string(f.TransformConfig)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO field_mappings
			(entity_mapping_id, local_field, remote_field, direction, required, transform, transform_config, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, f.LocalField, f.RemoteField, string(f.Direction), boolInt(f.Required), f.Transform, config, f.Order)
		if err != nil {
			return fmt.Errorf("field mapping %s.%s: %w", m.RemoteEntity, f.RemoteField, err)
		}
	}

	for _, r := range m.Relationships {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationship_mappings
			(entity_mapping_id, local_field, related_type, remote_field, remote_related_entity,
			 direction, auto_create, sync_null_values, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, r.LocalField, string(r.RelatedType), r.RemoteField, r.RemoteRelatedEntity,
			string(r.Direction), boolInt(r.AutoCreate), boolInt(r.SyncNullValues), r.Order)
		if err != nil {
			return fmt.Errorf("relationship mapping %s.%s: %w", m.RemoteEntity, r.LocalField, err)
		}
	}
	return nil
}

const connectionColumns = `
	id, tenant_id, name, provider, endpoint, direction, interval_seconds, enabled, metadata,
	credentials, last_run_at, last_success_at, last_sync_error, consecutive_failures`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConnection(row rowScanner) (*ir.Connection, error) {
	var (
		c                 ir.Connection
		direction, meta   string
		interval          int64
		enabled           int
		sealed            []byte
		lastRun, lastSucc sql.NullString
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Provider, &c.Endpoint, &direction, &interval,
		&enabled, &meta, &sealed, &lastRun, &lastSucc, &c.LastSyncError, &c.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	c.Direction = ir.Direction(direction)
	c.Interval = time.Duration(interval) * time.Second
	c.Enabled = enabled != 0
	if c.Metadata, err = unmarshalObject(meta); err != nil {
		return nil, err
	}
	if c.Credentials, err = s.codec.Open(sealed); err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	if c.LastRunAt, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	if c.LastSuccessAt, err = parseTime(lastSucc); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnection returns one connection with its credentials opened.
func (s *Store) GetConnection(ctx context.Context, id string) (*ir.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	return c, nil
}

// ListConnections returns all connections ordered by id.
func (s *Store) ListConnections(ctx context.Context) ([]ir.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []ir.Connection
	for rows.Next() {
		c, err := s.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("list connections: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LoadConnectionConfig returns a connection with its mappings in stored
// order. It satisfies compiler.ConfigSource.
func (s *Store) LoadConnectionConfig(ctx context.Context, id string) (*ir.ConnectionConfig, error) {
	conn, err := s.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := &ir.ConnectionConfig{Connection: *conn}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_type, remote_entity, filter, key_field, modified_field, direction, enabled, sort_order
		FROM entity_mappings WHERE connection_id = ?
		ORDER BY sort_order ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load mappings %s: %w", id, err)
	}
	for rows.Next() {
		var (
			m                    ir.EntityMapping
			localType, direction string
			enabled              int
		)
		if err := rows.Scan(&m.ID, &localType, &m.RemoteEntity, &m.Filter, &m.KeyField,
			&m.ModifiedField, &direction, &enabled, &m.Order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load mappings %s: %w", id, err)
		}
		m.LocalType = ir.EntityType(localType)
		m.Direction = ir.Direction(direction)
		m.Enabled = enabled != 0
		cfg.Mappings = append(cfg.Mappings, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// With a single pooled connection the mapping rows must be closed before
	// the child queries run.
	for i := range cfg.Mappings {
		m := &cfg.Mappings[i]
		if m.Fields, err = s.loadFieldMappings(ctx, m.ID); err != nil {
			return nil, err
		}
		if m.Relationships, err = s.loadRelationshipMappings(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (s *Store) loadFieldMappings(ctx context.Context, mappingID int64) ([]ir.FieldMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_field, remote_field, direction, required, transform, transform_config, sort_order
		FROM field_mappings WHERE entity_mapping_id = ?
		ORDER BY sort_order ASC, id ASC
	`, mappingID)
	if err != nil {
		return nil, fmt.Errorf("load field mappings: %w", err)
	}
	defer rows.Close()

	var out []ir.FieldMapping
	for rows.Next() {
		var (
			f         ir.FieldMapping
			direction string
			required  int
			config    sql.NullString
		)
		if err := rows.Scan(&f.LocalField, &f.RemoteField, &direction, &required, &f.Transform, &config, &f.Order); err != nil {
			return nil, fmt.Errorf("load field mappings: %w", err)
		}
		f.Direction = ir.Direction(direction)
		f.Required = required != 0
		if config.Valid {
			f.TransformConfig = json.RawMessage(config.String)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) loadRelationshipMappings(ctx context.Context, mappingID int64) ([]ir.RelationshipMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_field, related_type, remote_field, remote_related_entity, direction,
		       auto_create, sync_null_values, sort_order
		FROM relationship_mappings WHERE entity_mapping_id = ?
		ORDER BY sort_order ASC, id ASC
	`, mappingID)
	if err != nil {
		return nil, fmt.Errorf("load relationship mappings: %w", err)
	}
	defer rows.Close()

	var out []ir.RelationshipMapping
	for rows.Next() {
		var (
			r                     ir.RelationshipMapping
			related, direction    string
			autoCreate, syncNulls int
		)
		if err := rows.Scan(&r.LocalField, &related, &r.RemoteField, &r.RemoteRelatedEntity,
			&direction, &autoCreate, &syncNulls, &r.Order); err != nil {
			return nil, fmt.Errorf("load relationship mappings: %w", err)
		}
		r.RelatedType = ir.EntityType(related)
		r.Direction = ir.Direction(direction)
		r.AutoCreate = autoCreate != 0
		r.SyncNullValues = syncNulls != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetEnabled enables or disables a connection. Enabling also clears the
// consecutive failure count so the threshold starts over.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE connections SET enabled = 0, updated_at = ? WHERE id = ?`
	if enabled {
		query = `UPDATE connections SET enabled = 1, consecutive_failures = 0, updated_at = ? WHERE id = ?`
	}
	return s.updateConnection(ctx, id, query, formatTime(s.now()), id)
}

// UpdateCredentials replaces a connection's credentials, e.g. after a refresh.
func (s *Store) UpdateCredentials(ctx context.Context, id string, c ir.Credentials) error {
	sealed, err := s.codec.Seal(c)
	if err != nil {
		return fmt.Errorf("update credentials %s: %w", id, err)
	}
	return s.updateConnection(ctx, id,
		`UPDATE connections SET credentials = ?, updated_at = ? WHERE id = ?`,
		sealed, formatTime(s.now()), id)
}

// DeleteConnection removes a connection together with its mappings,
// correlations, cursors, runs and log entries.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	return s.updateConnection(ctx, id, `DELETE FROM connections WHERE id = ?`, id)
}

func (s *Store) updateConnection(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}
