// Package sqltable implements a connector that syncs into tables of a remote
// PostgreSQL or MySQL database. Each remote entity is a table; the entity's
// key field is the primary key column and its modified field a timestamp
// column used as the incremental cursor.
package sqltable

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/ir"
)

// Metadata keys read from the connection.
const (
	MetaDeletedColumn = "deleted_column"
	MetaPageSize      = "page_size"
)

const defaultPageSize = 500

// Dialect selects placeholder and quoting rules.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

func (d Dialect) placeholder(i int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (d Dialect) quote(ident string) string {
	if d == MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Adapter reads and writes remote tables through database/sql.
//
// Thread-safety: Adapter is safe for concurrent use.
type Adapter struct {
	db            *sql.DB
	dialect       Dialect
	deletedColumn string
	pageSize      int
	now           func() time.Time
	newID         func() string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDeletedColumn makes deletes soft: the column is set to true instead of
// removing the row, and fetches report such rows as tombstones.
func WithDeletedColumn(col string) Option {
	return func(a *Adapter) { a.deletedColumn = col }
}

// WithPageSize bounds the rows returned per fetch.
func WithPageSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithClock sets the time written into modified columns.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithIDGenerator sets how primary keys of inserted rows are chosen.
func WithIDGenerator(f func() string) Option {
	return func(a *Adapter) { a.newID = f }
}

// Open implements connector.Opener for the "postgres" and "mysql" providers.
// The connection endpoint is the driver DSN.
func Open(conn ir.Connection) (connector.Adapter, error) {
	dialect := Dialect(conn.Provider)
	if dialect != Postgres && dialect != MySQL {
		return nil, errors.Errorf("sqltable: unsupported provider %q", conn.Provider)
	}
	if conn.Endpoint == "" {
		return nil, errors.New("sqltable: endpoint (DSN) is required")
	}
	source, err := dataSource(dialect, conn.Endpoint)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, errors.Wrap(err, "sqltable: open database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	var opts []Option
	if col, ok := conn.Metadata[MetaDeletedColumn].(ir.String); ok {
		opts = append(opts, WithDeletedColumn(string(col)))
	}
	if n, ok := conn.Metadata[MetaPageSize].(ir.Int); ok {
		opts = append(opts, WithPageSize(int(n)))
	}
	return New(db, dialect, opts...), nil
}

// dataSource adjusts the DSN for the dialect. MySQL reports changed rather
// than matched rows by default, which would make an update that changes
// nothing look like a missing row.
func dataSource(dialect Dialect, dsn string) (string, error) {
	if dialect != MySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "sqltable: parse mysql dsn")
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Adapter {
	a := &Adapter{
		db:       db,
		dialect:  dialect,
		pageSize: defaultPageSize,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close implements connector.Closer.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) ident(op, name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", &connector.ValidationError{Op: op, Field: name, Message: "invalid SQL identifier"}
	}
	return a.dialect.quote(name), nil
}

// FetchChanged implements connector.Adapter. The cursor is the modified
// timestamp and key of the last row returned, so rows sharing a timestamp
// are not lost across pages.
func (a *Adapter) FetchChanged(ctx context.Context, entity connector.EntityRef, cursor string) (*connector.Page, error) {
	op := "fetch " + entity.Name
	table, err := a.ident(op, entity.Name)
	if err != nil {
		return nil, err
	}
	key, err := a.ident(op, entity.KeyField)
	if err != nil {
		return nil, err
	}
	if entity.ModifiedField == "" {
		return nil, &connector.ValidationError{Op: op, Message: "a modified column is required to fetch changes"}
	}
	mod, err := a.ident(op, entity.ModifiedField)
	if err != nil {
		return nil, err
	}

	var (
		where string
		args  []any
	)
	if cursor != "" {
		ts, lastKey, err := parseCursor(cursor)
		if err != nil {
			return nil, &connector.ValidationError{Op: op, Field: "cursor", Message: err.Error()}
		}
		where = fmt.Sprintf(" WHERE %s > %s OR (%s = %s AND %s > %s)",
			mod, a.dialect.placeholder(1), mod, a.dialect.placeholder(2), key, a.dialect.placeholder(3))
		args = []any{ts, ts, lastKey}
	}
	query := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s, %s LIMIT %d", table, where, mod, key, a.pageSize+1)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(ctx, op, err)
	}
	defer rows.Close()

	records, err := a.scanRecords(entity, rows)
	if err != nil {
		return nil, translate(ctx, op, err)
	}

	page := &connector.Page{Cursor: cursor}
	if len(records) > a.pageSize {
		records = records[:a.pageSize]
		page.More = true
	}
	page.Records = records
	if n := len(records); n > 0 {
		last := records[n-1]
		page.Cursor = formatCursor(last.ModifiedAt, last.ID)
	}
	return page, nil
}

func (a *Adapter) scanRecords(entity connector.EntityRef, rows *sql.Rows) ([]connector.RemoteRecord, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []connector.RemoteRecord
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := connector.RemoteRecord{Fields: make(ir.Object, len(cols))}
		for i, col := range cols {
			switch v := values[i].(type) {
			case time.Time:
				if col == entity.ModifiedField {
					rec.ModifiedAt = v.UTC()
				}
				rec.Fields[col] = ir.String(v.UTC().Format(time.RFC3339Nano))
				continue
			case []byte:
				values[i] = string(v)
			}
			conv, err := ir.FromAny(values[i])
			if err != nil {
				return nil, errors.Wrapf(err, "column %s", col)
			}
			rec.Fields[col] = conv
		}

		rec.ID = ir.Text(rec.Fields[entity.KeyField])
		if rec.ModifiedAt.IsZero() {
			if ts := ir.Text(rec.Fields[entity.ModifiedField]); ts != "" {
				if t, err := parseTime(ts); err == nil {
					rec.ModifiedAt = t
				}
			}
		}
		if a.deletedColumn != "" {
			rec.Deleted = truthy(rec.Fields[a.deletedColumn])
			delete(rec.Fields, a.deletedColumn)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert implements connector.Adapter. A row is inserted with a generated
// key when remoteID is empty; otherwise the row is updated in place.
func (a *Adapter) Upsert(ctx context.Context, entity connector.EntityRef, remoteID string, fields ir.Object) (string, error) {
	op := "upsert " + entity.Name
	table, err := a.ident(op, entity.Name)
	if err != nil {
		return "", err
	}
	key, err := a.ident(op, entity.KeyField)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(fields)+1)
	for name := range fields {
		if name == entity.KeyField || name == entity.ModifiedField {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		col, err := a.ident(op, name)
		if err != nil {
			return "", err
		}
		arg, err := driverValue(fields[name])
		if err != nil {
			return "", &connector.ValidationError{Op: op, Field: name, Message: err.Error()}
		}
		cols = append(cols, col)
		args = append(args, arg)
	}
	if entity.ModifiedField != "" {
		col, err := a.ident(op, entity.ModifiedField)
		if err != nil {
			return "", err
		}
		cols = append(cols, col)
		args = append(args, a.now().UTC())
	}

	if remoteID == "" {
		remoteID = a.newID()
		cols = append([]string{key}, cols...)
		args = append([]any{remoteID}, args...)
		marks := make([]string, len(cols))
		for i := range cols {
			marks[i] = a.dialect.placeholder(i + 1)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
			return "", translate(ctx, op, err)
		}
		return remoteID, nil
	}

	if len(cols) == 0 {
		return remoteID, nil
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = %s", col, a.dialect.placeholder(i+1))
	}
	args = append(args, remoteID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), key, a.dialect.placeholder(len(args)))
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", translate(ctx, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", translate(ctx, op, err)
	}
	if n == 0 {
		return "", &connector.ValidationError{Op: op, Field: entity.KeyField, Message: fmt.Sprintf("row %s not found", remoteID)}
	}
	return remoteID, nil
}

// Delete implements connector.Adapter. Deleting a missing row succeeds.
func (a *Adapter) Delete(ctx context.Context, entity connector.EntityRef, remoteID string) error {
	op := "delete " + entity.Name
	table, err := a.ident(op, entity.Name)
	if err != nil {
		return err
	}
	key, err := a.ident(op, entity.KeyField)
	if err != nil {
		return err
	}

	var (
		query string
		args  []any
	)
	if a.deletedColumn != "" {
		del, err := a.ident(op, a.deletedColumn)
		if err != nil {
			return err
		}
		sets := []string{fmt.Sprintf("%s = %s", del, a.dialect.placeholder(1))}
		args = append(args, true)
		if entity.ModifiedField != "" {
			mod, err := a.ident(op, entity.ModifiedField)
			if err != nil {
				return err
			}
			sets = append(sets, fmt.Sprintf("%s = %s", mod, a.dialect.placeholder(2)))
			args = append(args, a.now().UTC())
		}
		args = append(args, remoteID)
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), key, a.dialect.placeholder(len(args)))
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, key, a.dialect.placeholder(1))
		args = []any{remoteID}
	}
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return translate(ctx, op, err)
	}
	return nil
}

// driverValue converts a Value into a database/sql argument. Lists and
// objects are stored as JSON text.
func driverValue(v ir.Value) (any, error) {
	switch v.(type) {
	case ir.List, ir.Object:
		data, err := ir.MarshalValue(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return ir.ToAny(v), nil
}

func truthy(v ir.Value) bool {
	switch val := v.(type) {
	case ir.Bool:
		return bool(val)
	case ir.Int:
		return val != 0
	case ir.String:
		s := strings.ToLower(string(val))
		return s == "t" || s == "true" || s == "1" || s == "y"
	}
	return false
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

func formatCursor(ts time.Time, key string) string {
	return ts.UTC().Format(time.RFC3339Nano) + " " + key
}

func parseCursor(cursor string) (time.Time, string, error) {
	ts, key, ok := strings.Cut(cursor, " ")
	if !ok {
		return time.Time{}, "", errors.Errorf("malformed cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", errors.Wrap(err, "cursor timestamp")
	}
	return t, key, nil
}

var (
	_ connector.Adapter = (*Adapter)(nil)
	_ connector.Closer  = (*Adapter)(nil)
)
