package sqltable

import (
	"context"
	"database/sql/driver"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/roach88/crmsync/internal/connector"
)

// translate maps driver errors onto the connector error taxonomy.
func translate(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	wrapped := errors.Wrap(err, "sqltable")

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return &connector.TransientRemoteError{Op: op, Err: wrapped, Unreachable: true}
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code.Class() == "53":
			return &connector.TransientRemoteError{Op: op, Err: wrapped}
		case pqErr.Code.Class() == "28":
			return &connector.AuthExpiredError{Op: op, Err: wrapped}
		case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23", pqErr.Code.Class() == "42":
			return &connector.ValidationError{Op: op, Field: pqErr.Column, Message: pqErr.Message}
		}
		return wrapped
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045, 1044:
			return &connector.AuthExpiredError{Op: op, Err: wrapped}
		case 1205, 1213, 1040:
			return &connector.TransientRemoteError{Op: op, Err: wrapped}
		case 1048, 1054, 1062, 1146, 1264, 1292, 1366, 1406:
			return &connector.ValidationError{Op: op, Message: myErr.Message}
		}
		return wrapped
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return &connector.TransientRemoteError{Op: op, Err: wrapped, Unreachable: true}
	}
	return wrapped
}
