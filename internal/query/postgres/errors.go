package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/nlq/internal/query"
)

const (
	sqlStateQueryCanceled = "57014"
	sqlStateAdminShutdown = "57P01"
)

// classify maps a driver error onto the execution error kinds. Caller
// cancellation is returned as is so it is never mistaken for a database fault.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s cancelled: %w", op, err)
	}
	return &query.ExecutionError{Op: op, Kind: kindOf(ctx, err), Err: err}
}

func kindOf(ctx context.Context, err error) query.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateQueryCanceled:
			return query.KindTimeout
		case pgErr.Code == sqlStateAdminShutdown, strings.HasPrefix(pgErr.Code, "08"):
			return query.KindConnectivity
		}
		return query.KindDatabase
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || pgconn.Timeout(err) {
		return query.KindTimeout
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return query.KindConnectivity
	}
	return query.KindDatabase
}
