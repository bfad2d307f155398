package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	connKey contextKey = "db_conn"
	txKey   contextKey = "db_tx"
)

// ErrNoConn is returned by WithTx when the context carries no connection.
var ErrNoConn = errors.New("no database connection in context")

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema rejects schema names that are not plain SQL identifiers.
func ValidateSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return fmt.Errorf("invalid schema name: %q", schema)
	}
	return nil
}

// WithConn returns a copy of ctx carrying conn.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext retrieves the request-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the connection carried by ctx and returns a
// context that repositories will route their queries through.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, ErrNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey, tx), tx, nil
}

// InTx runs fn inside a transaction. The connection in ctx is used when
// present, otherwise one is acquired from pool for the duration of the call.
// The transaction commits when fn returns nil and rolls back otherwise.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if ConnFromContext(ctx) == nil {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Release()
		ctx = WithConn(ctx, conn)
	}

	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConnMiddleware acquires one pooled connection per request, pins its
// search_path to schema and exposes it through ConnFromContext.
func ConnMiddleware(pool *pgxpool.Pool, schema string) echo.MiddlewareFunc {
	searchPath := pgx.Identifier{schema}.Sanitize()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, "SET search_path TO "+searchPath+", public"); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "schema resolution failed")
			}

			c.SetRequest(c.Request().WithContext(WithConn(ctx, conn)))
			return next(c)
		}
	}
}
