package db

import (
	"context"
	"database/sql"
)

// Database is the SQL surface repositories depend on. *sql.Rows and *sql.Row
// are returned as is so sqlmock-backed tests see the driver's behavior.
type Database interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Ping(ctx context.Context) error
	Close() error
}
