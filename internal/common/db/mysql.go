package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	defaultMaxOpenConns    = 16
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	pingTimeout            = 5 * time.Second

	mysqlDuplicateEntry = 1062
)

// MySQLConfig is the history database pool.
// DSN example: "execbox:secret@tcp(127.0.0.1:3306)/execbox?parseTime=true&loc=UTC"
type MySQLConfig struct {
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
}

func (c *MySQLConfig) applyDefaults() {
	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
}

// MySQL implements Database on a pooled *sql.DB.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL opens the pool and pings it once before returning.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysql dsn is required")
	}
	cfg.applyDefaults()

	raw, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql failed: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConnections)
	raw.SetMaxIdleConns(cfg.MaxIdleConnections)
	raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	raw.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	m, err := WrapMySQL(ctx, raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return m, nil
}

// WrapMySQL adopts an existing handle, e.g. one from sqlmock.
func WrapMySQL(ctx context.Context, raw *sql.DB) (*MySQL, error) {
	m := &MySQL{db: raw}
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MySQL) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

func (m *MySQL) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return m.db.QueryRowContext(ctx, query, args...)
}

func (m *MySQL) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return res, nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql failed: %w", err)
	}
	return nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UniqueViolation reports a duplicate-key insert and the index it hit.
func UniqueViolation(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != mysqlDuplicateEntry {
		return "", false
	}
	return duplicateKeyName(myErr.Message), true
}

// duplicateKeyName pulls the index name out of
// "Duplicate entry 'x' for key 'execution_history.PRIMARY'".
func duplicateKeyName(message string) string {
	_, key, ok := strings.Cut(message, "for key ")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(key), " `\"'")
}
