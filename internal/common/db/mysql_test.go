package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func newMockDB(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create sqlmock failed: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	database, err := WrapMySQL(context.Background(), raw)
	if err != nil {
		t.Fatalf("wrap db failed: %v", err)
	}
	return database, mock
}

func TestOpenMySQLRequiresDSN(t *testing.T) {
	if _, err := OpenMySQL(context.Background(), MySQLConfig{DSN: "  "}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := MySQLConfig{MaxOpenConnections: 3}
	cfg.applyDefaults()
	if cfg.MaxOpenConnections != 3 || cfg.MaxIdleConnections != defaultMaxIdleConns || cfg.ConnMaxLifetime != defaultConnMaxLifetime {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestQueryRowNoRows(t *testing.T) {
	database, mock := newMockDB(t)
	mock.ExpectQuery("SELECT status FROM execution_history").WillReturnRows(sqlmock.NewRows([]string{"status"}))

	var status string
	err := database.QueryRow(context.Background(), "SELECT status FROM execution_history WHERE id = ?", "x").Scan(&status)
	if !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestExecWrapsErrors(t *testing.T) {
	database, mock := newMockDB(t)
	dup := &mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry 'a' for key 'execution_history.PRIMARY'"}
	mock.ExpectExec("INSERT INTO execution_history").WillReturnError(dup)

	_, err := database.Exec(context.Background(), "INSERT INTO execution_history (id) VALUES (?)", "a")
	key, ok := UniqueViolation(err)
	if !ok || key != "execution_history.PRIMARY" {
		t.Fatalf("UniqueViolation = %q, %v", key, ok)
	}
	if _, ok := UniqueViolation(errors.New("other")); ok {
		t.Fatalf("plain error is not a unique violation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDuplicateKeyName(t *testing.T) {
	tests := map[string]string{
		"":                                  "",
		"no marker here":                    "",
		"Duplicate entry 'x' for key 'idx'": "idx",
		"Duplicate entry for key `uniq_id`": "uniq_id",
	}
	for in, want := range tests {
		if got := duplicateKeyName(in); got != want {
			t.Fatalf("duplicateKeyName(%q) = %q, want %q", in, got, want)
		}
	}
}
