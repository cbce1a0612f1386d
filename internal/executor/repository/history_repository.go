package repository

import (
	"context"
	"database/sql"
	"time"

	"execbox/internal/common/db"
	"execbox/internal/executor/result"
	appErr "execbox/pkg/errors"
	pkgrepo "execbox/pkg/repository"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	insertHistorySQL = `INSERT INTO execution_history
	(id, language, status, exit_code, signal_name, stdout_truncated, stderr_truncated, error_message, duration_ms, memory_kb, failed_test, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectHistoryColumns = `id, language, status, exit_code, signal_name, stdout_truncated, stderr_truncated, error_message, duration_ms, memory_kb, failed_test, finished_at`
)

var historyFilterColumns = map[string]string{
	"language": "language",
	"status":   "status",
	"since":    "finished_at",
	"before":   "finished_at",
}

// HistoryRepository keeps a durable log of finished executions. Output
// streams are not stored; they live only in the result cache.
type HistoryRepository struct {
	db db.Database
}

// NewHistoryRepository creates a new repository.
func NewHistoryRepository(database db.Database) *HistoryRepository {
	return &HistoryRepository{db: database}
}

// Record inserts one report. A duplicate id is treated as already recorded.
func (r *HistoryRepository) Record(ctx context.Context, report result.Report) error {
	if report.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	var exitCode sql.NullInt64
	if report.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*report.ExitCode), Valid: true}
	}
	finishedAt := report.FinishedAt
	if finishedAt == 0 {
		finishedAt = time.Now().Unix()
	}
	_, err := r.db.Exec(ctx, insertHistorySQL,
		report.ID,
		report.Language,
		string(report.Status),
		exitCode,
		report.Signal,
		report.Truncated.Stdout,
		report.Truncated.Stderr,
		report.Error,
		report.DurationMs,
		report.MemoryKB,
		report.FailedTest,
		time.Unix(finishedAt, 0).UTC(),
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok {
			logger.Debug(ctx, "execution already recorded", zap.String("id", report.ID), zap.String("key", key))
			return nil
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "record execution failed")
	}
	return nil
}

// Get loads one execution without its output streams.
func (r *HistoryRepository) Get(ctx context.Context, id string) (result.Report, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectHistoryColumns+" FROM execution_history WHERE id = ?", id)
	report, err := scanReport(row)
	if err != nil {
		if db.IsNoRows(err) {
			return result.Report{}, appErr.Newf(appErr.ExecutionNotFound, "execution %s not found", id)
		}
		return result.Report{}, appErr.Wrapf(err, appErr.DatabaseError, "load execution failed")
	}
	return report, nil
}

// List returns one page of executions ordered by finish time.
func (r *HistoryRepository) List(ctx context.Context, opts pkgrepo.ListOptions) (pkgrepo.Page[result.Report], error) {
	if err := opts.Validate(); err != nil {
		return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.InvalidParams, "invalid list options")
	}
	where, args, err := opts.WhereClause(historyFilterColumns)
	if err != nil {
		return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.InvalidParams, "invalid list filter")
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&total); err != nil {
		return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.DatabaseError, "count executions failed")
	}

	order := " ORDER BY finished_at ASC"
	if opts.OrderDesc {
		order = " ORDER BY finished_at DESC"
	}
	query := "SELECT " + selectHistoryColumns + " FROM execution_history" + where + order + " LIMIT ? OFFSET ?"
	rows, err := r.db.Query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.DatabaseError, "list executions failed")
	}
	defer rows.Close()

	reports := make([]result.Report, 0, opts.Limit)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.DatabaseError, "scan execution failed")
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return pkgrepo.Page[result.Report]{}, appErr.Wrapf(err, appErr.DatabaseError, "iterate executions failed")
	}
	return pkgrepo.NewPage(reports, total, opts), nil
}

// Prune deletes rows finished before cutoff and returns how many went.
func (r *HistoryRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(ctx, "DELETE FROM execution_history WHERE finished_at < ?", cutoff.UTC())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "prune executions failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "prune executions failed")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(s scanner) (result.Report, error) {
	var (
		report     result.Report
		status     string
		exitCode   sql.NullInt64
		finishedAt time.Time
	)
	err := s.Scan(
		&report.ID,
		&report.Language,
		&status,
		&exitCode,
		&report.Signal,
		&report.Truncated.Stdout,
		&report.Truncated.Stderr,
		&report.Error,
		&report.DurationMs,
		&report.MemoryKB,
		&report.FailedTest,
		&finishedAt,
	)
	if err != nil {
		return result.Report{}, err
	}
	report.Status = result.Status(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		report.ExitCode = &code
	}
	report.FinishedAt = finishedAt.Unix()
	return report, nil
}
