package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/stepflow/pkg/schema"
)

// CreateExecution inserts exec with the next execution number of its workflow
// and writes the number back into exec. Status defaults to running.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec.ID == "" || exec.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id and workflow_id are required")
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusRunning
	}
	exec.Started = timeOrNow(exec.Started)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. A write-intent
	// statement takes the write lock before the number is read, so two runs
	// of the same workflow never read the same MAX.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeErr("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeErr("release lock row", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(execution_number), 0) + 1 FROM workflow_executions WHERE workflow_id = ?`,
		exec.WorkflowID,
	).Scan(&next); err != nil {
		return storeErr("next execution number", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, tenant_id, started, triggered_by, status, execution_number, logs, error, execution_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.TenantID, exec.Started, exec.TriggeredBy, string(exec.Status), next,
		nullStr(exec.Logs), nullStr(TruncateError(exec.Error)), nullInt64(exec.ExecutionTime),
	)
	if err != nil {
		return storeErr("insert execution", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit execution", err)
	}
	exec.ExecutionNumber = next
	return nil
}

const executionColumns = `id, workflow_id, tenant_id, started, triggered_by, status, execution_number, logs, error, execution_time`

func scanExecution(row interface{ Scan(...any) error }) (*WorkflowExecution, error) {
	e := &WorkflowExecution{}
	var (
		status     string
		logs, errs sql.NullString
		elapsed    sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &e.Started, &e.TriggeredBy, &status,
		&e.ExecutionNumber, &logs, &errs, &elapsed); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.Logs = logs.String
	e.Error = errs.String
	if elapsed.Valid {
		e.ExecutionTime = &elapsed.Int64
	}
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return e, nil
}

// UpdateExecution writes the non-nil fields of update. Executions that already
// left running are terminal; updating one returns CONFLICT.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Logs != nil {
		sets = append(sets, "logs = ?")
		args = append(args, *update.Logs)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, TruncateError(*update.Error))
	}
	if update.ExecutionTime != nil {
		sets = append(sets, "execution_time = ?")
		args = append(args, *update.ExecutionTime)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, string(schema.ExecutionStatusPending), string(schema.ExecutionStatusRunning))

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ? AND status IN (?, ?)", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already %s", id, current.Status)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + executionColumns + " FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// execution_number is the history order; started only breaks ties across
	// workflows.
	query += " ORDER BY execution_number DESC, started DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var execs []*WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Execution logs ---

// AppendExecutionLogs inserts logs in one transaction. Zero timestamps are
// set to now.
func (s *LibSQLStore) AppendExecutionLogs(ctx context.Context, executionID string, logs []ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	for _, l := range logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_execution_logs (execution_id, timestamp, message) VALUES (?, ?, ?)`,
			executionID, timeOrNow(l.Timestamp), l.Message,
		); err != nil {
			return storeErr("insert execution log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit execution logs", err)
	}
	return nil
}

// ListExecutionLogs returns the logs of an execution ordered by timestamp.
func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, executionID string) ([]*ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, timestamp, message FROM workflow_execution_logs
		 WHERE execution_id = ? ORDER BY timestamp ASC, id ASC`, executionID)
	if err != nil {
		return nil, storeErr("list execution logs", err)
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Timestamp, &l.Message); err != nil {
			return nil, storeErr("scan execution log", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// TruncateError bounds error text to the stored column size without splitting
// a UTF-8 sequence.
func TruncateError(s string) string {
	if len(s) <= schema.MaxErrorTextBytes {
		return s
	}
	const marker = "...(truncated)"
	cut := schema.MaxErrorTextBytes - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func nullInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// ElapsedMillis is the execution_time of a run that started at start.
func ElapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
