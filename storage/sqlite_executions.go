package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orthrus/core"
	"orthrus/soar"
)

// CreateExecution persists a freshly queued execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *soar.Execution) error {
	contextJSON, err := marshalNullable(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO executions (id, playbook_id, playbook_version, organization_id, status,
				triggered_by, trigger_type, priority, context, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.PlaybookID, exec.PlaybookVersion, exec.OrganizationID,
			string(exec.Status), exec.TriggeredBy, string(exec.TriggerType),
			exec.Priority, contextJSON, formatTime(exec.EnqueuedAt))
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// MarkExecutionStarted transitions a queued execution to running.
func (s *SQLiteStore) MarkExecutionStarted(ctx context.Context, executionID string, startedAt time.Time) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, started_at = ? WHERE id = ?`,
			string(soar.ExecutionStatusRunning), formatTime(startedAt), executionID)
		if err != nil {
			return fmt.Errorf("mark execution started: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("execution %q: %w", executionID, ErrNotFound)
		}
		return nil
	})
}

// SaveStepRun upserts one step's record. Retried steps overwrite their
// earlier attempt rows; only the terminal attempt is kept.
func (s *SQLiteStore) SaveStepRun(ctx context.Context, run *soar.StepRun) error {
	outputJSON, err := marshalNullable(run.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_runs (execution_id, step_id, action_id, status, attempts, output,
				error, error_kind, started_at, completed_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (execution_id, step_id) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				output = excluded.output,
				error = excluded.error,
				error_kind = excluded.error_kind,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				duration_ms = excluded.duration_ms`,
			run.ExecutionID, run.StepID, run.ActionID, string(run.Status), run.Attempts,
			outputJSON, run.Error, string(run.ErrorKind),
			formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.DurationMS)
		if err != nil {
			return fmt.Errorf("save step run: %w", err)
		}
		return nil
	})
}

// FinishExecution writes the terminal state of an execution.
func (s *SQLiteStore) FinishExecution(ctx context.Context, exec *soar.Execution) error {
	contextJSON, err := marshalNullable(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, error = ?, context = ?,
				steps_total = ?, steps_completed = ?, steps_skipped = ?, completed_at = ?
			 WHERE id = ?`,
			string(exec.Status), exec.Error, contextJSON,
			exec.StepsTotal, exec.StepsCompleted, exec.StepsSkipped,
			formatTimePtr(exec.CompletedAt), exec.ID)
		if err != nil {
			return fmt.Errorf("finish execution: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("execution %q: %w", exec.ID, ErrNotFound)
		}
		return nil
	})
}

// CancelExecution marks a queued execution cancelled without touching
// running ones; cancelling a running execution goes through the
// executor so the step in flight can finish.
func (s *SQLiteStore) CancelExecution(ctx context.Context, executionID string, at time.Time) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(soar.ExecutionStatusCancelled), formatTime(at),
			executionID, string(soar.ExecutionStatusQueued))
		if err != nil {
			return fmt.Errorf("cancel execution: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("execution %q: %w", executionID, soar.ErrExecutionNotCancellable)
		}
		return nil
	})
}

// GetExecution loads an execution with its step runs.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*soar.Execution, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, playbook_id, playbook_version, organization_id, status, triggered_by,
			trigger_type, priority, context, error, steps_total, steps_completed, steps_skipped,
			enqueued_at, started_at, completed_at
		 FROM executions WHERE id = ?`, executionID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %q: %w", executionID, soar.ErrExecutionNotFound)
		}
		return nil, err
	}

	runs, err := s.listStepRuns(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec.StepRuns = runs
	return exec, nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	PlaybookID     string
	OrganizationID string
	Status         soar.ExecutionStatus
	Limit          int
	Offset         int
}

// ListExecutions returns executions newest first, without step runs.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*soar.Execution, error) {
	query := `SELECT id, playbook_id, playbook_version, organization_id, status, triggered_by,
		trigger_type, priority, context, error, steps_total, steps_completed, steps_skipped,
		enqueued_at, started_at, completed_at FROM executions WHERE 1=1`
	var args []interface{}
	if filter.PlaybookID != "" {
		query += " AND playbook_id = ?"
		args = append(args, filter.PlaybookID)
	}
	if filter.OrganizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY enqueued_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*soar.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ListQueuedExecutions returns queued rows oldest first, for queue
// recovery after a restart.
func (s *SQLiteStore) ListQueuedExecutions(ctx context.Context) ([]*soar.Execution, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, playbook_id, playbook_version, organization_id, status, triggered_by,
			trigger_type, priority, context, error, steps_total, steps_completed, steps_skipped,
			enqueued_at, started_at, completed_at
		 FROM executions WHERE status = ? ORDER BY enqueued_at ASC`,
		string(soar.ExecutionStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("list queued executions: %w", err)
	}
	defer rows.Close()

	var out []*soar.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// FailInterruptedExecutions marks rows left running by a crashed
// process as failed. Called once at startup, before dispatch begins.
func (s *SQLiteStore) FailInterruptedExecutions(ctx context.Context) (int, error) {
	var affected int64
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
			string(soar.ExecutionStatusFailed),
			"interrupted by engine restart",
			formatTime(time.Now()),
			string(soar.ExecutionStatusRunning))
		if err != nil {
			return fmt.Errorf("fail interrupted executions: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return int(affected), err
}

// ExecutionStats aggregates execution counts by status.
type ExecutionStats struct {
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

// GetExecutionStats returns counts per status, optionally org-scoped.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context, organizationID string) (*ExecutionStats, error) {
	query := `SELECT status, COUNT(*) FROM executions`
	var args []interface{}
	if organizationID != "" {
		query += " WHERE organization_id = ?"
		args = append(args, organizationID)
	}
	query += " GROUP BY status"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	defer rows.Close()

	stats := &ExecutionStats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) listStepRuns(ctx context.Context, executionID string) ([]soar.StepRun, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT execution_id, step_id, action_id, status, attempts, output, error, error_kind,
			started_at, completed_at, duration_ms
		 FROM step_runs WHERE execution_id = ? ORDER BY started_at ASC, step_id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var out []soar.StepRun
	for rows.Next() {
		var run soar.StepRun
		var status, errorKind string
		var output sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&run.ExecutionID, &run.StepID, &run.ActionID, &status, &run.Attempts,
			&output, &run.Error, &errorKind, &startedAt, &completedAt, &run.DurationMS); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		run.Status = soar.StepStatus(status)
		run.ErrorKind = soar.ErrorKind(errorKind)
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &run.Output); err != nil {
				return nil, fmt.Errorf("unmarshal step output: %w", err)
			}
		}
		if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, fmt.Errorf("parse step started_at: %w", err)
		}
		if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("parse step completed_at: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*soar.Execution, error) {
	var exec soar.Execution
	var status, triggerType string
	var contextJSON sql.NullString
	var enqueuedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&exec.ID, &exec.PlaybookID, &exec.PlaybookVersion, &exec.OrganizationID,
		&status, &exec.TriggeredBy, &triggerType, &exec.Priority, &contextJSON, &exec.Error,
		&exec.StepsTotal, &exec.StepsCompleted, &exec.StepsSkipped,
		&enqueuedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	exec.Status = soar.ExecutionStatus(status)
	exec.TriggerType = core.TriggerType(triggerType)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &exec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal execution context: %w", err)
		}
	}
	if exec.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if exec.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if exec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &exec, nil
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
