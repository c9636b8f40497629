package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Promptline/internal/domain"
)

const pgExecutionColumns = `id, workflow_id, status, initial_context, started_at, completed_at`

// --- Executions ---

// CreateExecution создаёт execution.
func (s *PGStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	ctxJSON, err := marshalContext(exec.InitialContext)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, workflow_id, status, initial_context, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.pool.Exec(ctx, query,
		exec.ID,
		exec.WorkflowID,
		exec.Status,
		ctxJSON,
		exec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ClaimExecution атомарно переводит execution из pending в running.
// Возвращает ErrInvalidState, если execution уже забран другим исполнителем.
func (s *PGStore) ClaimExecution(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE executions
		SET status = 'running'
		WHERE id = $1 AND status = 'pending'
	`
	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

// UpdateExecutionStatus меняет статус execution.
// Финальные статусы не перезаписываются: в этом случае возвращается ErrInvalidState.
func (s *PGStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error {
	query := `
		UPDATE executions
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	result, err := s.pool.Exec(ctx, query, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

func (s *PGStore) missingOrInvalid(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

// GetExecution возвращает execution по ID.
func (s *PGStore) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM executions WHERE id = $1`
	return scanPGExecution(s.pool.QueryRow(ctx, query, id))
}

// GetExecutionDetail возвращает execution с логами и описанием workflow.
func (s *PGStore) GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &domain.ExecutionDetail{Execution: *exec}

	wfQuery := `SELECT id, name, description, created_at FROM workflows WHERE id = $1`
	wf, err := scanPGWorkflow(s.pool.QueryRow(ctx, wfQuery, exec.WorkflowID))
	switch {
	case err == nil:
		detail.Workflow = wf
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	logs, err := s.ListLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.Logs = logs
	return detail, nil
}

// ListExecutions возвращает executions с именами workflows, новые первыми.
func (s *PGStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionSummary, error) {
	query := `
		SELECT e.id, e.workflow_id, e.status, e.initial_context, e.started_at, e.completed_at,
		       COALESCE(w.name, '')
		FROM executions e
		LEFT JOIN workflows w ON w.id = e.workflow_id
		WHERE ($1::uuid IS NULL OR e.workflow_id = $1)
		  AND ($2::text = '' OR e.status = $2)
		ORDER BY e.started_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.pool.Query(ctx, query,
		nullUUID(filter.WorkflowID),
		string(filter.Status),
		filter.limit(),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	result := []domain.ExecutionSummary{}
	for rows.Next() {
		var sum domain.ExecutionSummary
		var ctxJSON []byte
		if err := rows.Scan(
			&sum.ID,
			&sum.WorkflowID,
			&sum.Status,
			&ctxJSON,
			&sum.StartedAt,
			&sum.CompletedAt,
			&sum.WorkflowName,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if sum.InitialContext, err = unmarshalContext(ctxJSON); err != nil {
			return nil, err
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// ListPendingExecutions возвращает самые старые executions в статусе pending.
func (s *PGStore) ListPendingExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	query := `
		SELECT ` + pgExecutionColumns + `
		FROM executions
		WHERE status = 'pending'
		ORDER BY started_at
		LIMIT $1
	`
	return s.queryExecutions(ctx, query, limit)
}

// ListStaleExecutions возвращает незавершённые executions без активности с before:
// последняя попытка (или старт, если попыток нет) раньше before.
func (s *PGStore) ListStaleExecutions(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error) {
	query := `
		SELECT ` + pgExecutionColumns + `
		FROM executions
		WHERE status IN ('pending', 'running')
		  AND COALESCE(
		    (SELECT max(l.logged_at) FROM execution_logs l WHERE l.execution_id = executions.id),
		    started_at
		  ) < $1
		ORDER BY started_at
		LIMIT $2
	`
	return s.queryExecutions(ctx, query, before, limit)
}

func (s *PGStore) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		exec, err := scanPGExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *exec)
	}
	return result, rows.Err()
}

func scanPGExecution(row pgx.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var ctxJSON []byte
	err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.Status,
		&ctxJSON,
		&exec.StartedAt,
		&exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if exec.InitialContext, err = unmarshalContext(ctxJSON); err != nil {
		return nil, err
	}
	return &exec, nil
}

// --- Logs ---

// CreateLog добавляет запись попытки.
func (s *PGStore) CreateLog(ctx context.Context, log *domain.ExecutionLog) error {
	ctxJSON, err := marshalContext(log.InputContext)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO execution_logs (id, execution_id, step_id, status, input_context,
		                            output_content, error, duration_ms, attempt_number, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query,
		log.ID,
		log.ExecutionID,
		log.StepID,
		log.Status,
		ctxJSON,
		log.OutputContent,
		log.Error,
		log.DurationMs,
		log.AttemptNumber,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// UpdateLog сохраняет результат попытки.
func (s *PGStore) UpdateLog(ctx context.Context, log *domain.ExecutionLog) error {
	query := `
		UPDATE execution_logs
		SET status = $2, output_content = $3, error = $4, duration_ms = $5
		WHERE id = $1
	`
	result, err := s.pool.Exec(ctx, query,
		log.ID,
		log.Status,
		log.OutputContent,
		log.Error,
		log.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("update execution log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLogs возвращает логи execution в порядке записи.
func (s *PGStore) ListLogs(ctx context.Context, executionID uuid.UUID) ([]domain.ExecutionLog, error) {
	query := `
		SELECT l.id, l.execution_id, l.step_id, COALESCE(st.step_order, 0), l.status, l.input_context,
		       l.output_content, l.error, l.duration_ms, l.attempt_number, l.logged_at
		FROM execution_logs l
		LEFT JOIN workflow_steps st ON st.id = l.step_id
		WHERE l.execution_id = $1
		ORDER BY l.seq
	`
	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.ExecutionLog{}
	for rows.Next() {
		var log domain.ExecutionLog
		var ctxJSON []byte
		if err := rows.Scan(
			&log.ID,
			&log.ExecutionID,
			&log.StepID,
			&log.StepOrder,
			&log.Status,
			&ctxJSON,
			&log.OutputContent,
			&log.Error,
			&log.DurationMs,
			&log.AttemptNumber,
			&log.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if log.InputContext, err = unmarshalContext(ctxJSON); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
