package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shaiso/Promptline/internal/domain"
)

// SQLiteStore — хранилище на SQLite для локальной разработки и CLI-демо.
//
// Используется одно соединение: SQLite сериализует запись,
// а in-memory база существует только в рамках соединения.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite открывает базу по пути и применяет схему.
// Пустой путь или ":memory:" — in-memory база.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close закрывает базу.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// bytesArg возвращает nil для пустого JSON, чтобы в колонку попал NULL.
func bytesArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// --- Workflows ---

// ListWorkflows возвращает все workflows, новые первыми.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at
		FROM workflows
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []domain.Workflow{}
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// GetWorkflow возвращает workflow с активными шагами.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error) {
	wf, err := scanSQLiteWorkflow(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at
		FROM workflows
		WHERE id = ?
	`, id.String()))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_order, position, prompt_template,
		       model_config, retry_policy, completion_criteria
		FROM workflow_steps
		WHERE workflow_id = ? AND retired_at IS NULL
		ORDER BY step_order, position
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	result := &domain.WorkflowWithSteps{Workflow: *wf, Steps: []domain.Step{}}
	for rows.Next() {
		var step domain.Step
		var modelConfig, retryPolicy string
		var criteria sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.Order,
			&step.Position,
			&step.PromptTemplate,
			&modelConfig,
			&retryPolicy,
			&criteria,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		cols := stepColumns{modelConfig: []byte(modelConfig), retryPolicy: []byte(retryPolicy)}
		if criteria.Valid {
			cols.completionCriteria = []byte(criteria.String)
		}
		if err := decodeStep(&step, cols); err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, step)
	}
	return result, rows.Err()
}

// CreateWorkflow создаёт workflow вместе с шагами.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *domain.WorkflowWithSteps) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	prepareSteps(wf.ID, wf.Steps)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (id, name, description, created_at)
			VALUES (?, ?, ?, ?)
		`, wf.ID.String(), wf.Name, nullString(wf.Description), toNanos(wf.CreatedAt)); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		return insertSQLiteSteps(ctx, tx, wf.Steps)
	})
}

// UpdateWorkflow обновляет workflow; steps != nil заменяет список шагов.
// Шаги с логами и все шаги workflow с незавершёнными executions выводятся через retired_at.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *domain.Workflow, steps []domain.Step) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE workflows SET name = ?, description = ? WHERE id = ?
		`, wf.Name, nullString(wf.Description), wf.ID.String())
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if steps == nil {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps
			SET retired_at = ?
			WHERE workflow_id = ? AND retired_at IS NULL
			  AND (
			    EXISTS (SELECT 1 FROM execution_logs l WHERE l.step_id = workflow_steps.id)
			    OR EXISTS (
			      SELECT 1 FROM executions e
			      WHERE e.workflow_id = workflow_steps.workflow_id AND e.status IN ('pending', 'running')
			    )
			  )
		`, toNanos(time.Now()), wf.ID.String()); err != nil {
			return fmt.Errorf("retire steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_steps WHERE workflow_id = ? AND retired_at IS NULL
		`, wf.ID.String()); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}

		prepareSteps(wf.ID, steps)
		return insertSQLiteSteps(ctx, tx, steps)
	})
}

// DeleteWorkflow удаляет workflow; ErrReferenced, если у него есть executions.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var referenced bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE workflow_id = ?)`, id.String(),
		).Scan(&referenced); err != nil {
			return fmt.Errorf("check executions: %w", err)
		}
		if referenced {
			return ErrReferenced
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func insertSQLiteSteps(ctx context.Context, tx *sql.Tx, steps []domain.Step) error {
	for i := range steps {
		step := &steps[i]
		cols, err := encodeStep(step)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, workflow_id, step_order, position, prompt_template,
			                            model_config, retry_policy, completion_criteria)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.ID.String(),
			step.WorkflowID.String(),
			step.Order,
			step.Position,
			step.PromptTemplate,
			string(cols.modelConfig),
			string(cols.retryPolicy),
			bytesArg(cols.completionCriteria),
		); err != nil {
			return fmt.Errorf("insert step %d: %w", step.Order, err)
		}
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row sqlRow) (*domain.Workflow, error) {
	var wf domain.Workflow
	var description sql.NullString
	var createdAt int64
	err := row.Scan(&wf.ID, &wf.Name, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.Description = description.String
	wf.CreatedAt = fromNanos(createdAt)
	return &wf, nil
}

// --- Executions ---

const sqliteExecutionColumns = `id, workflow_id, status, initial_context, started_at, completed_at`

// CreateExecution создаёт execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	ctxJSON, err := marshalContext(exec.InitialContext)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, initial_context, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, exec.ID.String(), exec.WorkflowID.String(), string(exec.Status), bytesArg(ctxJSON), toNanos(exec.StartedAt)); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ClaimExecution атомарно переводит execution из pending в running.
func (s *SQLiteStore) ClaimExecution(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = 'running' WHERE id = ? AND status = 'pending'
	`, id.String())
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

// UpdateExecutionStatus меняет статус незавершённого execution.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, string(status), nullNanos(completedAt), id.String())
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) missingOrInvalid(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM executions WHERE id = ?)`, id.String(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

// GetExecution возвращает execution по ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	return scanSQLiteExecution(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExecutionColumns+` FROM executions WHERE id = ?`, id.String()))
}

// GetExecutionDetail возвращает execution с логами и описанием workflow.
func (s *SQLiteStore) GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &domain.ExecutionDetail{Execution: *exec}

	wf, err := scanSQLiteWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM workflows WHERE id = ?`, exec.WorkflowID.String()))
	switch {
	case err == nil:
		detail.Workflow = wf
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if detail.Logs, err = s.ListLogs(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListExecutions возвращает executions с именами workflows, новые первыми.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionSummary, error) {
	var workflowID any
	if id := nullUUID(filter.WorkflowID); id != nil {
		workflowID = id.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.workflow_id, e.status, e.initial_context, e.started_at, e.completed_at,
		       COALESCE(w.name, '')
		FROM executions e
		LEFT JOIN workflows w ON w.id = e.workflow_id
		WHERE (? IS NULL OR e.workflow_id = ?)
		  AND (? = '' OR e.status = ?)
		ORDER BY e.started_at DESC
		LIMIT ? OFFSET ?
	`, workflowID, workflowID, string(filter.Status), string(filter.Status), filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	result := []domain.ExecutionSummary{}
	for rows.Next() {
		var sum domain.ExecutionSummary
		var ctxJSON sql.NullString
		var startedAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(
			&sum.ID,
			&sum.WorkflowID,
			&sum.Status,
			&ctxJSON,
			&startedAt,
			&completedAt,
			&sum.WorkflowName,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if sum.InitialContext, err = unmarshalContext([]byte(ctxJSON.String)); err != nil {
			return nil, err
		}
		sum.StartedAt = fromNanos(startedAt)
		sum.CompletedAt = timePtr(completedAt)
		result = append(result, sum)
	}
	return result, rows.Err()
}

// ListPendingExecutions возвращает самые старые executions в статусе pending.
func (s *SQLiteStore) ListPendingExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+sqliteExecutionColumns+`
		FROM executions
		WHERE status = 'pending'
		ORDER BY started_at
		LIMIT ?
	`, limit)
}

// ListStaleExecutions возвращает незавершённые executions, последняя активность
// которых (попытка или старт) раньше before.
func (s *SQLiteStore) ListStaleExecutions(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+sqliteExecutionColumns+`
		FROM executions
		WHERE status IN ('pending', 'running')
		  AND COALESCE(
		    (SELECT max(l.logged_at) FROM execution_logs l WHERE l.execution_id = executions.id),
		    started_at
		  ) < ?
		ORDER BY started_at
		LIMIT ?
	`, toNanos(before), limit)
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		exec, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *exec)
	}
	return result, rows.Err()
}

func scanSQLiteExecution(row sqlRow) (*domain.Execution, error) {
	var exec domain.Execution
	var ctxJSON sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &ctxJSON, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if exec.InitialContext, err = unmarshalContext([]byte(ctxJSON.String)); err != nil {
		return nil, err
	}
	exec.StartedAt = fromNanos(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	return &exec, nil
}

// --- Logs ---

// CreateLog добавляет запись попытки.
func (s *SQLiteStore) CreateLog(ctx context.Context, log *domain.ExecutionLog) error {
	ctxJSON, err := marshalContext(log.InputContext)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, step_id, status, input_context,
		                            output_content, error, duration_ms, attempt_number, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID.String(),
		log.ExecutionID.String(),
		log.StepID.String(),
		string(log.Status),
		bytesArg(ctxJSON),
		log.OutputContent,
		log.Error,
		log.DurationMs,
		log.AttemptNumber,
		toNanos(log.Timestamp),
	); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// UpdateLog сохраняет результат попытки.
func (s *SQLiteStore) UpdateLog(ctx context.Context, log *domain.ExecutionLog) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = ?, output_content = ?, error = ?, duration_ms = ?
		WHERE id = ?
	`, string(log.Status), log.OutputContent, log.Error, log.DurationMs, log.ID.String())
	if err != nil {
		return fmt.Errorf("update execution log: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLogs возвращает логи execution в порядке записи.
func (s *SQLiteStore) ListLogs(ctx context.Context, executionID uuid.UUID) ([]domain.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.execution_id, l.step_id, COALESCE(st.step_order, 0), l.status, l.input_context,
		       l.output_content, l.error, l.duration_ms, l.attempt_number, l.logged_at
		FROM execution_logs l
		LEFT JOIN workflow_steps st ON st.id = l.step_id
		WHERE l.execution_id = ?
		ORDER BY l.seq
	`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.ExecutionLog{}
	for rows.Next() {
		var log domain.ExecutionLog
		var ctxJSON sql.NullString
		var loggedAt int64
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
			&loggedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if log.InputContext, err = unmarshalContext([]byte(ctxJSON.String)); err != nil {
			return nil, err
		}
		log.Timestamp = fromNanos(loggedAt)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
