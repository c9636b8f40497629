package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Promptline/internal/domain"
)

// PGStore — хранилище на Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore создаёт новый PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close закрывает пул соединений.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// inTx выполняет fn в транзакции.
func (s *PGStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Workflows ---

// ListWorkflows возвращает все workflows, новые первыми.
func (s *PGStore) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	query := `
		SELECT id, name, description, created_at
		FROM workflows
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []domain.Workflow{}
	for rows.Next() {
		wf, err := scanPGWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// GetWorkflow возвращает workflow с активными шагами.
func (s *PGStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error) {
	query := `
		SELECT id, name, description, created_at
		FROM workflows
		WHERE id = $1
	`
	wf, err := scanPGWorkflow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	stepsQuery := `
		SELECT id, workflow_id, step_order, position, prompt_template,
		       model_config, retry_policy, completion_criteria, retired_at
		FROM workflow_steps
		WHERE workflow_id = $1 AND retired_at IS NULL
		ORDER BY step_order, position
	`
	rows, err := s.pool.Query(ctx, stepsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	result := &domain.WorkflowWithSteps{Workflow: *wf, Steps: []domain.Step{}}
	for rows.Next() {
		var step domain.Step
		var cols stepColumns
		if err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.Order,
			&step.Position,
			&step.PromptTemplate,
			&cols.modelConfig,
			&cols.retryPolicy,
			&cols.completionCriteria,
			&step.RetiredAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := decodeStep(&step, cols); err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, step)
	}
	return result, rows.Err()
}

// CreateWorkflow создаёт workflow вместе с шагами.
func (s *PGStore) CreateWorkflow(ctx context.Context, wf *domain.WorkflowWithSteps) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	prepareSteps(wf.ID, wf.Steps)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO workflows (id, name, description, created_at)
			VALUES ($1, $2, $3, $4)
		`
		if _, err := tx.Exec(ctx, query, wf.ID, wf.Name, nullString(wf.Description), wf.CreatedAt); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		return insertPGSteps(ctx, tx, wf.Steps)
	})
}

// UpdateWorkflow обновляет имя и описание workflow.
// Если steps != nil, список шагов заменяется. Шаги, на которые ссылаются логи,
// помечаются retired_at, остальные удаляются. Пока у workflow есть незавершённые
// executions, retired_at получают все активные шаги: выполняемый execution
// ещё будет писать логи по ним.
func (s *PGStore) UpdateWorkflow(ctx context.Context, wf *domain.Workflow, steps []domain.Step) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE workflows
			SET name = $2, description = $3
			WHERE id = $1
		`
		result, err := tx.Exec(ctx, query, wf.ID, wf.Name, nullString(wf.Description))
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		if steps == nil {
			return nil
		}

		retire := `
			UPDATE workflow_steps
			SET retired_at = now()
			WHERE workflow_id = $1 AND retired_at IS NULL
			  AND (
			    EXISTS (SELECT 1 FROM execution_logs l WHERE l.step_id = workflow_steps.id)
			    OR EXISTS (
			      SELECT 1 FROM executions e
			      WHERE e.workflow_id = $1 AND e.status IN ('pending', 'running')
			    )
			  )
		`
		if _, err := tx.Exec(ctx, retire, wf.ID); err != nil {
			return fmt.Errorf("retire steps: %w", err)
		}

		remove := `
			DELETE FROM workflow_steps
			WHERE workflow_id = $1 AND retired_at IS NULL
		`
		if _, err := tx.Exec(ctx, remove, wf.ID); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}

		prepareSteps(wf.ID, steps)
		return insertPGSteps(ctx, tx, steps)
	})
}

// DeleteWorkflow удаляет workflow и его шаги.
// Возвращает ErrReferenced, если у workflow есть executions.
func (s *PGStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var referenced bool
		check := `SELECT EXISTS (SELECT 1 FROM executions WHERE workflow_id = $1)`
		if err := tx.QueryRow(ctx, check, id).Scan(&referenced); err != nil {
			return fmt.Errorf("check executions: %w", err)
		}
		if referenced {
			return ErrReferenced
		}

		result, err := tx.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func insertPGSteps(ctx context.Context, tx pgx.Tx, steps []domain.Step) error {
	query := `
		INSERT INTO workflow_steps (id, workflow_id, step_order, position, prompt_template,
		                            model_config, retry_policy, completion_criteria)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i := range steps {
		step := &steps[i]
		cols, err := encodeStep(step)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query,
			step.ID,
			step.WorkflowID,
			step.Order,
			step.Position,
			step.PromptTemplate,
			cols.modelConfig,
			cols.retryPolicy,
			cols.completionCriteria,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", step.Order, err)
		}
	}
	return nil
}

func scanPGWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var description *string
	err := row.Scan(&wf.ID, &wf.Name, &description, &wf.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if description != nil {
		wf.Description = *description
	}
	return &wf, nil
}
