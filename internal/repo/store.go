package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
)

// Store — полный набор операций хранилища.
//
// Реализации: PGStore (Postgres), SQLiteStore (локальная разработка), MemoryStore (тесты).
// Потребители (engine, api, runner) объявляют собственные узкие интерфейсы.
type Store interface {
	// Workflows
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error)
	CreateWorkflow(ctx context.Context, wf *domain.WorkflowWithSteps) error
	UpdateWorkflow(ctx context.Context, wf *domain.Workflow, steps []domain.Step) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error

	// Executions
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	ClaimExecution(ctx context.Context, id uuid.UUID) error
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionSummary, error)
	ListPendingExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	ListStaleExecutions(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error)

	// Logs
	CreateLog(ctx context.Context, log *domain.ExecutionLog) error
	UpdateLog(ctx context.Context, log *domain.ExecutionLog) error
	ListLogs(ctx context.Context, executionID uuid.UUID) ([]domain.ExecutionLog, error)

	Close() error
}

// ExecutionFilter — параметры фильтрации executions.
type ExecutionFilter struct {
	WorkflowID *uuid.UUID
	Status     domain.ExecutionStatus
	Limit      int
	Offset     int
}

// DefaultListLimit — лимит списков по умолчанию.
const DefaultListLimit = 50

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Options — параметры открытия хранилища.
type Options struct {
	// Driver — "postgres", "sqlite" или "memory".
	Driver string

	// DSN — строка подключения к Postgres.
	DSN string

	// SQLitePath — путь к файлу SQLite (":memory:" для in-memory базы).
	SQLitePath string
}

// Open открывает хранилище по драйверу и применяет схему.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "postgres":
		pool, err := NewPool(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		if err := MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPGStore(pool), nil
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// copyContext возвращает поверхностную копию контекста.
// Снимки контекста в логах не должны разделять map с движком.
func copyContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
