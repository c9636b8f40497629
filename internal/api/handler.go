package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/telemetry"
)

// WorkflowStore — операции хранилища, нужные API.
type WorkflowStore interface {
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error)
	CreateWorkflow(ctx context.Context, wf *domain.WorkflowWithSteps) error
	UpdateWorkflow(ctx context.Context, wf *domain.Workflow, steps []domain.Step) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
	ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.ExecutionSummary, error)
}

// Executor запускает executions и отдаёт их детали (engine.Engine).
type Executor interface {
	StartExecution(ctx context.Context, workflowID uuid.UUID, initialContext map[string]any) (*domain.Execution, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store     WorkflowStore
	executor  Executor
	validator *Validator
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store    WorkflowStore
	Executor Executor

	// Validator — проверка тел запросов. Nil — NewValidator().
	Validator *Validator

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) (*Handler, error) {
	validator := cfg.Validator
	if validator == nil {
		var err error
		if validator, err = NewValidator(); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		executor:  cfg.Executor,
		validator: validator,
		logger:    logger,
	}, nil
}

// log возвращает логгер запроса, который кладёт Logging middleware.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context())
}
