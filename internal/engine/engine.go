package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/telemetry"
)

// Store — операции хранилища, которые использует движок.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error)
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	ClaimExecution(ctx context.Context, id uuid.UUID) error
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error)
	CreateLog(ctx context.Context, log *domain.ExecutionLog) error
	UpdateLog(ctx context.Context, log *domain.ExecutionLog) error
}

// ExecutionRequest — запрос на выполнение созданного execution.
// Передаётся через Dispatcher (канал runner'а или сообщение в очереди).
type ExecutionRequest struct {
	ExecutionID    uuid.UUID      `json:"execution_id"`
	WorkflowID     uuid.UUID      `json:"workflow_id"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
}

// Dispatcher передаёт execution на фоновое выполнение и сразу возвращает управление.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ExecutionRequest) error
}

// Ключи контекста при PropagateOutput.
const (
	PreviousOutputKey = "previous_output"
	stepOutputKeyFmt  = "step_%d_output"
)

// StepOutputKey возвращает ключ контекста с ответом шага с данным order.
func StepOutputKey(order int) string {
	return fmt.Sprintf(stepOutputKeyFmt, order)
}

// Config — конфигурация Engine.
type Config struct {
	// Store — хранилище workflows, executions и логов.
	Store Store

	// Generator — провайдер генерации (обычно *provider.Registry).
	Generator Generator

	// Dispatcher — фоновый запуск. Nil — запуск в отдельной горутине.
	Dispatcher Dispatcher

	// Retrier — политика повторов. Nil — NewRetrier().
	Retrier *Retrier

	// StepTimeout — таймаут одной попытки шага. 0 — без таймаута.
	StepTimeout time.Duration

	// PropagateOutput — добавлять ответ шага в контекст следующих шагов.
	PropagateOutput bool

	// Logger — логгер.
	Logger *slog.Logger
}

// Engine — движок выполнения workflow.
//
// Один вызов Execute ведёт одно execution от pending до финального статуса.
// Логи попыток и статус execution пишет только он.
type Engine struct {
	store     Store
	invoker   *StepInvoker
	retrier   *Retrier
	propagate bool
	logger    *slog.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	retrier := cfg.Retrier
	if retrier == nil {
		retrier = NewRetrier()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      cfg.Store,
		invoker:    NewStepInvoker(cfg.Generator, cfg.StepTimeout),
		retrier:    retrier,
		propagate:  cfg.PropagateOutput,
		logger:     logger,
		dispatcher: cfg.Dispatcher,
	}
}

// SetDispatcher подключает Dispatcher после создания движка
// (runner создаётся с уже готовым Engine).
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

func (e *Engine) getDispatcher() Dispatcher {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher
}

// StartExecution создаёт pending execution и передаёт его на фоновое выполнение.
// Не ждёт выполнения шагов.
func (e *Engine) StartExecution(ctx context.Context, workflowID uuid.UUID, initialContext map[string]any) (*domain.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if !wf.IsExecutable() {
		return nil, ErrEmptySteps
	}

	exec := domain.NewExecution(workflowID, copyVars(initialContext))
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	logger := telemetry.WithExecutionID(e.logger, exec.ID.String())
	logger.Info("execution created", "workflow_id", workflowID)

	req := ExecutionRequest{
		ExecutionID:    exec.ID,
		WorkflowID:     workflowID,
		InitialContext: copyVars(exec.InitialContext),
	}

	d := e.getDispatcher()
	if d == nil {
		go func() {
			_ = e.Execute(context.WithoutCancel(ctx), req)
		}()
		return exec, nil
	}

	// Execution уже сохранён в pending: при ошибке диспетчеризации его подберёт поллер runner'а.
	if err := d.Dispatch(ctx, req); err != nil {
		logger.Warn("dispatch failed, execution left pending", "error", err)
	}
	return exec, nil
}

// GetExecutionDetail возвращает execution с логами и описанием workflow.
func (e *Engine) GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error) {
	detail, err := e.store.GetExecutionDetail(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution detail: %w", err)
	}
	return detail, nil
}

// Execute выполняет execution.
//
// Возвращает nil, если execution дошёл до финального статуса (в том числе failed
// из-за упавшего шага или выставленного извне). ErrExecutionClaimed — execution уже забран, ничего не записано.
// Любая другая ошибка (хранилище, panic) переводит execution в failed.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (err error) {
	logger := telemetry.WithWorkflowID(
		telemetry.WithExecutionID(e.logger, req.ExecutionID.String()),
		req.WorkflowID.String(),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
		if err == nil || errors.Is(err, ErrExecutionClaimed) || errors.Is(err, ErrExecutionNotFound) {
			return
		}
		if errors.Is(err, ErrExecutionFinished) {
			// статус уже финальный (например, sweeper другого процесса), дальше не пишем
			logger.Warn("execution finished elsewhere, stopping")
			err = nil
			return
		}
		logger.Error("execution aborted", "error", err)
		e.finish(ctx, req.ExecutionID, domain.ExecutionStatusFailed, logger)
	}()

	return e.run(ctx, req, logger)
}

func (e *Engine) run(ctx context.Context, req ExecutionRequest, logger *slog.Logger) error {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if errors.Is(err, repo.ErrNotFound) {
		// pending → failed без running: workflow удалён до старта
		logger.Warn("workflow vanished before execution started")
		e.finish(ctx, req.ExecutionID, domain.ExecutionStatusFailed, logger)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}

	if err := e.store.ClaimExecution(ctx, req.ExecutionID); err != nil {
		switch {
		case errors.Is(err, repo.ErrInvalidState):
			return ErrExecutionClaimed
		case errors.Is(err, repo.ErrNotFound):
			return ErrExecutionNotFound
		default:
			return fmt.Errorf("claim execution: %w", err)
		}
	}
	logger.Info("execution started", "steps", len(wf.Steps))

	if !wf.IsExecutable() {
		return ErrEmptySteps
	}

	vars := copyVars(req.InitialContext)
	if vars == nil {
		vars = make(map[string]any)
	}

	for _, step := range wf.Steps {
		output, err := e.runStep(ctx, req.ExecutionID, step, vars, logger)
		if errors.Is(err, ErrStepFailed) {
			logger.Warn("execution failed", "step_order", step.Order, "error", err)
			e.finish(ctx, req.ExecutionID, domain.ExecutionStatusFailed, logger)
			return nil
		}
		if err != nil {
			return err
		}

		if e.propagate {
			vars[PreviousOutputKey] = output
			vars[StepOutputKey(step.Order)] = output
		}
	}

	e.finish(ctx, req.ExecutionID, domain.ExecutionStatusCompleted, logger)
	logger.Info("execution completed")
	return nil
}

// runStep выполняет шаг с повторами; каждая попытка пишется отдельной строкой лога.
// Возвращает ErrStepFailed, если попытки исчерпаны, и ошибку хранилища как есть.
func (e *Engine) runStep(ctx context.Context, executionID uuid.UUID, step domain.Step, vars map[string]any, logger *slog.Logger) (string, error) {
	stepLogger := telemetry.WithStepID(logger, step.ID.String())
	kind := provider.ResolveKind(step.ModelConfig.Provider).String()

	var output string
	var storeErr error
	var lastLog *domain.ExecutionLog

	err := e.retrier.Do(ctx, step.RetryPolicy, func(ctx context.Context, a Attempt) error {
		if err := e.checkNotFinished(ctx, executionID); err != nil {
			storeErr = err
			return Permanent(err)
		}

		started := time.Now()
		log := domain.NewExecutionLog(executionID, step.ID, copyVars(vars), a.Number)
		lastLog = log
		if err := e.store.CreateLog(ctx, log); err != nil {
			storeErr = fmt.Errorf("create log: %w", err)
			return Permanent(storeErr)
		}

		out, invokeErr := e.invoker.Invoke(ctx, step, vars)
		elapsed := time.Since(started)

		if invokeErr == nil {
			log.MarkSuccess(out, elapsed)
		} else {
			log.MarkFailed(invokeErr.Error(), elapsed, e.retrier.ShouldRetry(a, invokeErr))
		}
		telemetry.StepAttemptsTotal.WithLabelValues(kind, string(log.Status)).Inc()
		telemetry.StepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

		if err := e.store.UpdateLog(context.WithoutCancel(ctx), log); err != nil {
			storeErr = fmt.Errorf("update log: %w", err)
			return Permanent(storeErr)
		}

		if invokeErr != nil {
			stepLogger.Warn("step attempt failed",
				"attempt", a.Number,
				"max_attempts", a.Max,
				"status", log.Status,
				"error", invokeErr,
			)
			return invokeErr
		}

		stepLogger.Debug("step attempt succeeded", "attempt", a.Number, "duration_ms", elapsed.Milliseconds())
		output = out
		return nil
	})

	if storeErr != nil {
		return "", storeErr
	}
	if errors.Is(err, ErrRetryInterrupted) && lastLog != nil {
		// последняя попытка записана как retrying, но повтора не будет
		lastLog.AbortRetry(err.Error())
		if uerr := e.store.UpdateLog(context.WithoutCancel(ctx), lastLog); uerr != nil {
			return "", fmt.Errorf("update log: %w", uerr)
		}
		stepLogger.Warn("retry wait interrupted", "attempt", lastLog.AttemptNumber, "error", err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: step %d: %w", ErrStepFailed, step.Order, err)
	}
	return output, nil
}

// checkNotFinished возвращает ErrExecutionFinished, если execution уже в финальном статусе.
func (e *Engine) checkNotFinished(ctx context.Context, id uuid.UUID) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return fmt.Errorf("get execution: %w", err)
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrExecutionFinished, exec.Status)
	}
	return nil
}

// finish переводит execution в финальный статус.
// Запись выполняется и после отмены ctx: execution не должен остаться в pending/running.
func (e *Engine) finish(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, logger *slog.Logger) {
	now := time.Now().UTC()
	err := e.store.UpdateExecutionStatus(context.WithoutCancel(ctx), id, status, &now)
	switch {
	case err == nil:
		telemetry.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	case errors.Is(err, repo.ErrInvalidState):
		logger.Warn("execution already finished, status not changed", "status", status)
	default:
		logger.Error("failed to update execution status", "status", status, "error", err)
	}
}

// copyVars возвращает поверхностную копию контекста.
func copyVars(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
