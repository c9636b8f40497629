package domain

import (
	"time"

	"github.com/google/uuid"
)

// Execution — один запуск workflow.
//
// Execution создаётся в статусе pending при запросе на запуск,
// после чего движок меняет только Status и CompletedAt.
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на выполняемый workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// InitialContext — контекст, переданный при запуске.
	InitialContext map[string]any `json:"initial_context,omitempty"`

	// StartedAt — время создания execution.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время перехода в финальный статус.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewExecution создаёт execution в статусе pending.
func NewExecution(workflowID uuid.UUID, initialContext map[string]any) *Execution {
	return &Execution{
		ID:             uuid.New(),
		WorkflowID:     workflowID,
		Status:         ExecutionStatusPending,
		InitialContext: initialContext,
		StartedAt:      time.Now().UTC(),
	}
}

// IsFinished возвращает true, если execution завершён.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если execution ещё не завершён.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// ExecutionSummary — execution с именем workflow (для списков).
type ExecutionSummary struct {
	Execution
	WorkflowName string `json:"workflow_name,omitempty"`
}

// ExecutionLog — запись об одной попытке одного шага.
//
// Логи только дописываются; это единственный audit trail выполнения.
type ExecutionLog struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// ExecutionID — ссылка на execution.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ссылка на шаг.
	StepID uuid.UUID `json:"step_id"`

	// StepOrder — порядок шага (заполняется при чтении деталей execution).
	StepOrder int `json:"step_order,omitempty"`

	// Status — статус попытки.
	Status LogStatus `json:"status"`

	// InputContext — снимок контекста на момент вызова.
	InputContext map[string]any `json:"input_context"`

	// OutputContent — ответ модели.
	OutputContent *string `json:"output_content,omitempty"`

	// Error — сообщение об ошибке.
	Error *string `json:"error,omitempty"`

	// DurationMs — длительность попытки в миллисекундах.
	DurationMs *int64 `json:"duration_ms,omitempty"`

	// AttemptNumber — номер попытки (начиная с 1).
	AttemptNumber int `json:"attempt_number"`

	// Timestamp — время создания записи.
	Timestamp time.Time `json:"timestamp"`
}

// NewExecutionLog создаёт запись попытки в статусе running.
func NewExecutionLog(executionID, stepID uuid.UUID, inputContext map[string]any, attempt int) *ExecutionLog {
	return &ExecutionLog{
		ID:            uuid.New(),
		ExecutionID:   executionID,
		StepID:        stepID,
		Status:        LogStatusRunning,
		InputContext:  inputContext,
		AttemptNumber: attempt,
		Timestamp:     time.Now().UTC(),
	}
}

// MarkSuccess переводит попытку в success.
func (l *ExecutionLog) MarkSuccess(output string, duration time.Duration) {
	ms := duration.Milliseconds()
	l.Status = LogStatusSuccess
	l.OutputContent = &output
	l.DurationMs = &ms
}

// MarkFailed переводит попытку в failed (или retrying, если будет повтор).
func (l *ExecutionLog) MarkFailed(errMsg string, duration time.Duration, willRetry bool) {
	ms := duration.Milliseconds()
	l.Status = LogStatusFailed
	if willRetry {
		l.Status = LogStatusRetrying
	}
	l.Error = &errMsg
	l.DurationMs = &ms
}

// AbortRetry закрывает попытку в статусе retrying как failed: повтора не будет.
func (l *ExecutionLog) AbortRetry(reason string) {
	if l.Status != LogStatusRetrying {
		return
	}
	msg := reason
	if l.Error != nil {
		msg = *l.Error + "; " + reason
	}
	l.Status = LogStatusFailed
	l.Error = &msg
}

// ExecutionDetail — execution с логами и кратким описанием workflow.
type ExecutionDetail struct {
	Execution
	Logs     []ExecutionLog `json:"logs"`
	Workflow *Workflow      `json:"workflow,omitempty"`
}
