package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
)

// Workflow DTOs

// StepRequest — шаг в запросе на создание или обновление workflow.
type StepRequest struct {
	Order              int                        `json:"order"`
	PromptTemplate     string                     `json:"prompt_template"`
	ModelConfig        domain.ModelConfig         `json:"model_config"`
	RetryPolicy        domain.RetryPolicy         `json:"retry_policy"`
	CompletionCriteria *domain.CompletionCriteria `json:"completion_criteria,omitempty"`
}

// CreateWorkflowRequest — запрос на создание workflow.
type CreateWorkflowRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Steps       []StepRequest `json:"steps"`
}

// UpdateWorkflowRequest — запрос на обновление workflow.
// Steps == nil — шаги не меняются, иначе заменяются целиком.
type UpdateWorkflowRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Steps       []StepRequest `json:"steps,omitempty"`
}

func stepsToDomain(reqs []StepRequest) []domain.Step {
	if reqs == nil {
		return nil
	}
	steps := make([]domain.Step, len(reqs))
	for i, s := range reqs {
		steps[i] = domain.Step{
			Order:              s.Order,
			PromptTemplate:     s.PromptTemplate,
			ModelConfig:        s.ModelConfig,
			RetryPolicy:        s.RetryPolicy,
			CompletionCriteria: s.CompletionCriteria,
		}
	}
	return steps
}

// StepResponse — шаг workflow.
type StepResponse struct {
	ID                 uuid.UUID                  `json:"id"`
	Order              int                        `json:"order"`
	PromptTemplate     string                     `json:"prompt_template"`
	ModelConfig        domain.ModelConfig         `json:"model_config"`
	RetryPolicy        domain.RetryPolicy         `json:"retry_policy"`
	CompletionCriteria *domain.CompletionCriteria `json:"completion_criteria,omitempty"`
}

// WorkflowResponse — ответ с workflow. Steps заполнен только для одного workflow.
type WorkflowResponse struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Steps       []StepResponse `json:"steps,omitempty"`
}

// WorkflowFromDomain конвертирует domain.Workflow в WorkflowResponse.
func WorkflowFromDomain(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		CreatedAt:   w.CreatedAt,
	}
}

// WorkflowWithStepsFromDomain конвертирует workflow вместе с активными шагами.
func WorkflowWithStepsFromDomain(w *domain.WorkflowWithSteps) WorkflowResponse {
	resp := WorkflowFromDomain(w.Workflow)
	resp.Steps = make([]StepResponse, len(w.Steps))
	for i, s := range w.Steps {
		resp.Steps[i] = StepResponse{
			ID:                 s.ID,
			Order:              s.Order,
			PromptTemplate:     s.PromptTemplate,
			ModelConfig:        s.ModelConfig,
			RetryPolicy:        s.RetryPolicy,
			CompletionCriteria: s.CompletionCriteria,
		}
	}
	return resp
}

// Execution DTOs

// ExecuteRequest — запрос на запуск workflow.
type ExecuteRequest struct {
	InitialContext map[string]any `json:"initial_context,omitempty"`
}

// ExecutionResponse — ответ с execution.
type ExecutionResponse struct {
	ID             uuid.UUID      `json:"id"`
	WorkflowID     uuid.UUID      `json:"workflow_id"`
	WorkflowName   string         `json:"workflow_name,omitempty"`
	Status         string         `json:"status"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ExecutionFromDomain конвертирует domain.Execution в ExecutionResponse.
func ExecutionFromDomain(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		WorkflowID:     e.WorkflowID,
		Status:         string(e.Status),
		InitialContext: e.InitialContext,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
	}
}

// ExecutionSummaryFromDomain добавляет имя workflow.
func ExecutionSummaryFromDomain(s domain.ExecutionSummary) ExecutionResponse {
	resp := ExecutionFromDomain(s.Execution)
	resp.WorkflowName = s.WorkflowName
	return resp
}

// LogResponse — запись о попытке шага.
type LogResponse struct {
	ID            uuid.UUID      `json:"id"`
	StepID        uuid.UUID      `json:"step_id"`
	StepOrder     int            `json:"step_order"`
	Status        string         `json:"status"`
	InputContext  map[string]any `json:"input_context"`
	OutputContent *string        `json:"output_content,omitempty"`
	Error         *string        `json:"error,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	AttemptNumber int            `json:"attempt_number"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ExecutionDetailResponse — execution с логами и кратким описанием workflow.
type ExecutionDetailResponse struct {
	ExecutionResponse
	Workflow *WorkflowResponse `json:"workflow,omitempty"`
	Logs     []LogResponse     `json:"logs"`
}

// ExecutionDetailFromDomain конвертирует domain.ExecutionDetail.
func ExecutionDetailFromDomain(d *domain.ExecutionDetail) ExecutionDetailResponse {
	resp := ExecutionDetailResponse{
		ExecutionResponse: ExecutionFromDomain(d.Execution),
		Logs:              make([]LogResponse, len(d.Logs)),
	}
	if d.Workflow != nil {
		wf := WorkflowFromDomain(*d.Workflow)
		resp.Workflow = &wf
		resp.WorkflowName = wf.Name
	}
	for i, l := range d.Logs {
		resp.Logs[i] = LogResponse{
			ID:            l.ID,
			StepID:        l.StepID,
			StepOrder:     l.StepOrder,
			Status:        string(l.Status),
			InputContext:  l.InputContext,
			OutputContent: l.OutputContent,
			Error:         l.Error,
			DurationMs:    l.DurationMs,
			AttemptNumber: l.AttemptNumber,
			Timestamp:     l.Timestamp,
		}
	}
	return resp
}
