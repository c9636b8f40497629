package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// Step — шаг workflow.
type Step struct {
	ID                 string         `json:"id,omitempty"`
	Order              int            `json:"order"`
	PromptTemplate     string         `json:"prompt_template"`
	ModelConfig        map[string]any `json:"model_config"`
	RetryPolicy        map[string]any `json:"retry_policy,omitempty"`
	CompletionCriteria map[string]any `json:"completion_criteria,omitempty"`
}

// Model возвращает model из model_config.
func (s Step) Model() string {
	m, _ := s.ModelConfig["model"].(string)
	return m
}

// Provider возвращает provider из model_config.
func (s Step) Provider() string {
	p, _ := s.ModelConfig["provider"].(string)
	return p
}

// Workflow — workflow из API.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	Steps       []Step `json:"steps,omitempty"`
}

// Execution — execution из API.
type Execution struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	WorkflowName   string         `json:"workflow_name,omitempty"`
	Status         string         `json:"status"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	StartedAt      string         `json:"started_at"`
	CompletedAt    string         `json:"completed_at,omitempty"`
}

// IsTerminal возвращает true для completed и failed.
func (e Execution) IsTerminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// ExecutionLog — попытка шага.
type ExecutionLog struct {
	ID            string         `json:"id"`
	StepID        string         `json:"step_id"`
	StepOrder     int            `json:"step_order"`
	Status        string         `json:"status"`
	InputContext  map[string]any `json:"input_context"`
	OutputContent *string        `json:"output_content,omitempty"`
	Error         *string        `json:"error,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	AttemptNumber int            `json:"attempt_number"`
	Timestamp     string         `json:"timestamp"`
}

// ExecutionDetail — execution с логами.
type ExecutionDetail struct {
	Execution
	Workflow *Workflow     `json:"workflow,omitempty"`
	Logs     []ExecutionLog `json:"logs"`
}

// --- Request types ---

// ListExecutionsOpts — параметры фильтрации executions.
type ListExecutionsOpts struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code       string   `json:"code"`
		Message    string   `json:"message"`
		Violations []string `json:"violations,omitempty"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	Violations []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(e.Violations) > 1 {
		msg += "\n  " + strings.Join(e.Violations, "\n  ")
	}
	return msg
}

// --- Client ---

// Client — HTTP-клиент для Promptline API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Workflows ---

// ListWorkflows возвращает все workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var workflows []Workflow
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows", nil, &workflows)
	return workflows, err
}

// GetWorkflow возвращает workflow с шагами.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, &wf)
	return &wf, err
}

// CreateWorkflow создаёт workflow из JSON-описания (как в POST /api/v1/workflows).
func (c *Client) CreateWorkflow(ctx context.Context, definition json.RawMessage) (*Workflow, error) {
	var wf Workflow
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows", definition, &wf)
	return &wf, err
}

// DeleteWorkflow удаляет workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil, nil)
}

// --- Executions ---

// StartExecution запускает workflow.
func (c *Client) StartExecution(ctx context.Context, workflowID string, initialContext map[string]any) (*Execution, error) {
	body := map[string]any{}
	if initialContext != nil {
		body["initial_context"] = initialContext
	}
	var exec Execution
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/execute", body, &exec)
	return &exec, err
}

// GetExecution возвращает execution с логами.
func (c *Client) GetExecution(ctx context.Context, id string) (*ExecutionDetail, error) {
	var detail ExecutionDetail
	err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &detail)
	return &detail, err
}

// ListExecutions возвращает executions с фильтрацией.
func (c *Client) ListExecutions(ctx context.Context, opts ListExecutionsOpts) ([]Execution, error) {
	params := url.Values{}
	if opts.WorkflowID != "" {
		params.Set("workflow_id", opts.WorkflowID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/executions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var executions []Execution
	err := c.do(ctx, http.MethodGet, path, nil, &executions)
	return executions, err
}

// --- HTTP helpers ---

// do выполняет запрос и разбирает {"data": ...} в result (если не nil).
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{
		Status:     resp.StatusCode,
		Code:       er.Error.Code,
		Message:    er.Error.Message,
		Violations: er.Error.Violations,
	}
}
