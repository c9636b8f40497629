package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
)

const defaultWaitSeconds = 120

// executionResult — ответ promptline.run и promptline.status.
type executionResult struct {
	*domain.ExecutionDetail

	// FinalOutput — ответ последнего успешно выполненного шага.
	FinalOutput string `json:"final_output,omitempty"`

	// TimedOut — ожидание прервано по timeout_seconds, execution ещё идёт.
	TimedOut bool `json:"timed_out,omitempty"`
}

type workflowSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       int       `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// handleRun запускает workflow и (по умолчанию) дожидается завершения.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("workflow")
	if err != nil || strings.TrimSpace(ref) == "" {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	initial := mcp.ParseStringMap(req, "initial_context", nil)
	wait := req.GetBool("wait", true)
	timeout := time.Duration(req.GetFloat("timeout_seconds", defaultWaitSeconds) * float64(time.Second))
	if timeout <= 0 || timeout > s.maxWait {
		timeout = s.maxWait
	}

	workflowID, err := s.resolveWorkflow(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	exec, err := s.executor.StartExecution(ctx, workflowID, initial)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start execution: %v", err)), nil
	}
	s.logger.Info("execution started via mcp", "execution_id", exec.ID, "workflow_id", workflowID)

	if !wait {
		return marshalResult(executionResult{ExecutionDetail: &domain.ExecutionDetail{Execution: *exec, Logs: []domain.ExecutionLog{}}})
	}

	result, err := s.waitExecution(ctx, exec.ID, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s: %v", exec.ID, err)), nil
	}
	return marshalResult(result)
}

// handleStatus возвращает execution с логами попыток.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError("execution_id must be a UUID"), nil
	}

	detail, err := s.executor.GetExecutionDetail(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(newExecutionResult(detail, false))
}

// handleListWorkflows возвращает workflows с количеством шагов.
func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list workflows failed: %v", err)), nil
	}

	summaries := make([]workflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		summary := workflowSummary{ID: wf.ID, Name: wf.Name, Description: wf.Description, CreatedAt: wf.CreatedAt}
		if full, err := s.store.GetWorkflow(ctx, wf.ID); err == nil {
			summary.Steps = len(full.Steps)
		}
		summaries = append(summaries, summary)
	}

	// structuredContent должен быть объектом, не массивом.
	return marshalResult(map[string]any{"workflows": summaries, "total": len(summaries)})
}

// resolveWorkflow принимает ID или точное имя workflow.
func (s *Server) resolveWorkflow(ctx context.Context, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}

	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list workflows: %w", err)
	}
	var matches []uuid.UUID
	for _, wf := range workflows {
		if wf.Name == ref {
			matches = append(matches, wf.ID)
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("workflow %q: %w", ref, repo.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, fmt.Errorf("workflow name %q is ambiguous (%d matches), pass the ID", ref, len(matches))
	}
}

// waitExecution опрашивает execution до терминального статуса или timeout.
func (s *Server) waitExecution(ctx context.Context, id uuid.UUID, timeout time.Duration) (executionResult, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		detail, err := s.executor.GetExecutionDetail(ctx, id)
		if err != nil {
			return executionResult{}, err
		}
		if detail.Status.IsTerminal() {
			return newExecutionResult(detail, false), nil
		}

		select {
		case <-ctx.Done():
			return executionResult{}, ctx.Err()
		case <-deadline.C:
			return newExecutionResult(detail, true), nil
		case <-ticker.C:
		}
	}
}

func newExecutionResult(detail *domain.ExecutionDetail, timedOut bool) executionResult {
	result := executionResult{ExecutionDetail: detail, TimedOut: timedOut}
	best := 0
	for _, l := range detail.Logs {
		if l.Status == domain.LogStatusSuccess && l.OutputContent != nil && l.StepOrder >= best {
			best = l.StepOrder
			result.FinalOutput = *l.OutputContent
		}
	}
	return result
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

