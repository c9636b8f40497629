package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
)

// holdDispatcher оставляет executions в pending.
type holdDispatcher struct{}

func (holdDispatcher) Dispatch(context.Context, engine.ExecutionRequest) error { return nil }

func newTestServer(t *testing.T, dispatcher engine.Dispatcher) (*Server, *repo.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repo.NewMemoryStore()
	eng := engine.New(engine.Config{
		Store:      store,
		Generator:  provider.NewRegistry(nil, &provider.MockGenerator{}),
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	s := New(Config{
		Store:        store,
		Executor:     eng,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger,
	})
	return s, store
}

func createWorkflow(t *testing.T, store *repo.MemoryStore, name string, providerName string) *domain.WorkflowWithSteps {
	t.Helper()
	wf := &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{Name: name},
		Steps: []domain.Step{
			{Order: 1, PromptTemplate: "Analyze the following text: {{input}}", ModelConfig: domain.ModelConfig{Model: "kimi-k2p5", Provider: providerName}},
			{Order: 2, PromptTemplate: "Generate a summary report", ModelConfig: domain.ModelConfig{Model: "kimi-k2-instruct-0905", Provider: providerName}},
		},
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf))
	return wf
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), text)
}

type runResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FinalOutput string `json:"final_output"`
	TimedOut    bool   `json:"timed_out"`
	Logs        []struct {
		StepOrder int    `json:"step_order"`
		Status    string `json:"status"`
	} `json:"logs"`
}

func TestRunTool_WaitsForCompletion(t *testing.T) {
	s, store := newTestServer(t, nil)
	wf := createWorkflow(t, store, "Demo Agent Workflow", "mock")

	for _, ref := range []string{wf.ID.String(), "Demo Agent Workflow"} {
		result, err := s.handleRun(context.Background(), buildRequest("promptline.run", map[string]any{
			"workflow":        ref,
			"initial_context": map[string]any{"input": "hello"},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))

		var resp runResponse
		unmarshalResult(t, result, &resp)
		assert.Equal(t, "completed", resp.Status)
		assert.False(t, resp.TimedOut)
		require.Len(t, resp.Logs, 2)
		assert.Equal(t, 1, resp.Logs[0].StepOrder)
		assert.Equal(t, "[Mock AI Response] Processed: Generate a summary report", resp.FinalOutput)
	}
}

func TestRunTool_NoWait(t *testing.T) {
	s, store := newTestServer(t, holdDispatcher{})
	wf := createWorkflow(t, store, "Pipeline", "mock")

	result, err := s.handleRun(context.Background(), buildRequest("promptline.run", map[string]any{
		"workflow": wf.ID.String(),
		"wait":     false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp runResponse
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, resp.ID)
	assert.Empty(t, resp.Logs)
}

func TestRunTool_TimesOut(t *testing.T) {
	s, store := newTestServer(t, holdDispatcher{})
	wf := createWorkflow(t, store, "Pipeline", "mock")

	result, err := s.handleRun(context.Background(), buildRequest("promptline.run", map[string]any{
		"workflow":        wf.ID.String(),
		"timeout_seconds": 0.05,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp runResponse
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, "pending", resp.Status)
}

func TestRunTool_FailedExecution(t *testing.T) {
	s, store := newTestServer(t, nil)
	wf := createWorkflow(t, store, "Unbound", "unbound")

	result, err := s.handleRun(context.Background(), buildRequest("promptline.run", map[string]any{
		"workflow": wf.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp runResponse
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "failed", resp.Status)
	assert.Empty(t, resp.FinalOutput)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "failed", resp.Logs[0].Status)
}

func TestRunTool_Errors(t *testing.T) {
	s, store := newTestServer(t, holdDispatcher{})
	createWorkflow(t, store, "Twin", "mock")
	createWorkflow(t, store, "Twin", "mock")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "missing workflow", args: map[string]any{}, want: "workflow is required"},
		{name: "unknown name", args: map[string]any{"workflow": "nope"}, want: "not found"},
		{name: "ambiguous name", args: map[string]any{"workflow": "Twin"}, want: "ambiguous"},
		{name: "unknown id", args: map[string]any{"workflow": "7f0c4a52-5a2e-4e57-9b0b-8a5a2f1d2c3e"}, want: "failed to start execution"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleRun(context.Background(), buildRequest("promptline.run", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tt.want)
		})
	}
}

func TestStatusTool(t *testing.T) {
	s, store := newTestServer(t, holdDispatcher{})
	wf := createWorkflow(t, store, "Pipeline", "mock")

	exec := domain.NewExecution(wf.ID, map[string]any{"input": "x"})
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	result, err := s.handleStatus(context.Background(), buildRequest("promptline.status", map[string]any{
		"execution_id": exec.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp runResponse
	unmarshalResult(t, result, &resp)
	assert.Equal(t, exec.ID.String(), resp.ID)
	assert.Equal(t, "pending", resp.Status)

	result, err = s.handleStatus(context.Background(), buildRequest("promptline.status", map[string]any{
		"execution_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("promptline.status", map[string]any{
		"execution_id": "7f0c4a52-5a2e-4e57-9b0b-8a5a2f1d2c3e",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "status query failed")
}

func TestListWorkflowsTool(t *testing.T) {
	s, store := newTestServer(t, holdDispatcher{})
	createWorkflow(t, store, "First", "mock")
	createWorkflow(t, store, "Second", "mock")

	result, err := s.handleListWorkflows(context.Background(), buildRequest("promptline.list_workflows", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Workflows []workflowSummary `json:"workflows"`
		Total     int               `json:"total"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Workflows, 2)
	for _, wf := range resp.Workflows {
		assert.Equal(t, 2, wf.Steps)
	}
}

func TestServer_RegistersTools(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NotNil(t, s.MCPServer())

	names := make([]string, 0, 3)
	for _, tool := range s.tools() {
		names = append(names, tool.Tool.Name)
		assert.NotNil(t, tool.Handler)
	}
	assert.ElementsMatch(t, []string{"promptline.run", "promptline.status", "promptline.list_workflows"}, names)
}
