package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
)

// runStoreContract проверяет поведение, общее для всех реализаций Store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("WorkflowRoundTrip", func(t *testing.T) { testWorkflowRoundTrip(t, newStore(t)) })
	t.Run("StepsOrderedWithTieBreak", func(t *testing.T) { testStepsOrdered(t, newStore(t)) })
	t.Run("GetWorkflowNotFound", func(t *testing.T) { testGetWorkflowNotFound(t, newStore(t)) })
	t.Run("UpdateRetiresReferencedSteps", func(t *testing.T) { testUpdateRetiresSteps(t, newStore(t)) })
	t.Run("UpdateWhileRunningKeepsSteps", func(t *testing.T) { testUpdateWhileRunning(t, newStore(t)) })
	t.Run("DeleteWorkflowReferenced", func(t *testing.T) { testDeleteReferenced(t, newStore(t)) })
	t.Run("ClaimExecution", func(t *testing.T) { testClaimExecution(t, newStore(t)) })
	t.Run("TerminalStatusIsFinal", func(t *testing.T) { testTerminalStatusIsFinal(t, newStore(t)) })
	t.Run("LogsKeepInsertionOrder", func(t *testing.T) { testLogsOrder(t, newStore(t)) })
	t.Run("ListExecutionsFilter", func(t *testing.T) { testListExecutionsFilter(t, newStore(t)) })
	t.Run("PendingAndStale", func(t *testing.T) { testPendingAndStale(t, newStore(t)) })
}

func sampleWorkflow(name string, orders ...int) *domain.WorkflowWithSteps {
	wf := &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{Name: name, Description: "test workflow"},
	}
	for i, order := range orders {
		temp := 0.5
		wf.Steps = append(wf.Steps, domain.Step{
			Order:          order,
			PromptTemplate: "step " + string(rune('A'+i)) + ": {{input}}",
			ModelConfig:    domain.ModelConfig{Model: "kimi-k2p5", Provider: "mock", Temperature: &temp},
			RetryPolicy:    domain.RetryPolicy{MaxRetries: 2},
		})
	}
	return wf
}

func createExecution(t *testing.T, s Store, wfID uuid.UUID, startedAt time.Time) *domain.Execution {
	t.Helper()
	exec := domain.NewExecution(wfID, map[string]any{"input": "hello"})
	exec.StartedAt = startedAt
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func testWorkflowRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("round trip", 1, 2)
	wf.Steps[1].CompletionCriteria = &domain.CompletionCriteria{RequiredFields: []string{"summary"}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NotEqual(t, uuid.Nil, wf.ID)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "round trip", got.Name)
	assert.Equal(t, "test workflow", got.Description)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, wf.ID, got.Steps[0].WorkflowID)
	assert.Equal(t, "kimi-k2p5", got.Steps[0].ModelConfig.Model)
	require.NotNil(t, got.Steps[0].ModelConfig.Temperature)
	assert.InDelta(t, 0.5, *got.Steps[0].ModelConfig.Temperature, 1e-9)
	assert.Equal(t, 2, got.Steps[0].RetryPolicy.MaxRetries)
	assert.Nil(t, got.Steps[0].CompletionCriteria)
	require.NotNil(t, got.Steps[1].CompletionCriteria)
	assert.Equal(t, []string{"summary"}, got.Steps[1].CompletionCriteria.RequiredFields)

	list, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, wf.ID, list[0].ID)
}

func testStepsOrdered(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("ordered", 3, 1, 2, 1)
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 4)

	orders := []int{got.Steps[0].Order, got.Steps[1].Order, got.Steps[2].Order, got.Steps[3].Order}
	assert.Equal(t, []int{1, 1, 2, 3}, orders)
	// равные order идут в порядке запроса
	assert.Equal(t, 1, got.Steps[0].Position)
	assert.Equal(t, 3, got.Steps[1].Position)
}

func testGetWorkflowNotFound(t *testing.T, s Store) {
	_, err := s.GetWorkflow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteWorkflow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateWorkflow(context.Background(), &domain.Workflow{ID: uuid.New(), Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateRetiresSteps(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("retire", 1, 2)
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	usedStep := wf.Steps[0]

	exec := createExecution(t, s, wf.ID, time.Now().UTC())
	log := domain.NewExecutionLog(exec.ID, usedStep.ID, map[string]any{"input": "hello"}, 1)
	log.MarkSuccess("ok", 10*time.Millisecond)
	require.NoError(t, s.CreateLog(ctx, log))

	replacement := sampleWorkflow("", 1).Steps
	replacement[0].PromptTemplate = "new prompt"
	require.NoError(t, s.UpdateWorkflow(ctx, &domain.Workflow{ID: wf.ID, Name: "retire v2"}, replacement))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "retire v2", got.Name)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "new prompt", got.Steps[0].PromptTemplate)
	assert.NotEqual(t, usedStep.ID, got.Steps[0].ID)

	// лог продолжает ссылаться на выведенный шаг
	detail, err := s.GetExecutionDetail(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, usedStep.ID, detail.Logs[0].StepID)
	assert.Equal(t, usedStep.Order, detail.Logs[0].StepOrder)
}

func testUpdateWhileRunning(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("in flight", 1, 2)
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	exec := createExecution(t, s, wf.ID, time.Now().UTC())
	require.NoError(t, s.ClaimExecution(ctx, exec.ID))

	first := domain.NewExecutionLog(exec.ID, wf.Steps[0].ID, nil, 1)
	first.MarkSuccess("ok", time.Millisecond)
	require.NoError(t, s.CreateLog(ctx, first))

	replacement := sampleWorkflow("", 1).Steps
	require.NoError(t, s.UpdateWorkflow(ctx, &domain.Workflow{ID: wf.ID, Name: "in flight v2"}, replacement))

	// второй шаг ещё без логов, но execution продолжает по нему работать
	second := domain.NewExecutionLog(exec.ID, wf.Steps[1].ID, nil, 1)
	require.NoError(t, s.CreateLog(ctx, second))
	second.MarkSuccess("done", time.Millisecond)
	require.NoError(t, s.UpdateLog(ctx, second))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, replacement[0].ID, got.Steps[0].ID)

	detail, err := s.GetExecutionDetail(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, detail.Logs, 2)
	assert.Equal(t, 2, detail.Logs[1].StepOrder)

	// после завершения неиспользованные шаги снова удаляются
	completedAt := time.Now().UTC()
	require.NoError(t, s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionStatusCompleted, &completedAt))
	require.NoError(t, s.UpdateWorkflow(ctx, &domain.Workflow{ID: wf.ID, Name: "in flight v3"}, sampleWorkflow("", 1).Steps))
	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.NotEqual(t, replacement[0].ID, got.Steps[0].ID)
}

func testDeleteReferenced(t *testing.T, s Store) {
	ctx := context.Background()
	used := sampleWorkflow("used", 1)
	unused := sampleWorkflow("unused", 1)
	require.NoError(t, s.CreateWorkflow(ctx, used))
	require.NoError(t, s.CreateWorkflow(ctx, unused))
	createExecution(t, s, used.ID, time.Now().UTC())

	assert.ErrorIs(t, s.DeleteWorkflow(ctx, used.ID), ErrReferenced)
	require.NoError(t, s.DeleteWorkflow(ctx, unused.ID))

	_, err := s.GetWorkflow(ctx, unused.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetWorkflow(ctx, used.ID)
	assert.NoError(t, err)
}

func testClaimExecution(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("claim", 1)
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	exec := createExecution(t, s, wf.ID, time.Now().UTC())

	require.NoError(t, s.ClaimExecution(ctx, exec.ID))
	assert.ErrorIs(t, s.ClaimExecution(ctx, exec.ID), ErrInvalidState)
	assert.ErrorIs(t, s.ClaimExecution(ctx, uuid.New()), ErrNotFound)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
	assert.Equal(t, "hello", got.InitialContext["input"])
}

func testTerminalStatusIsFinal(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("final", 1)
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	exec := createExecution(t, s, wf.ID, time.Now().UTC())

	require.NoError(t, s.ClaimExecution(ctx, exec.ID))
	done := time.Now().UTC()
	require.NoError(t, s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionStatusCompleted, &done))

	err := s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionStatusFailed, &done)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
}

func testLogsOrder(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("logs", 1, 2)
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	exec := createExecution(t, s, wf.ID, time.Now().UTC())

	first := domain.NewExecutionLog(exec.ID, wf.Steps[0].ID, map[string]any{"input": "hello"}, 1)
	require.NoError(t, s.CreateLog(ctx, first))
	first.MarkFailed("boom", time.Millisecond, true)
	require.NoError(t, s.UpdateLog(ctx, first))

	second := domain.NewExecutionLog(exec.ID, wf.Steps[0].ID, map[string]any{"input": "hello"}, 2)
	require.NoError(t, s.CreateLog(ctx, second))
	second.MarkSuccess("done", 2*time.Millisecond)
	require.NoError(t, s.UpdateLog(ctx, second))

	third := domain.NewExecutionLog(exec.ID, wf.Steps[1].ID, map[string]any{"input": "hello"}, 1)
	require.NoError(t, s.CreateLog(ctx, third))

	logs, err := s.ListLogs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	assert.Equal(t, domain.LogStatusRetrying, logs[0].Status)
	require.NotNil(t, logs[0].Error)
	assert.Equal(t, "boom", *logs[0].Error)
	assert.Equal(t, 1, logs[0].AttemptNumber)

	assert.Equal(t, domain.LogStatusSuccess, logs[1].Status)
	require.NotNil(t, logs[1].OutputContent)
	assert.Equal(t, "done", *logs[1].OutputContent)
	require.NotNil(t, logs[1].DurationMs)
	assert.Equal(t, int64(2), *logs[1].DurationMs)
	assert.Equal(t, 2, logs[1].AttemptNumber)

	assert.Equal(t, domain.LogStatusRunning, logs[2].Status)
	assert.Equal(t, 2, logs[2].StepOrder)
	assert.Equal(t, "hello", logs[2].InputContext["input"])
}

func testListExecutionsFilter(t *testing.T, s Store) {
	ctx := context.Background()
	a := sampleWorkflow("alpha", 1)
	b := sampleWorkflow("beta", 1)
	require.NoError(t, s.CreateWorkflow(ctx, a))
	require.NoError(t, s.CreateWorkflow(ctx, b))

	base := time.Now().UTC().Add(-time.Hour)
	older := createExecution(t, s, a.ID, base)
	newer := createExecution(t, s, a.ID, base.Add(time.Minute))
	other := createExecution(t, s, b.ID, base.Add(2*time.Minute))
	require.NoError(t, s.ClaimExecution(ctx, other.ID))

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[0].ID)
	assert.Equal(t, "beta", all[0].WorkflowName)

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: &a.ID})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 2)
	assert.Equal(t, newer.ID, byWorkflow[0].ID)
	assert.Equal(t, older.ID, byWorkflow[1].ID)

	running, err := s.ListExecutions(ctx, ExecutionFilter{Status: domain.ExecutionStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, other.ID, running[0].ID)

	paged, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, newer.ID, paged[0].ID)
}

func testPendingAndStale(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("stale", 1)
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	now := time.Now().UTC()
	old := createExecution(t, s, wf.ID, now.Add(-2*time.Hour))
	oldRunning := createExecution(t, s, wf.ID, now.Add(-90*time.Minute))
	require.NoError(t, s.ClaimExecution(ctx, oldRunning.ID))
	fresh := createExecution(t, s, wf.ID, now)

	// давно стартовал, но последняя попытка свежая
	busy := createExecution(t, s, wf.ID, now.Add(-3*time.Hour))
	require.NoError(t, s.ClaimExecution(ctx, busy.ID))
	recent := domain.NewExecutionLog(busy.ID, wf.Steps[0].ID, nil, 1)
	require.NoError(t, s.CreateLog(ctx, recent))

	pending, err := s.ListPendingExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, old.ID, pending[0].ID)
	assert.Equal(t, fresh.ID, pending[1].ID)

	stale, err := s.ListStaleExecutions(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.Equal(t, oldRunning.ID, stale[1].ID)
}
