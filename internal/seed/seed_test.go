package seed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
)

func TestRun_SeedsEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()

	created, err := Run(ctx, store, nil)
	require.NoError(t, err)
	assert.True(t, created)

	workflows, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, DemoWorkflowName, workflows[0].Name)

	wf, err := store.GetWorkflow(ctx, workflows[0].ID)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, "Analyze the following text: {{input}}", wf.Steps[0].PromptTemplate)
	assert.Equal(t, "Extract key entities from analysis", wf.Steps[1].PromptTemplate)
	assert.Equal(t, "kimi-k2-instruct-0905", wf.Steps[2].ModelConfig.Model)
	for i, s := range wf.Steps {
		assert.Equal(t, i+1, s.Order)
		assert.Equal(t, "unbound", s.ModelConfig.Provider)
		assert.Equal(t, 3, s.RetryPolicy.MaxRetries)
	}

	// Повторный запуск ничего не добавляет.
	created, err = Run(ctx, store, nil)
	require.NoError(t, err)
	assert.False(t, created)

	workflows, err = store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, workflows, 1)
}

func TestRun_SkipsNonEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	require.NoError(t, store.CreateWorkflow(ctx, &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{Name: "Existing"},
		Steps:    []domain.Step{{Order: 1, PromptTemplate: "hi", ModelConfig: domain.ModelConfig{Model: "m"}}},
	}))

	created, err := Run(ctx, store, nil)
	require.NoError(t, err)
	assert.False(t, created)
}

type brokenStore struct{ *repo.MemoryStore }

func (brokenStore) ListWorkflows(context.Context) ([]domain.Workflow, error) {
	return nil, errors.New("connection refused")
}

func TestRun_StoreError(t *testing.T) {
	_, err := Run(context.Background(), brokenStore{repo.NewMemoryStore()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
