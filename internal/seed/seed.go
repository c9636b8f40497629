// Package seed создаёт демонстрационный workflow в пустом хранилище.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Promptline/internal/domain"
)

// DemoWorkflowName — имя демонстрационного workflow.
const DemoWorkflowName = "Demo Agent Workflow"

// Store — операции хранилища, нужные для seed.
type Store interface {
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *domain.WorkflowWithSteps) error
}

// DemoWorkflow возвращает демонстрационный workflow из трёх шагов.
func DemoWorkflow() *domain.WorkflowWithSteps {
	retry := domain.RetryPolicy{MaxRetries: 3}
	return &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{
			Name:        DemoWorkflowName,
			Description: "A simple example workflow with 3 steps.",
		},
		Steps: []domain.Step{
			{
				Order:          1,
				PromptTemplate: "Analyze the following text: {{input}}",
				ModelConfig:    domain.ModelConfig{Model: "kimi-k2p5", Provider: "unbound"},
				RetryPolicy:    retry,
			},
			{
				Order:          2,
				PromptTemplate: "Extract key entities from analysis",
				ModelConfig:    domain.ModelConfig{Model: "kimi-k2p5", Provider: "unbound"},
				RetryPolicy:    retry,
			},
			{
				Order:          3,
				PromptTemplate: "Generate a summary report",
				ModelConfig:    domain.ModelConfig{Model: "kimi-k2-instruct-0905", Provider: "unbound"},
				RetryPolicy:    retry,
			},
		},
	}
}

// Run создаёт демонстрационный workflow, если в хранилище нет ни одного workflow.
// Возвращает true, если workflow был создан.
func Run(ctx context.Context, store Store, logger *slog.Logger) (bool, error) {
	existing, err := store.ListWorkflows(ctx)
	if err != nil {
		return false, fmt.Errorf("seed: list workflows: %w", err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	wf := DemoWorkflow()
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		return false, fmt.Errorf("seed: create workflow: %w", err)
	}
	if logger != nil {
		logger.Info("seeded demo workflow", "workflow_id", wf.ID, "name", wf.Name)
	}
	return true, nil
}
