package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/provider"
)

// Generator — провайдер генерации (provider.Registry).
type Generator interface {
	Generate(ctx context.Context, prompt string, cfg domain.ModelConfig) (string, error)
}

// StepInvoker выполняет одну попытку шага: рендерит промпт, вызывает провайдер
// и проверяет ответ по completion criteria.
type StepInvoker struct {
	gen     Generator
	timeout time.Duration
}

// NewStepInvoker создаёт StepInvoker. timeout <= 0 — без ограничения на попытку.
func NewStepInvoker(gen Generator, timeout time.Duration) *StepInvoker {
	return &StepInvoker{gen: gen, timeout: timeout}
}

// Invoke выполняет шаг с контекстом vars.
func (i *StepInvoker) Invoke(ctx context.Context, step domain.Step, vars map[string]any) (string, error) {
	prompt := Render(step.PromptTemplate, vars)

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	out, err := i.gen.Generate(callCtx, prompt, step.ModelConfig)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("step timed out after %s: %w", i.timeout, err)
		}
		return "", err
	}

	if err := CheckCompletion(out, step.CompletionCriteria); err != nil {
		return out, err
	}
	return out, nil
}

// CheckCompletion проверяет, что ответ удовлетворяет критериям шага.
//
// При непустом RequiredFields ответ должен быть JSON-объектом с этими полями.
// Допускается обёртка ```json ... ```, которую модели часто добавляют.
func CheckCompletion(output string, criteria *domain.CompletionCriteria) error {
	if criteria == nil || len(criteria.RequiredFields) == 0 {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(stripCodeFence(output)), &obj); err != nil {
		return fmt.Errorf("%w: output is not a JSON object", provider.ErrIncompleteOutput)
	}

	var missing []string
	for _, field := range criteria.RequiredFields {
		if _, ok := obj[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing fields %s", provider.ErrIncompleteOutput, strings.Join(missing, ", "))
	}
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
