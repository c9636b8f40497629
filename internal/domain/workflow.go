package domain

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Workflow — именованная последовательность шагов.
//
// Workflow — это "рецепт": пользователь запускает его многократно,
// каждый запуск создаёт отдельный Execution со своими логами.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Name — имя workflow (например, "Demo Agent Workflow").
	Name string `json:"name"`

	// Description — произвольное описание.
	Description string `json:"description,omitempty"`

	// CreatedAt — время создания workflow.
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowWithSteps — workflow вместе с активными шагами, отсортированными по порядку.
type WorkflowWithSteps struct {
	Workflow
	Steps []Step `json:"steps"`
}

// IsExecutable возвращает true, если у workflow есть хотя бы один шаг.
func (w *WorkflowWithSteps) IsExecutable() bool {
	return len(w.Steps) > 0
}

// Step — один шаг workflow: шаблон промпта, модель и политика retry.
//
// Шаги, на которые ссылаются логи выполнения, не изменяются и не удаляются:
// при обновлении workflow они помечаются RetiredAt (tombstone).
type Step struct {
	// ID — уникальный идентификатор шага.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на родительский workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Order — порядок выполнения (по возрастанию, начиная с 1).
	Order int `json:"order"`

	// Position — индекс шага в запросе на создание.
	// Разрешает равенство Order: шаги с одинаковым Order выполняются по Position.
	Position int `json:"position"`

	// PromptTemplate — шаблон промпта с плейсхолдерами {{name}}.
	PromptTemplate string `json:"prompt_template"`

	// ModelConfig — модель и провайдер.
	ModelConfig ModelConfig `json:"model_config"`

	// RetryPolicy — политика повторных попыток.
	RetryPolicy RetryPolicy `json:"retry_policy"`

	// CompletionCriteria — условия, которым должен удовлетворять ответ модели.
	CompletionCriteria *CompletionCriteria `json:"completion_criteria,omitempty"`

	// RetiredAt — время вывода шага из workflow. Nil для активных шагов.
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// ModelConfig — конфигурация модели для шага.
type ModelConfig struct {
	// Model — идентификатор модели (например, "kimi-k2p5").
	Model string `json:"model"`

	// Provider — идентификатор провайдера ("unbound"). Пустой или неизвестный — mock.
	Provider string `json:"provider,omitempty"`

	// Temperature — температура сэмплирования в [0, 1].
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens — ограничение длины ответа.
	MaxTokens *int `json:"max_tokens,omitempty"`
}

// RetryPolicy — политика повторных попыток шага.
type RetryPolicy struct {
	// MaxRetries — количество повторов после первой попытки (0 — без повторов).
	MaxRetries int `json:"max_retries"`

	// InitialDelayMs — задержка перед первым повтором в миллисекундах.
	InitialDelayMs *int `json:"initial_delay_ms,omitempty"`

	// BackoffMultiplier — множитель задержки для каждого следующего повтора.
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty"`

	// MaxDelayMs — верхняя граница задержки в миллисекундах.
	MaxDelayMs *int `json:"max_delay_ms,omitempty"`
}

// Значения по умолчанию для RetryPolicy.
const (
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
)

// MaxAttempts возвращает максимальное количество попыток (включая первую).
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay возвращает задержку после неудачной попытки attempt (начиная с 1):
//
//	initialDelay * backoffMultiplier^(attempt-1), но не больше maxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initial := DefaultInitialDelay
	if p.InitialDelayMs != nil && *p.InitialDelayMs >= 0 {
		initial = time.Duration(*p.InitialDelayMs) * time.Millisecond
	}

	multiplier := 1.0
	if p.BackoffMultiplier != nil && *p.BackoffMultiplier > 0 {
		multiplier = *p.BackoffMultiplier
	}

	maxDelay := DefaultMaxDelay
	if p.MaxDelayMs != nil && *p.MaxDelayMs > 0 {
		maxDelay = time.Duration(*p.MaxDelayMs) * time.Millisecond
	}

	if attempt < 1 {
		attempt = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// CompletionCriteria — требования к выходу шага.
type CompletionCriteria struct {
	// RequiredFields — поля, которые должны присутствовать в JSON-ответе модели.
	RequiredFields []string `json:"required_fields,omitempty"`
}

// SortSteps сортирует шаги по (Order, Position).
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].Position < steps[j].Position
	})
}
