package repo

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
)

// marshalContext сериализует контекст; nil сохраняется как NULL.
func marshalContext(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

func unmarshalContext(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return m, nil
}

// stepColumns — сериализованные JSON-колонки шага.
type stepColumns struct {
	modelConfig        []byte
	retryPolicy        []byte
	completionCriteria []byte
}

func encodeStep(s *domain.Step) (stepColumns, error) {
	var cols stepColumns
	var err error

	if cols.modelConfig, err = json.Marshal(s.ModelConfig); err != nil {
		return cols, fmt.Errorf("marshal model config: %w", err)
	}
	if cols.retryPolicy, err = json.Marshal(s.RetryPolicy); err != nil {
		return cols, fmt.Errorf("marshal retry policy: %w", err)
	}
	if s.CompletionCriteria != nil {
		if cols.completionCriteria, err = json.Marshal(s.CompletionCriteria); err != nil {
			return cols, fmt.Errorf("marshal completion criteria: %w", err)
		}
	}
	return cols, nil
}

func decodeStep(s *domain.Step, cols stepColumns) error {
	if err := json.Unmarshal(cols.modelConfig, &s.ModelConfig); err != nil {
		return fmt.Errorf("unmarshal model config: %w", err)
	}
	if err := json.Unmarshal(cols.retryPolicy, &s.RetryPolicy); err != nil {
		return fmt.Errorf("unmarshal retry policy: %w", err)
	}
	if len(cols.completionCriteria) > 0 {
		var cc domain.CompletionCriteria
		if err := json.Unmarshal(cols.completionCriteria, &cc); err != nil {
			return fmt.Errorf("unmarshal completion criteria: %w", err)
		}
		s.CompletionCriteria = &cc
	}
	return nil
}

// prepareSteps проставляет шагам новые ID, WorkflowID и Position (индекс в запросе).
// Старые шаги при обновлении удаляются или уходят в tombstone, их ID не переиспользуются.
func prepareSteps(workflowID uuid.UUID, steps []domain.Step) {
	for i := range steps {
		steps[i].ID = uuid.New()
		steps[i].WorkflowID = workflowID
		steps[i].Position = i
		steps[i].RetiredAt = nil
	}
}
