package provider

import (
	"context"
	"time"

	"github.com/shaiso/Promptline/internal/domain"
)

// MockResponsePrefix — префикс ответа mock-провайдера.
const MockResponsePrefix = "[Mock AI Response] Processed: "

// MockGenerator возвращает промпт с префиксом MockResponsePrefix.
//
// Latency имитирует задержку сети; ожидание прерывается отменой ctx.
type MockGenerator struct {
	Latency time.Duration
}

// Generate возвращает детерминированный ответ.
func (m *MockGenerator) Generate(ctx context.Context, prompt string, _ domain.ModelConfig) (string, error) {
	if m != nil && m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return MockResponsePrefix + prompt, nil
}
