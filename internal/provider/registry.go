package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/telemetry"
)

// Generator — провайдер генерации: отправляет готовый промпт модели и возвращает текст.
type Generator interface {
	Generate(ctx context.Context, prompt string, cfg domain.ModelConfig) (string, error)
}

// Registry — реестр генераторов по Kind.
type Registry struct {
	generators map[Kind]Generator
}

// NewRegistry создаёт реестр с unbound и mock генераторами.
// nil-генератор не регистрируется: обращение к нему вернёт ErrConfiguration.
func NewRegistry(unbound *UnboundClient, mock *MockGenerator) *Registry {
	r := &Registry{generators: make(map[Kind]Generator)}
	if unbound != nil {
		r.Register(KindUnbound, unbound)
	}
	if mock != nil {
		r.Register(KindMock, mock)
	}
	return r
}

// Register добавляет генератор для варианта провайдера.
func (r *Registry) Register(kind Kind, gen Generator) {
	r.generators[kind] = gen
}

// Get возвращает генератор для варианта провайдера.
func (r *Registry) Get(kind Kind) (Generator, error) {
	gen, ok := r.generators[kind]
	if !ok || gen == nil {
		return nil, fmt.Errorf("%w: provider %s is not registered", ErrConfiguration, kind)
	}
	return gen, nil
}

// Generate выбирает провайдер по cfg.Provider и вызывает его.
func (r *Registry) Generate(ctx context.Context, prompt string, cfg domain.ModelConfig) (string, error) {
	kind := ResolveKind(cfg.Provider)
	gen, err := r.Get(kind)
	if err != nil {
		telemetry.ProviderRequestsTotal.WithLabelValues(kind.String(), outcome(err)).Inc()
		return "", err
	}

	out, err := gen.Generate(ctx, prompt, cfg)
	telemetry.ProviderRequestsTotal.WithLabelValues(kind.String(), outcome(err)).Inc()
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "config_error"
	default:
		return "error"
	}
}
