package provider

import (
	"context"
	"errors"
)

// Ошибки провайдеров.
var (
	// ErrProvider — сеть, не-2xx ответ или некорректное тело ответа. Повторяемая.
	ErrProvider = errors.New("provider request failed")

	// ErrConfiguration — провайдер не сконфигурирован (например, нет API-ключа). Не повторяется.
	ErrConfiguration = errors.New("provider misconfigured")

	// ErrIncompleteOutput — ответ не удовлетворяет completion criteria шага. Повторяемая.
	ErrIncompleteOutput = errors.New("output does not satisfy completion criteria")
)

// IsRetryable возвращает true, если попытку имеет смысл повторить.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
