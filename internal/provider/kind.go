package provider

import "strings"

// Kind — вариант провайдера.
type Kind int

const (
	// KindMock — детерминированный ответ без сети.
	KindMock Kind = iota

	// KindUnbound — Unbound chat-completion API.
	KindUnbound
)

// ResolveKind выбирает провайдер по полю provider из ModelConfig.
// Пустое и неизвестное значение — KindMock.
func ResolveKind(provider string) Kind {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "unbound":
		return KindUnbound
	default:
		return KindMock
	}
}

// String возвращает имя провайдера (используется в метках метрик).
func (k Kind) String() string {
	switch k {
	case KindUnbound:
		return "unbound"
	case KindMock:
		return "mock"
	default:
		return "unknown"
	}
}
