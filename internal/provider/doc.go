// Package provider содержит адаптеры к провайдерам генерации текста.
//
// Набор провайдеров закрыт (Kind): unbound — реальный chat-completion API,
// mock — детерминированный ответ, повторяющий промпт. Любое другое значение
// поля provider в ModelConfig разрешается в mock.
//
// Компоненты:
//   - Kind, ResolveKind — выбор провайдера
//   - Registry — диспетчеризация по Kind
//   - UnboundClient — HTTP-клиент chat-completion API
//   - MockGenerator — ответ без сети
package provider
