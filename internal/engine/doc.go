// Package engine содержит движок выполнения workflow.
//
// Включает:
//   - template.go — подстановка {{key}} в шаблон промпта
//   - retry.go    — Retrier: повторные попытки по RetryPolicy шага
//   - invoker.go  — StepInvoker: рендеринг, вызов провайдера, completion criteria
//   - engine.go   — Engine: state machine execution и запись логов попыток
//
// Engine не зависит от транспорта: запуск в фоне выполняет Dispatcher
// (in-process пул runner'а или очередь RabbitMQ), а Execute можно вызывать напрямую.
package engine
