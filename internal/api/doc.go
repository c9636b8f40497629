// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go           — Handler и интерфейсы зависимостей (хранилище, движок)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — logging, recovery, метрики запросов
//   - response.go          — JSON-ответы {"data": ...} / {"error": ...} и маппинг ошибок
//   - validation.go        — проверка тел запросов по schema/workflow.json
//   - dto.go               — request/response структуры
//   - workflow_handler.go  — /workflows
//   - execution_handler.go — запуск и просмотр executions
package api
