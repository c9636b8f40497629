// Package cli реализует инструмент командной строки Promptline.
//
// CLI работает только через HTTP API и не импортирует внутренние пакеты
// (response-типы продублированы в client.go).
//
// # Client
//
// HTTP-клиент для /api/v1. Разбирает конверты {"data": ...} и
// {"error": {...}}; ошибки API возвращаются как *APIError.
//
//	client := cli.NewClient("http://localhost:8080")
//	workflows, err := client.ListWorkflows(ctx)
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные идут в stdout, сообщения (Success/Error) в stderr:
//
//	promptline execution list --json | jq '.[].status'
//
// # Commands
//
//   - workflow: list, show, create -f FILE, delete
//   - execution: list, start WORKFLOW_ID [--input K=V] [--watch], show, watch
//
// Группы создаются фабриками (NewWorkflowCmd, NewExecutionCmd), которые
// принимают clientFn и outputFn: Client и Output создаются после
// разбора PersistentFlags.
package cli
