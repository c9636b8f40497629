// Package mcpserver публикует Promptline как MCP-сервер (stdio).
//
// Инструменты:
//   - promptline.list_workflows — список workflows с количеством шагов
//   - promptline.run            — запуск workflow по ID или имени; по умолчанию ждёт завершения
//   - promptline.status         — execution с логами попыток
//
// Ошибки инструментов возвращаются как tool result с IsError=true,
// а не как JSON-RPC ошибка: агент видит текст и может исправить вызов.
// Логи пишутся в stderr, stdout занят протоколом.
package mcpserver
