// Package runner выполняет executions в фоне.
//
// Runner — пул воркеров с in-process очередью. Работа приходит через Dispatch
// (API в режиме inprocess), из RabbitMQ (режим queue) и из опроса pending
// executions в хранилище. Sweeper по cron-расписанию переводит в failed
// executions, зависшие дольше STALE_AFTER.
package runner
