// Package mq — доставка execution'ов runner'у через RabbitMQ.
//
//   - connection.go — соединение с переподключением
//   - topology.go   — обменники, очереди, DLQ
//   - publisher.go  — конверт Message и публикация execution.pending
//   - consumer.go   — чтение очереди с ручным ack/nack
//
// Топология:
//
//	promptline.executions (direct)
//	└── executions.pending [routing: pending] → runner
//	        DLQ: dlq.executions
//	promptline.dlq (direct)
//	└── dlq.executions [routing: executions]
package mq
