package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeExecutions Exchange = "promptline.executions"
	ExchangeDLQ        Exchange = "promptline.dlq"
)

const (
	QueueExecutionsPending Queue = "executions.pending"
	QueueDLQExecutions     Queue = "dlq.executions"
)

const (
	RoutingKeyPending       RoutingKey = "pending"
	RoutingKeyDLQExecutions RoutingKey = "executions"
)

type binding struct {
	queue    Queue
	key      RoutingKey
	exchange Exchange
	args     amqp.Table
}

// topology — очереди и их привязки. Сообщения, отклонённые без requeue,
// уходят из executions.pending в dlq.executions.
var topology = []binding{
	{
		queue:    QueueExecutionsPending,
		key:      RoutingKeyPending,
		exchange: ExchangeExecutions,
		args: amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQExecutions),
		},
	},
	{
		queue:    QueueDLQExecutions,
		key:      RoutingKeyDLQExecutions,
		exchange: ExchangeDLQ,
	},
}

// SetupTopology объявляет обменники, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeExecutions, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, b := range topology {
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, b.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
