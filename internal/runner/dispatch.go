package runner

import (
	"context"
	"errors"

	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mq"
)

var (
	// ErrStopped — runner остановлен и новую работу не принимает.
	ErrStopped = errors.New("runner is stopped")

	// ErrQueueFull — очередь воркеров заполнена; execution остаётся pending до следующего опроса.
	ErrQueueFull = errors.New("runner queue is full")
)

// Publisher публикует execution.pending (mq.Publisher).
type Publisher interface {
	PublishExecutionPending(ctx context.Context, payload mq.ExecutionPendingPayload) error
}

// QueueDispatcher отправляет executions отдельному процессу runner'а через RabbitMQ.
type QueueDispatcher struct {
	pub Publisher
}

// NewQueueDispatcher создаёт QueueDispatcher.
func NewQueueDispatcher(pub Publisher) *QueueDispatcher {
	return &QueueDispatcher{pub: pub}
}

// Dispatch реализует engine.Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, req engine.ExecutionRequest) error {
	return d.pub.PublishExecutionPending(ctx, mq.ExecutionPendingPayload{
		ExecutionID:    req.ExecutionID,
		WorkflowID:     req.WorkflowID,
		InitialContext: req.InitialContext,
	})
}
