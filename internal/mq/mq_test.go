package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger запоминает, чем закончилась доставка.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func pendingBody(t *testing.T, payload ExecutionPendingPayload) []byte {
	t.Helper()
	msg, err := NewMessage(MessageTypeExecutionPending, payload)
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestNewMessage_DecodePayload(t *testing.T) {
	payload := ExecutionPendingPayload{
		ExecutionID:    uuid.New(),
		WorkflowID:     uuid.New(),
		InitialContext: map[string]any{"input": "hello"},
	}
	msg, err := NewMessage(MessageTypeExecutionPending, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, MessageTypeExecutionPending, msg.Type)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &raw))
	assert.Equal(t, payload.ExecutionID.String(), raw["execution_id"])

	got, err := Decode[ExecutionPendingPayload](msg)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestConsumerHandle(t *testing.T) {
	payload := ExecutionPendingPayload{ExecutionID: uuid.New(), WorkflowID: uuid.New()}

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success acks", body: pendingBody(t, payload), wantAck: true},
		{name: "handler error requeues", body: pendingBody(t, payload), handlerErr: errors.New("busy"), wantRequeue: true},
		{name: "redelivered error dead-letters", body: pendingBody(t, payload), redelivered: true, handlerErr: errors.New("busy")},
		{name: "malformed dead-letters", body: pendingBody(t, payload), handlerErr: fmt.Errorf("%w: bad id", ErrMalformed)},
		{name: "undecodable body dead-letters", body: []byte("{not json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Message
			c := NewConsumer(nil, nil, ConsumerConfig{
				Queue: QueueExecutionsPending,
				Handler: func(_ context.Context, msg *Message) error {
					got = msg
					return tt.handlerErr
				},
			})

			ack := &fakeAcknowledger{}
			c.handle(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				Body:         tt.body,
				Redelivered:  tt.redelivered,
			})

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, !tt.wantAck, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
			if json.Valid(tt.body) {
				require.NotNil(t, got)
				decoded, err := Decode[ExecutionPendingPayload](got)
				require.NoError(t, err)
				assert.Equal(t, payload.ExecutionID, decoded.ExecutionID)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestConsumerDefaults(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{Queue: QueueExecutionsPending})
	assert.Equal(t, 1, c.prefetch)
	assert.Equal(t, QueueExecutionsPending, c.queue)
}

func TestTopologyDeadLettersPendingQueue(t *testing.T) {
	require.Len(t, topology, 2)
	pending := topology[0]
	assert.Equal(t, QueueExecutionsPending, pending.queue)
	assert.Equal(t, string(ExchangeDLQ), pending.args["x-dead-letter-exchange"])
	assert.Equal(t, string(RoutingKeyDLQExecutions), pending.args["x-dead-letter-routing-key"])
	assert.Equal(t, RoutingKeyDLQExecutions, topology[1].key)
}
