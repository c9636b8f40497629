package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mq"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor запоминает запросы; release блокирует Execute до закрытия.
type fakeExecutor struct {
	mu      sync.Mutex
	reqs    []engine.ExecutionRequest
	release chan struct{}
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, req engine.ExecutionRequest) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func newRunner(t *testing.T, exec Executor, store Store, opts ...func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Executor:     exec,
		Store:        store,
		Concurrency:  2,
		PollInterval: time.Hour,
		Logger:       quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestRunner_DispatchExecutes(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRunner(t, exec, repo.NewMemoryStore())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	req := engine.ExecutionRequest{ExecutionID: uuid.New(), WorkflowID: uuid.New()}
	require.NoError(t, r.Dispatch(context.Background(), req))

	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.IsActive(req.ExecutionID) }, time.Second, 5*time.Millisecond)
}

func TestRunner_SameIDNotExecutedTwice(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	r := newRunner(t, exec, repo.NewMemoryStore())
	require.NoError(t, r.Start(context.Background()))

	req := engine.ExecutionRequest{ExecutionID: uuid.New(), WorkflowID: uuid.New()}
	require.NoError(t, r.Dispatch(context.Background(), req))
	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)

	// пока выполняется, повторный запуск пропускается
	require.NoError(t, r.Dispatch(context.Background(), req))
	assert.True(t, r.IsActive(req.ExecutionID))
	assert.Equal(t, 1, r.ActiveCount())

	close(exec.release)
	r.Stop(context.Background())
	assert.Equal(t, 1, exec.count())
}

func TestRunner_QueueFull(t *testing.T) {
	// без Start воркеров нет, очередь на один элемент
	r := newRunner(t, &fakeExecutor{}, repo.NewMemoryStore(), func(c *Config) { c.QueueSize = 1 })

	first := engine.ExecutionRequest{ExecutionID: uuid.New()}
	second := engine.ExecutionRequest{ExecutionID: uuid.New()}
	require.NoError(t, r.Dispatch(context.Background(), first))
	assert.ErrorIs(t, r.Dispatch(context.Background(), second), ErrQueueFull)
	assert.False(t, r.IsActive(second.ExecutionID))
}

func TestRunner_DispatchAfterStop(t *testing.T) {
	r := newRunner(t, &fakeExecutor{}, repo.NewMemoryStore())
	require.NoError(t, r.Start(context.Background()))
	r.Stop(context.Background())

	assert.True(t, r.IsStopped())
	err := r.Dispatch(context.Background(), engine.ExecutionRequest{ExecutionID: uuid.New()})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunner_StopTimeoutCancelsExecutions(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	r := newRunner(t, exec, repo.NewMemoryStore())
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Dispatch(context.Background(), engine.ExecutionRequest{ExecutionID: uuid.New()}))
	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Stop(ctx)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRunner_PollPicksUpPendingExecutions(t *testing.T) {
	store := repo.NewMemoryStore()
	wf := &domain.WorkflowWithSteps{
		Workflow: domain.Workflow{Name: "Polled"},
		Steps: []domain.Step{{
			Order:          1,
			PromptTemplate: "Analyze {{input}}",
			ModelConfig:    domain.ModelConfig{Model: "kimi-k2p5", Provider: "mock"},
		}},
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf))

	exec := domain.NewExecution(wf.ID, map[string]any{"input": "queued"})
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	eng := engine.New(engine.Config{
		Store:     store,
		Generator: provider.NewRegistry(nil, &provider.MockGenerator{}),
		Logger:    quietLogger(),
	})
	r := newRunner(t, eng, store)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		got, err := store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == domain.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	logs, err := store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, provider.MockResponsePrefix+"Analyze queued", *logs[0].OutputContent)
}

func TestRunner_HandleMessage(t *testing.T) {
	executionID, workflowID := uuid.New(), uuid.New()

	tests := []struct {
		name      string
		msgType   mq.MessageType
		payload   any
		malformed bool
	}{
		{
			name:    "valid",
			msgType: mq.MessageTypeExecutionPending,
			payload: mq.ExecutionPendingPayload{ExecutionID: executionID, WorkflowID: workflowID},
		},
		{name: "wrong type", msgType: "task.ready", payload: map[string]any{}, malformed: true},
		{name: "bad payload", msgType: mq.MessageTypeExecutionPending, payload: []int{1}, malformed: true},
		{name: "missing ids", msgType: mq.MessageTypeExecutionPending, payload: map[string]any{}, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t, &fakeExecutor{}, repo.NewMemoryStore())
			msg, err := mq.NewMessage(tt.msgType, tt.payload)
			require.NoError(t, err)

			err = r.HandleMessage(context.Background(), msg)
			if tt.malformed {
				assert.ErrorIs(t, err, mq.ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.True(t, r.IsActive(executionID))
		})
	}
}

type fakePublisher struct {
	payloads []mq.ExecutionPendingPayload
	err      error
}

func (p *fakePublisher) PublishExecutionPending(_ context.Context, payload mq.ExecutionPendingPayload) error {
	p.payloads = append(p.payloads, payload)
	return p.err
}

func TestQueueDispatcher(t *testing.T) {
	pub := &fakePublisher{}
	d := NewQueueDispatcher(pub)

	req := engine.ExecutionRequest{
		ExecutionID:    uuid.New(),
		WorkflowID:     uuid.New(),
		InitialContext: map[string]any{"input": "x"},
	}
	require.NoError(t, d.Dispatch(context.Background(), req))
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, req.ExecutionID, pub.payloads[0].ExecutionID)
	assert.Equal(t, req.WorkflowID, pub.payloads[0].WorkflowID)
	assert.Equal(t, "x", pub.payloads[0].InitialContext["input"])

	// payload, попавший в очередь, разбирается обратно в запрос
	raw, err := json.Marshal(pub.payloads[0])
	require.NoError(t, err)
	var back engine.ExecutionRequest
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, req, back)

	pub.err = errors.New("broker down")
	assert.Error(t, d.Dispatch(context.Background(), req))
}
