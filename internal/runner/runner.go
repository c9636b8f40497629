package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mq"
	"github.com/shaiso/Promptline/internal/telemetry"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
)

// Executor выполняет execution (engine.Engine).
type Executor interface {
	Execute(ctx context.Context, req engine.ExecutionRequest) error
}

// Store — операции хранилища, нужные runner'у и sweeper'у.
type Store interface {
	ListPendingExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	ListStaleExecutions(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error
}

// Config — конфигурация Runner.
type Config struct {
	Executor Executor
	Store    Store

	// Conn — соединение с RabbitMQ. Nil — без consumer'а очереди.
	Conn *mq.Connection

	Concurrency  int           // default: 4
	PollInterval time.Duration // default: 5s
	BatchSize    int           // default: 100
	QueueSize    int           // default: Concurrency * 16

	// Sweeper — восстановление зависших executions. Nil — не запускается.
	Sweeper *Sweeper

	Logger *slog.Logger
}

// Runner выполняет executions в фоне.
//
// Источники работы:
//   - Dispatch (in-process запуск из API)
//   - очередь executions.pending (если задан Conn)
//   - периодический опрос pending executions в хранилище
//
// Один execution id не выполняется в процессе дважды: id попадает в active
// при постановке в очередь и удаляется после Execute.
type Runner struct {
	executor Executor
	store    Store
	conn     *mq.Connection
	sweeper  *Sweeper

	concurrency  int
	pollInterval time.Duration
	batchSize    int

	queue chan engine.ExecutionRequest

	mu     sync.Mutex
	active map[uuid.UUID]struct{}

	logger     *slog.Logger
	loopCancel context.CancelFunc
	execCancel context.CancelFunc
	loops      sync.WaitGroup
	workers    sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = concurrency * 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		executor:     cfg.Executor,
		store:        cfg.Store,
		conn:         cfg.Conn,
		sweeper:      cfg.Sweeper,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		queue:        make(chan engine.ExecutionRequest, queueSize),
		active:       make(map[uuid.UUID]struct{}),
		logger:       logger.With("component", "runner"),
	}
}

// Start запускает воркеры, опрос хранилища, consumer очереди и sweeper.
func (r *Runner) Start(ctx context.Context) error {
	loopCtx, loopCancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.loopCancel = loopCancel
	r.execCancel = execCancel

	r.logger.Info("starting runner",
		"concurrency", r.concurrency,
		"poll_interval", r.pollInterval,
		"queue_consumer", r.conn != nil,
	)

	for i := 0; i < r.concurrency; i++ {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			r.work(loopCtx, execCtx)
		}()
	}

	if r.conn != nil {
		consumer := mq.NewConsumer(r.conn, r.logger, mq.ConsumerConfig{
			Queue:    mq.QueueExecutionsPending,
			Handler:  r.HandleMessage,
			Prefetch: r.concurrency,
		})
		r.loops.Add(1)
		go func() {
			defer r.loops.Done()
			if err := consumer.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("queue consumer stopped", "error", err)
			}
		}()
	}

	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		r.pollLoop(loopCtx)
	}()

	if r.sweeper != nil {
		r.sweeper.SetActiveFunc(r.IsActive)
		if err := r.sweeper.Start(loopCtx); err != nil {
			r.Stop(context.Background())
			return err
		}
	}

	return nil
}

// Stop прекращает приём работы и ждёт выполняющиеся executions.
// Если ctx истекает раньше, выполнение отменяется: движок переведёт их в failed.
func (r *Runner) Stop(ctx context.Context) {
	r.stoppedMu.Lock()
	if r.stopped {
		r.stoppedMu.Unlock()
		return
	}
	r.stopped = true
	r.stoppedMu.Unlock()

	r.logger.Info("stopping runner...")

	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.loopCancel != nil {
		r.loopCancel()
	}
	r.loops.Wait()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout, cancelling active executions", "active", r.ActiveCount())
		if r.execCancel != nil {
			r.execCancel()
		}
		<-done
	}
	if r.execCancel != nil {
		r.execCancel()
	}

	r.logger.Info("runner stopped")
}

// IsStopped возвращает true после Stop.
func (r *Runner) IsStopped() bool {
	r.stoppedMu.RLock()
	defer r.stoppedMu.RUnlock()
	return r.stopped
}

// Dispatch ставит execution в очередь воркеров и сразу возвращает управление.
// Реализует engine.Dispatcher. Уже активный id молча пропускается.
func (r *Runner) Dispatch(ctx context.Context, req engine.ExecutionRequest) error {
	if r.IsStopped() {
		return ErrStopped
	}
	if !r.markActive(req.ExecutionID) {
		return nil
	}

	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		r.unmarkActive(req.ExecutionID)
		return ctx.Err()
	default:
		r.unmarkActive(req.ExecutionID)
		return ErrQueueFull
	}
}

// work — цикл воркера.
func (r *Runner) work(loopCtx, execCtx context.Context) {
	for {
		select {
		case <-loopCtx.Done():
			return
		case req := <-r.queue:
			if loopCtx.Err() != nil {
				// остаётся pending, подберётся опросом после рестарта
				r.unmarkActive(req.ExecutionID)
				return
			}
			r.execute(execCtx, req)
		}
	}
}

func (r *Runner) execute(ctx context.Context, req engine.ExecutionRequest) {
	defer r.unmarkActive(req.ExecutionID)

	telemetry.RunnerActiveExecutions.Inc()
	defer telemetry.RunnerActiveExecutions.Dec()

	err := r.executor.Execute(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrExecutionClaimed):
		r.logger.Debug("execution already claimed", "execution_id", req.ExecutionID)
	default:
		r.logger.Error("execution aborted", "execution_id", req.ExecutionID, "error", err)
	}
}

// pollLoop подбирает pending executions, для которых потерялся запуск.
func (r *Runner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll выполняет один цикл опроса.
func (r *Runner) poll(ctx context.Context) {
	pending, err := r.store.ListPendingExecutions(ctx, r.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to list pending executions", "error", err)
		}
		return
	}

	for _, exec := range pending {
		if r.IsActive(exec.ID) {
			continue
		}
		err := r.Dispatch(ctx, engine.ExecutionRequest{
			ExecutionID:    exec.ID,
			WorkflowID:     exec.WorkflowID,
			InitialContext: exec.InitialContext,
		})
		if errors.Is(err, ErrQueueFull) {
			r.logger.Debug("worker queue full, deferring to next poll")
			return
		}
		if err != nil {
			return
		}
	}
}

// HandleMessage обрабатывает execution.pending из очереди.
func (r *Runner) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg.Type != mq.MessageTypeExecutionPending {
		return fmt.Errorf("%w: unexpected type %q", mq.ErrMalformed, msg.Type)
	}
	payload, err := mq.Decode[mq.ExecutionPendingPayload](msg)
	if err != nil {
		return fmt.Errorf("%w: %w", mq.ErrMalformed, err)
	}
	if payload.ExecutionID == uuid.Nil || payload.WorkflowID == uuid.Nil {
		return fmt.Errorf("%w: missing execution_id or workflow_id", mq.ErrMalformed)
	}

	return r.Dispatch(ctx, engine.ExecutionRequest{
		ExecutionID:    payload.ExecutionID,
		WorkflowID:     payload.WorkflowID,
		InitialContext: payload.InitialContext,
	})
}

// IsActive возвращает true, если execution стоит в очереди или выполняется.
func (r *Runner) IsActive(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// ActiveCount возвращает число активных executions.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) markActive(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *Runner) unmarkActive(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}
