package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/telemetry"
)

const (
	defaultSweepSchedule = "@every 1m"
	defaultStaleAfter    = 30 * time.Minute
	sweepBatchSize       = 100
)

// scheduleParser принимает стандартные cron-выражения и дескрипторы (@every 1m, @hourly).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule проверяет расписание sweeper'а.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return nil
}

// SweeperConfig — конфигурация Sweeper.
type SweeperConfig struct {
	Store      Store
	Schedule   string        // default: @every 1m
	StaleAfter time.Duration // default: 30m
	Logger     *slog.Logger
}

// Sweeper переводит в failed executions, застрявшие в pending/running дольше StaleAfter
// (процесс упал посреди выполнения, сообщение потерялось). Executions, активные
// в этом процессе, не трогает.
type Sweeper struct {
	store      Store
	schedule   cron.Schedule
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	isActive func(uuid.UUID) bool
	cron     *cron.Cron
}

// NewSweeper создаёт Sweeper. Возвращает ошибку для некорректного расписания.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSweepSchedule
	}
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      cfg.Store,
		schedule:   schedule,
		staleAfter: staleAfter,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}, nil
}

// SetActiveFunc задаёт проверку «execution выполняется в этом процессе».
func (s *Sweeper) SetActiveFunc(fn func(uuid.UUID) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isActive = fn
}

func (s *Sweeper) active(id uuid.UUID) bool {
	s.mu.Lock()
	fn := s.isActive
	s.mu.Unlock()
	return fn != nil && fn(id)
}

// Start выполняет первую чистку сразу и дальше по расписанию.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial sweep failed", "error", err)
	}

	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}))
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

// Stop останавливает расписание и ждёт текущую чистку.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep выполняет одну чистку. Возвращает число переведённых в failed executions.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.store.ListStaleExecutions(ctx, now.Add(-s.staleAfter), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale executions: %w", err)
	}

	swept := 0
	for _, exec := range stale {
		if s.active(exec.ID) {
			continue
		}
		err := s.store.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionStatusFailed, &now)
		if errors.Is(err, repo.ErrInvalidState) || errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("fail stale execution %s: %w", exec.ID, err)
		}

		swept++
		telemetry.SweptExecutionsTotal.Inc()
		telemetry.ExecutionsTotal.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()
		s.logger.Warn("stale execution marked failed",
			"execution_id", exec.ID,
			"workflow_id", exec.WorkflowID,
			"previous_status", exec.Status,
			"started_at", exec.StartedAt,
		)
	}
	return swept, nil
}
