package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Promptline/internal/domain"
)

// MemoryStore — хранилище в памяти. Используется в тестах и при DB_DRIVER=memory.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[uuid.UUID]domain.Workflow
	steps      map[uuid.UUID][]domain.Step // включая retired
	executions map[uuid.UUID]domain.Execution
	logs       map[uuid.UUID][]domain.ExecutionLog
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[uuid.UUID]domain.Workflow),
		steps:      make(map[uuid.UUID][]domain.Step),
		executions: make(map[uuid.UUID]domain.Execution),
		logs:       make(map[uuid.UUID][]domain.ExecutionLog),
	}
}

// Close ничего не делает.
func (s *MemoryStore) Close() error { return nil }

// --- Workflows ---

// ListWorkflows возвращает все workflows, новые первыми.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		result = append(result, wf)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// GetWorkflow возвращает workflow с активными шагами.
func (s *MemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := &domain.WorkflowWithSteps{Workflow: wf, Steps: []domain.Step{}}
	for _, step := range s.steps[id] {
		if step.RetiredAt == nil {
			result.Steps = append(result.Steps, step)
		}
	}
	domain.SortSteps(result.Steps)
	return result, nil
}

// CreateWorkflow создаёт workflow вместе с шагами.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *domain.WorkflowWithSteps) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	prepareSteps(wf.ID, wf.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = wf.Workflow
	s.steps[wf.ID] = append([]domain.Step(nil), wf.Steps...)
	return nil
}

// UpdateWorkflow обновляет workflow; steps != nil заменяет список шагов.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *domain.Workflow, steps []domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.workflows[wf.ID]
	if !ok {
		return ErrNotFound
	}
	current.Name = wf.Name
	current.Description = wf.Description
	s.workflows[wf.ID] = current

	if steps == nil {
		return nil
	}

	now := time.Now().UTC()
	inFlight := s.hasUnfinishedExecutions(wf.ID)
	var kept []domain.Step
	for _, step := range s.steps[wf.ID] {
		switch {
		case step.RetiredAt != nil:
			kept = append(kept, step)
		case inFlight || s.stepReferenced(step.ID):
			step.RetiredAt = &now
			kept = append(kept, step)
		}
	}

	prepareSteps(wf.ID, steps)
	s.steps[wf.ID] = append(kept, steps...)
	return nil
}

// hasUnfinishedExecutions — есть ли у workflow executions в pending/running.
func (s *MemoryStore) hasUnfinishedExecutions(workflowID uuid.UUID) bool {
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID && !exec.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) stepReferenced(stepID uuid.UUID) bool {
	for _, logs := range s.logs {
		for _, l := range logs {
			if l.StepID == stepID {
				return true
			}
		}
	}
	return false
}

// DeleteWorkflow удаляет workflow; ErrReferenced, если у него есть executions.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	for _, exec := range s.executions {
		if exec.WorkflowID == id {
			return ErrReferenced
		}
	}
	delete(s.workflows, id)
	delete(s.steps, id)
	return nil
}

// ForgetWorkflow удаляет workflow в обход проверки ссылок.
// Нужен для воспроизведения гонки "workflow удалён до старта execution".
func (s *MemoryStore) ForgetWorkflow(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	delete(s.steps, id)
}

// --- Executions ---

// CreateExecution создаёт execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *exec
	stored.InitialContext = copyContext(exec.InitialContext)
	s.executions[exec.ID] = stored
	return nil
}

// ClaimExecution атомарно переводит execution из pending в running.
func (s *MemoryStore) ClaimExecution(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.Status != domain.ExecutionStatusPending {
		return ErrInvalidState
	}
	exec.Status = domain.ExecutionStatusRunning
	s.executions[id] = exec
	return nil
}

// UpdateExecutionStatus меняет статус незавершённого execution.
func (s *MemoryStore) UpdateExecutionStatus(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return ErrInvalidState
	}
	exec.Status = status
	exec.CompletedAt = completedAt
	s.executions[id] = exec
	return nil
}

// GetExecution возвращает execution по ID.
func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	exec.InitialContext = copyContext(exec.InitialContext)
	return &exec, nil
}

// GetExecutionDetail возвращает execution с логами и описанием workflow.
func (s *MemoryStore) GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &domain.ExecutionDetail{Execution: *exec}

	s.mu.RLock()
	if wf, ok := s.workflows[exec.WorkflowID]; ok {
		detail.Workflow = &wf
	}
	s.mu.RUnlock()

	if detail.Logs, err = s.ListLogs(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListExecutions возвращает executions с именами workflows, новые первыми.
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]domain.ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []domain.ExecutionSummary
	for _, exec := range s.executions {
		if id := nullUUID(filter.WorkflowID); id != nil && exec.WorkflowID != *id {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		exec.InitialContext = copyContext(exec.InitialContext)
		all = append(all, domain.ExecutionSummary{
			Execution:    exec,
			WorkflowName: s.workflows[exec.WorkflowID].Name,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	result := []domain.ExecutionSummary{}
	if filter.Offset >= len(all) {
		return result, nil
	}
	all = all[filter.Offset:]
	if len(all) > filter.limit() {
		all = all[:filter.limit()]
	}
	return append(result, all...), nil
}

// ListPendingExecutions возвращает самые старые executions в статусе pending.
func (s *MemoryStore) ListPendingExecutions(_ context.Context, limit int) ([]domain.Execution, error) {
	return s.selectExecutions(limit, func(e domain.Execution) bool {
		return e.Status == domain.ExecutionStatusPending
	}), nil
}

// ListStaleExecutions возвращает незавершённые executions без активности с before.
func (s *MemoryStore) ListStaleExecutions(_ context.Context, before time.Time, limit int) ([]domain.Execution, error) {
	return s.selectExecutions(limit, func(e domain.Execution) bool {
		return !e.Status.IsTerminal() && s.lastActivity(e).Before(before)
	}), nil
}

// lastActivity — время последней попытки execution, без попыток — время старта.
// Вызывается под s.mu.
func (s *MemoryStore) lastActivity(e domain.Execution) time.Time {
	latest := e.StartedAt
	for _, l := range s.logs[e.ID] {
		if l.Timestamp.After(latest) {
			latest = l.Timestamp
		}
	}
	return latest
}

func (s *MemoryStore) selectExecutions(limit int, match func(domain.Execution) bool) []domain.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Execution
	for _, exec := range s.executions {
		if match(exec) {
			exec.InitialContext = copyContext(exec.InitialContext)
			result = append(result, exec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// --- Logs ---

// CreateLog добавляет запись попытки.
func (s *MemoryStore) CreateLog(_ context.Context, log *domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[log.ExecutionID]; !ok {
		return ErrNotFound
	}
	stored := *log
	stored.InputContext = copyContext(log.InputContext)
	s.logs[log.ExecutionID] = append(s.logs[log.ExecutionID], stored)
	return nil
}

// UpdateLog сохраняет результат попытки.
func (s *MemoryStore) UpdateLog(_ context.Context, log *domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs := s.logs[log.ExecutionID]
	for i := range logs {
		if logs[i].ID == log.ID {
			logs[i].Status = log.Status
			logs[i].OutputContent = log.OutputContent
			logs[i].Error = log.Error
			logs[i].DurationMs = log.DurationMs
			return nil
		}
	}
	return ErrNotFound
}

// ListLogs возвращает логи execution в порядке записи.
func (s *MemoryStore) ListLogs(_ context.Context, executionID uuid.UUID) ([]domain.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.ExecutionLog, 0, len(s.logs[executionID]))
	for _, l := range s.logs[executionID] {
		l.StepOrder = s.stepOrder(l.StepID)
		l.InputContext = copyContext(l.InputContext)
		logs = append(logs, l)
	}
	return logs, nil
}

func (s *MemoryStore) stepOrder(stepID uuid.UUID) int {
	for _, steps := range s.steps {
		for _, step := range steps {
			if step.ID == stepID {
				return step.Order
			}
		}
	}
	return 0
}
