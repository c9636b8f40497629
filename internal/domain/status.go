package domain

// ExecutionStatus — статус выполнения workflow.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed
//	pending → failed (только если workflow удалён до старта)
type ExecutionStatus string

const (
	// ExecutionStatusPending — execution создан, движок ещё не начал работу.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning — движок выполняет шаги.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusCompleted — все шаги выполнены успешно.
	ExecutionStatusCompleted ExecutionStatus = "completed"

	// ExecutionStatusFailed — шаг упал после всех попыток или произошла ошибка оркестрации.
	ExecutionStatusFailed ExecutionStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус входит в известный набор.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// LogStatus — статус одной попытки шага.
//
// Жизненный цикл:
//
//	running → success
//	        ↘ retrying (будет следующая попытка, новой строкой лога)
//	        ↘ failed   (последняя попытка)
type LogStatus string

const (
	// LogStatusRunning — попытка выполняется.
	LogStatusRunning LogStatus = "running"

	// LogStatusRetrying — попытка упала, будет повтор.
	LogStatusRetrying LogStatus = "retrying"

	// LogStatusSuccess — попытка завершилась успешно.
	LogStatusSuccess LogStatus = "success"

	// LogStatusFailed — попытка упала, повторов больше не будет.
	LogStatusFailed LogStatus = "failed"
)

// IsTerminal возвращает true, если строка лога больше не изменяется.
func (s LogStatus) IsTerminal() bool {
	return s != LogStatusRunning
}
