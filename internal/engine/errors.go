package engine

import "errors"

// Ошибки движка.
var (
	// ErrWorkflowNotFound — workflow не найден.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound — execution не найден.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrEmptySteps — у workflow нет шагов, запускать нечего.
	ErrEmptySteps = errors.New("workflow has no steps")

	// ErrExecutionClaimed — execution уже забран другим исполнителем (не pending).
	ErrExecutionClaimed = errors.New("execution already claimed")

	// ErrStepFailed — шаг упал после всех попыток; execution переведён в failed.
	ErrStepFailed = errors.New("step failed")

	// ErrExecutionFinished — execution переведён в финальный статус извне во время выполнения.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrRetryInterrupted — ожидание перед повтором прервано отменой контекста.
	ErrRetryInterrupted = errors.New("retry wait interrupted")
)

// permanentError помечает ошибку, после которой повторять попытку бессмысленно.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку так, что Retrier не будет повторять попытку.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent возвращает true для ошибок, обёрнутых Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
