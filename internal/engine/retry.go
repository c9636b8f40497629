package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/provider"
)

// Attempt — номер текущей попытки и их максимальное количество.
type Attempt struct {
	Number int
	Max    int
}

// IsLast возвращает true для последней разрешённой попытки.
func (a Attempt) IsLast() bool {
	return a.Number >= a.Max
}

// Retrier выполняет функцию до RetryPolicy.MaxAttempts() раз.
//
// Между попытками ждёт RetryPolicy.Delay(i). С хранилищем не работает:
// логи попыток пишет вызывающая сторона.
type Retrier struct {
	// Retryable решает, стоит ли повторять после ошибки. По умолчанию provider.IsRetryable.
	Retryable func(error) bool

	// Sleep ждёт d или отмены ctx. Подменяется в тестах.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier создаёт Retrier с настройками по умолчанию.
func NewRetrier() *Retrier {
	return &Retrier{
		Retryable: provider.IsRetryable,
		Sleep:     sleepContext,
	}
}

// ShouldRetry возвращает true, если после err будет следующая попытка.
func (r *Retrier) ShouldRetry(a Attempt, err error) bool {
	if err == nil || a.IsLast() || IsPermanent(err) {
		return false
	}
	if r.Retryable == nil {
		return provider.IsRetryable(err)
	}
	return r.Retryable(err)
}

// Do вызывает fn, пока она не вернёт nil, не кончатся попытки или ошибка не окажется постоянной.
// Возвращает ошибку последней попытки или ErrRetryInterrupted, если ожидание отменено.
func (r *Retrier) Do(ctx context.Context, policy domain.RetryPolicy, fn func(ctx context.Context, a Attempt) error) error {
	maxAttempts := policy.MaxAttempts()
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for i := 1; ; i++ {
		a := Attempt{Number: i, Max: maxAttempts}
		err := fn(ctx, a)
		if err == nil {
			return nil
		}
		if !r.ShouldRetry(a, err) {
			return err
		}

		if werr := sleep(ctx, policy.Delay(i)); werr != nil {
			return fmt.Errorf("%w after attempt %d: %w", ErrRetryInterrupted, i, werr)
		}
	}
}

// sleepContext ждёт d или отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
