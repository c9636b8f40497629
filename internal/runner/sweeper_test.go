package runner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Promptline/internal/domain"
	"github.com/shaiso/Promptline/internal/repo"
)

func storedExecution(t *testing.T, store *repo.MemoryStore, age time.Duration, status domain.ExecutionStatus) *domain.Execution {
	t.Helper()
	ctx := context.Background()
	exec := domain.NewExecution(uuid.New(), nil)
	exec.StartedAt = time.Now().UTC().Add(-age)
	require.NoError(t, store.CreateExecution(ctx, exec))

	switch status {
	case domain.ExecutionStatusRunning:
		require.NoError(t, store.ClaimExecution(ctx, exec.ID))
	case domain.ExecutionStatusCompleted:
		require.NoError(t, store.ClaimExecution(ctx, exec.ID))
		now := time.Now().UTC()
		require.NoError(t, store.UpdateExecutionStatus(ctx, exec.ID, status, &now))
	}
	return exec
}

func TestSweeper_FailsStaleExecutions(t *testing.T) {
	store := repo.NewMemoryStore()
	stalePending := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusPending)
	staleRunning := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusRunning)
	activeHere := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusRunning)
	fresh := storedExecution(t, store, time.Minute, domain.ExecutionStatusRunning)
	finished := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusCompleted)

	s, err := NewSweeper(SweeperConfig{Store: store, StaleAfter: time.Hour, Logger: quietLogger()})
	require.NoError(t, err)
	s.SetActiveFunc(func(id uuid.UUID) bool { return id == activeHere.ID })

	swept, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	want := map[uuid.UUID]domain.ExecutionStatus{
		stalePending.ID: domain.ExecutionStatusFailed,
		staleRunning.ID: domain.ExecutionStatusFailed,
		activeHere.ID:   domain.ExecutionStatusRunning,
		fresh.ID:        domain.ExecutionStatusRunning,
		finished.ID:     domain.ExecutionStatusCompleted,
	}
	for id, status := range want {
		got, err := store.GetExecution(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, "execution %s", id)
	}

	failed, err := store.GetExecution(context.Background(), staleRunning.ID)
	require.NoError(t, err)
	assert.NotNil(t, failed.CompletedAt)

	// повторная чистка ничего не находит
	swept, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweeper_StartRunsInitialSweep(t *testing.T) {
	store := repo.NewMemoryStore()
	stale := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusRunning)

	s, err := NewSweeper(SweeperConfig{Store: store, Schedule: "@every 1h", StaleAfter: time.Hour, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	got, err := store.GetExecution(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
}

func TestSweeper_Schedule(t *testing.T) {
	for _, expr := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		assert.NoError(t, ValidateSchedule(expr), expr)
	}
	assert.Error(t, ValidateSchedule("every minute"))

	_, err := NewSweeper(SweeperConfig{Store: repo.NewMemoryStore(), Schedule: "bogus"})
	assert.Error(t, err)
}

func TestRunner_StartsSweeperWithActiveCheck(t *testing.T) {
	store := repo.NewMemoryStore()
	stale := storedExecution(t, store, 2*time.Hour, domain.ExecutionStatusRunning)

	sweeper, err := NewSweeper(SweeperConfig{Store: store, StaleAfter: time.Hour, Logger: quietLogger()})
	require.NoError(t, err)

	r := newRunner(t, &fakeExecutor{}, store, func(c *Config) { c.Sweeper = sweeper })
	require.NoError(t, r.Start(context.Background()))
	r.Stop(context.Background())

	got, err := store.GetExecution(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
}
