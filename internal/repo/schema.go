package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema — схема Postgres.
//
// Шаги, на которые ссылаются логи, не удаляются: FK execution_logs.step_id
// без каскада, при обновлении workflow такие шаги получают retired_at.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id                  UUID PRIMARY KEY,
	workflow_id         UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	step_order          INT NOT NULL,
	position            INT NOT NULL DEFAULT 0,
	prompt_template     TEXT NOT NULL,
	model_config        JSONB NOT NULL,
	retry_policy        JSONB NOT NULL,
	completion_criteria JSONB,
	retired_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow
	ON workflow_steps (workflow_id, step_order, position);

CREATE TABLE IF NOT EXISTS executions (
	id              UUID PRIMARY KEY,
	workflow_id     UUID NOT NULL REFERENCES workflows(id),
	status          TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	initial_context JSONB,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_executions_status_started ON executions (status, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id);

CREATE TABLE IF NOT EXISTS execution_logs (
	seq            BIGSERIAL UNIQUE,
	id             UUID PRIMARY KEY,
	execution_id   UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	step_id        UUID NOT NULL REFERENCES workflow_steps(id),
	status         TEXT NOT NULL CHECK (status IN ('running', 'retrying', 'success', 'failed')),
	input_context  JSONB,
	output_content TEXT,
	error          TEXT,
	duration_ms    BIGINT,
	attempt_number INT NOT NULL DEFAULT 1,
	logged_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs (execution_id, seq);
`

// sqliteSchema — та же схема для SQLite. Время хранится в unix-наносекундах.
const sqliteSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id                  TEXT PRIMARY KEY,
	workflow_id         TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	step_order          INTEGER NOT NULL,
	position            INTEGER NOT NULL DEFAULT 0,
	prompt_template     TEXT NOT NULL,
	model_config        TEXT NOT NULL,
	retry_policy        TEXT NOT NULL,
	completion_criteria TEXT,
	retired_at          INTEGER
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow
	ON workflow_steps (workflow_id, step_order, position);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL REFERENCES workflows(id),
	status          TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	initial_context TEXT,
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_status_started ON executions (status, started_at);

CREATE TABLE IF NOT EXISTS execution_logs (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	execution_id   TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	step_id        TEXT NOT NULL REFERENCES workflow_steps(id),
	status         TEXT NOT NULL CHECK (status IN ('running', 'retrying', 'success', 'failed')),
	input_context  TEXT,
	output_content TEXT,
	error          TEXT,
	duration_ms    INTEGER,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	logged_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs (execution_id, seq);
`

// MigratePostgres применяет схему. Идемпотентна.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}
