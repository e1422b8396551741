package repository

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id          TEXT PRIMARY KEY,
	file_name   TEXT NOT NULL,
	fields      JSONB NOT NULL DEFAULT '[]',
	file_path   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	dataset_id       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	total_count      INTEGER NOT NULL DEFAULT 0,
	processed_count  INTEGER NOT NULL DEFAULT 0,
	success_count    INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	concurrency      INTEGER NOT NULL DEFAULT 1,
	prompt_template  TEXT NOT NULL,
	image_fields     JSONB NOT NULL DEFAULT '[]',
	result_path      TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	CONSTRAINT tasks_counts_check CHECK (processed_count = success_count + error_count)
);

CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

CREATE TABLE IF NOT EXISTS task_logs (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	row_index      INTEGER NOT NULL,
	status         TEXT NOT NULL,
	response_text  TEXT NOT NULL DEFAULT '',
	token_count    INTEGER NOT NULL DEFAULT 0,
	processing_ms  BIGINT NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs (task_id, id DESC);

CREATE TABLE IF NOT EXISTS templates (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_configs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	url           TEXT NOT NULL,
	api_key       TEXT NOT NULL DEFAULT '',
	model_name    TEXT NOT NULL,
	other_params  JSONB NOT NULL DEFAULT '{}',
	use_stream    BOOLEAN NOT NULL DEFAULT FALSE,
	is_default    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_api_configs_default ON api_configs (is_default) WHERE is_default;
`
