package sqlstore

// Statements are split on ';' and applied in order on every Open.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS descriptors (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	config_schema TEXT NOT NULL DEFAULT '',
	total_runs INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	category TEXT NOT NULL,
	target_id TEXT NOT NULL,
	target_name TEXT NOT NULL DEFAULT '',
	data_source_id TEXT,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	triggered_by TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}',
	args TEXT NOT NULL DEFAULT '[]',
	log_file_path TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	results_count INTEGER,
	objective_value REAL,
	duration_ms INTEGER,
	error_message TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_quota ON runs(category, target_id, status, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);

CREATE TABLE IF NOT EXISTS run_logs (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_logs_level ON run_logs(run_id, level)
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS descriptors (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	config_schema TEXT NOT NULL DEFAULT '',
	total_runs INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	category TEXT NOT NULL,
	target_id TEXT NOT NULL,
	target_name TEXT NOT NULL DEFAULT '',
	data_source_id TEXT,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	triggered_by TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}',
	args TEXT NOT NULL DEFAULT '[]',
	log_file_path TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	results_count INTEGER,
	objective_value DOUBLE PRECISION,
	duration_ms BIGINT,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_quota ON runs(category, target_id, status, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);

CREATE TABLE IF NOT EXISTS run_logs (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	seq BIGINT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_logs_level ON run_logs(run_id, level)
`
