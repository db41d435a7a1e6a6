package db

// SchemaSQL defines the run, run_log and descriptor tables.
// Tables are schemaless so optional fields may hold NULL.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS descriptor SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS descriptor_kind ON descriptor FIELDS kind, descriptor_id;

    DEFINE TABLE IF NOT EXISTS run SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS run_run_id ON run FIELDS run_id UNIQUE;
    DEFINE INDEX IF NOT EXISTS run_quota ON run FIELDS category, target_id, status, started_at;
    DEFINE INDEX IF NOT EXISTS run_status ON run FIELDS status, started_at;

    DEFINE TABLE IF NOT EXISTS run_log SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS run_log_seq ON run_log FIELDS run_id, seq UNIQUE;
    DEFINE INDEX IF NOT EXISTS run_log_level ON run_log FIELDS run_id, level;
`
