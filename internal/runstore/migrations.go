package runstore

const schema = `
CREATE TABLE IF NOT EXISTS counters (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
    tag TEXT NOT NULL,
    execution_id INTEGER NOT NULL,
    data TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tag, execution_id)
);

CREATE TABLE IF NOT EXISTS executions (
    id INTEGER PRIMARY KEY,
    coarse_status TEXT NOT NULL,
    verdict TEXT,
    data TEXT NOT NULL,
    created_at TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(coarse_status);

CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    measurement TEXT NOT NULL,
    execution TEXT,
    tags TEXT,
    ts INTEGER NOT NULL,
    fields TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_samples_execution ON samples(execution, measurement, ts);
`
