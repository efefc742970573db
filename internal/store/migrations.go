package store

const schema = `
CREATE TABLE IF NOT EXISTS targets (
    id TEXT PRIMARY KEY,
    account TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    locality TEXT NOT NULL DEFAULT '',
    lookup_status TEXT,
    lookup_number TEXT,
    lookup_locality TEXT,
    lookup_workplace TEXT,
    lookup_first_date TEXT,
    filing_status TEXT,
    filing_year INTEGER,
    documents TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_targets_lookup_status ON targets(lookup_status);
CREATE INDEX IF NOT EXISTS idx_targets_filing_status ON targets(filing_status);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    target_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_target_id ON runs(target_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS pending_batches (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    mode TEXT NOT NULL,
    targets TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
