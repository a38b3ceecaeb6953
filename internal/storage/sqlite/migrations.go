package sqlite

// schema contains the database schema DDL.
const schema = `
-- Single-value slots (settings, last suggestion, current temp basal, ...)
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Append-only logs, unique by record id within a key
CREATE TABLE IF NOT EXISTS records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL,
    id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    payload BLOB NOT NULL,
    UNIQUE(key, id)
);
CREATE INDEX IF NOT EXISTS idx_records_key_ts ON records(key, ts);
`
