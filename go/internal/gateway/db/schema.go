package db

// Schema creates the archive table. It is applied by the migrate_archive
// tool.
const Schema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
    room_key   TEXT PRIMARY KEY,
    payload    BYTEA NOT NULL,
    metadata   JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS room_snapshots_updated_at_idx ON room_snapshots (updated_at);
`
