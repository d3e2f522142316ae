package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME NOT NULL,
	status          TEXT NOT NULL,
	fetched         INTEGER NOT NULL DEFAULT 0,
	skipped         INTEGER NOT NULL DEFAULT 0,
	folders_skipped INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_account_started
	ON sync_runs(account, started_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_sync_runs_status
	ON sync_runs(status);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
