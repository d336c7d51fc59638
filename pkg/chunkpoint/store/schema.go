package store

// schemaVersion is stored in the meta table.
const schemaVersion = "1"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		actor TEXT NOT NULL DEFAULT '',
		draining INTEGER NOT NULL DEFAULT 0,
		shutdown_reason TEXT NOT NULL DEFAULT '',
		shutdown_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		source_uri TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		plan_hash TEXT NOT NULL DEFAULT '',
		total_chunks INTEGER NOT NULL DEFAULT 0,
		done_chunks INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		final_uri TEXT NOT NULL DEFAULT '',
		final_sha256 TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (job_id, source_uri, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id),
		chunk_index INTEGER NOT NULL,
		start_seconds REAL NOT NULL,
		end_seconds REAL NOT NULL,
		plan_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		artifact_uri TEXT NOT NULL DEFAULT '',
		artifact_sha256 TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		completed_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE (file_id, chunk_index, plan_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_claim
		ON chunks(file_id, plan_hash, status, chunk_index)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_entity
		ON attempts(scope, entity_id)`,
	`CREATE TABLE IF NOT EXISTS leases (
		scope TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		token INTEGER NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (scope, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}'
	)`,
	// Attempts are immutable once ended.
	`CREATE TRIGGER IF NOT EXISTS attempts_immutable
		BEFORE UPDATE ON attempts
		WHEN OLD.ended_at IS NOT NULL
		BEGIN
			SELECT RAISE(ABORT, 'attempt already ended');
		END`,
	`CREATE TRIGGER IF NOT EXISTS events_append_only
		BEFORE UPDATE ON events
		BEGIN
			SELECT RAISE(ABORT, 'events are append only');
		END`,
	`CREATE TRIGGER IF NOT EXISTS leases_token_monotonic
		BEFORE UPDATE OF token ON leases
		WHEN NEW.token <= OLD.token
		BEGIN
			SELECT RAISE(ABORT, 'lease token must increase');
		END`,
}
