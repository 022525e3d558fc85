package store

import "context"

// The two dialects differ only in the integer-key spelling and boolean
// type; everything else, including the partial unique indexes on
// external_id, is shared syntax.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS endpoints (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	config       TEXT NOT NULL DEFAULT '{}',
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	scim_id         TEXT NOT NULL,
	endpoint_id     TEXT NOT NULL,
	external_id     TEXT,
	user_name       TEXT NOT NULL,
	user_name_lower TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	raw_payload     TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (endpoint_id, scim_id),
	UNIQUE (endpoint_id, user_name_lower)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external_id
	ON users (endpoint_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_users_created ON users (endpoint_id, created_at, id);

CREATE TABLE IF NOT EXISTS groups (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	scim_id            TEXT NOT NULL,
	endpoint_id        TEXT NOT NULL,
	external_id        TEXT,
	display_name       TEXT NOT NULL,
	display_name_lower TEXT NOT NULL,
	raw_payload        TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (endpoint_id, scim_id),
	UNIQUE (endpoint_id, display_name_lower)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_external_id
	ON groups (endpoint_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_groups_created ON groups (endpoint_id, created_at, id);

CREATE TABLE IF NOT EXISTS group_members (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id  INTEGER NOT NULL,
	member_id INTEGER,
	value     TEXT NOT NULL,
	display   TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_members_group ON group_members (group_id);

CREATE TABLE IF NOT EXISTS request_logs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	method           TEXT NOT NULL,
	url              TEXT NOT NULL,
	status           INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	request_headers  TEXT NOT NULL DEFAULT '',
	request_body     TEXT NOT NULL DEFAULT '',
	response_headers TEXT NOT NULL DEFAULT '',
	response_body    TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	error_stack      TEXT,
	identifier       TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs (created_at, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS endpoints (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	config       TEXT NOT NULL DEFAULT '{}',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id              BIGSERIAL PRIMARY KEY,
	scim_id         TEXT NOT NULL,
	endpoint_id     TEXT NOT NULL,
	external_id     TEXT,
	user_name       TEXT NOT NULL,
	user_name_lower TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	raw_payload     TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (endpoint_id, scim_id),
	UNIQUE (endpoint_id, user_name_lower)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external_id
	ON users (endpoint_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_users_created ON users (endpoint_id, created_at, id);

CREATE TABLE IF NOT EXISTS groups (
	id                 BIGSERIAL PRIMARY KEY,
	scim_id            TEXT NOT NULL,
	endpoint_id        TEXT NOT NULL,
	external_id        TEXT,
	display_name       TEXT NOT NULL,
	display_name_lower TEXT NOT NULL,
	raw_payload        TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (endpoint_id, scim_id),
	UNIQUE (endpoint_id, display_name_lower)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_external_id
	ON groups (endpoint_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_groups_created ON groups (endpoint_id, created_at, id);

CREATE TABLE IF NOT EXISTS group_members (
	id        BIGSERIAL PRIMARY KEY,
	group_id  BIGINT NOT NULL,
	member_id BIGINT,
	value     TEXT NOT NULL,
	display   TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_members_group ON group_members (group_id);

CREATE TABLE IF NOT EXISTS request_logs (
	id               BIGSERIAL PRIMARY KEY,
	method           TEXT NOT NULL,
	url              TEXT NOT NULL,
	status           INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	request_headers  TEXT NOT NULL DEFAULT '',
	request_body     TEXT NOT NULL DEFAULT '',
	response_headers TEXT NOT NULL DEFAULT '',
	response_body    TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	error_stack      TEXT,
	identifier       TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs (created_at, id);
`

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.postgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
