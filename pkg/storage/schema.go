package storage

// schema is the relational layout of the engine entities. Timestamps are
// unix seconds (INTEGER) so they compare cheaply in claim queries; uuid
// columns are opaque strings.
const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid         TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	type_name    TEXT NOT NULL,
	maintenance  INTEGER NOT NULL DEFAULT 0,
	max_services INTEGER NOT NULL DEFAULT 0,
	data         BLOB,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid                      TEXT NOT NULL UNIQUE,
	provider_id               INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	name                      TEXT NOT NULL,
	type_name                 TEXT NOT NULL,
	token                     TEXT NOT NULL DEFAULT '',
	max_services              INTEGER NOT NULL DEFAULT 0,
	count_type                TEXT NOT NULL DEFAULT 'absolute',
	uses_cache                INTEGER NOT NULL DEFAULT 0,
	uses_cache_l2             INTEGER NOT NULL DEFAULT 0,
	needs_osmanager           INTEGER NOT NULL DEFAULT 0,
	publication_required      INTEGER NOT NULL DEFAULT 0,
	must_stop_before_deletion INTEGER NOT NULL DEFAULT 0,
	data                      BLOB,
	created_at                INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS services_token ON services(token) WHERE token <> '';

CREATE TABLE IF NOT EXISTS service_pools (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid                 TEXT NOT NULL UNIQUE,
	service_id           INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	name                 TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT 'active',
	initial_srvs         INTEGER NOT NULL DEFAULT 0,
	cache_l1_srvs        INTEGER NOT NULL DEFAULT 0,
	cache_l2_srvs        INTEGER NOT NULL DEFAULT 0,
	max_srvs             INTEGER NOT NULL DEFAULT 0,
	current_pub_revision INTEGER NOT NULL DEFAULT 1,
	osmanager_type       TEXT NOT NULL DEFAULT '',
	assigned_groups      TEXT NOT NULL DEFAULT '[]',
	transports           TEXT NOT NULL DEFAULT '[]',
	show_transports      INTEGER NOT NULL DEFAULT 1,
	visible              INTEGER NOT NULL DEFAULT 1,
	allow_users_remove   INTEGER NOT NULL DEFAULT 0,
	allow_users_reset    INTEGER NOT NULL DEFAULT 0,
	fallback_access      TEXT NOT NULL DEFAULT 'allow',
	account_id           INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS publications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid       TEXT NOT NULL UNIQUE,
	pool_id    INTEGER NOT NULL REFERENCES service_pools(id) ON DELETE CASCADE,
	revision   INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT 'preparing',
	state_date INTEGER NOT NULL,
	data       BLOB
);
CREATE INDEX IF NOT EXISTS publications_pool ON publications(pool_id, state);

CREATE TABLE IF NOT EXISTS user_services (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid                 TEXT NOT NULL UNIQUE,
	pool_id              INTEGER NOT NULL REFERENCES service_pools(id) ON DELETE CASCADE,
	publication_id       INTEGER REFERENCES publications(id) ON DELETE SET NULL,
	publication_revision INTEGER NOT NULL DEFAULT 0,
	unique_id            TEXT NOT NULL DEFAULT '',
	friendly_name        TEXT NOT NULL DEFAULT '',
	state                TEXT NOT NULL DEFAULT 'preparing',
	os_state             TEXT NOT NULL DEFAULT 'preparing',
	cache_level          INTEGER NOT NULL DEFAULT 0,
	user_id              TEXT NOT NULL DEFAULT '',
	in_use               INTEGER NOT NULL DEFAULT 0,
	in_use_date          INTEGER NOT NULL DEFAULT 0,
	src_ip               TEXT NOT NULL DEFAULT '',
	src_hostname         TEXT NOT NULL DEFAULT '',
	data                 BLOB,
	error_reason         TEXT NOT NULL DEFAULT '',
	creation_date        INTEGER NOT NULL,
	state_date           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS user_services_pool_state ON user_services(pool_id, state, cache_level);
CREATE INDEX IF NOT EXISTS user_services_user ON user_services(user_id) WHERE user_id <> '';

CREATE TABLE IF NOT EXISTS user_service_properties (
	user_service_id INTEGER NOT NULL REFERENCES user_services(id) ON DELETE CASCADE,
	key             TEXT NOT NULL,
	value           TEXT NOT NULL,
	UNIQUE(user_service_id, key)
);

CREATE TABLE IF NOT EXISTS schedulers (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	frequency      INTEGER NOT NULL,
	last_execution INTEGER NOT NULL DEFAULT 0,
	next_execution INTEGER NOT NULL DEFAULT 0,
	owner_server   TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT 'for_execute'
);

CREATE TABLE IF NOT EXISTS unique_ids (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	owner    TEXT NOT NULL DEFAULT '',
	basename TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	assigned INTEGER NOT NULL DEFAULT 1,
	stamp    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(basename, seq)
);

CREATE TABLE IF NOT EXISTS servers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	token       TEXT NOT NULL UNIQUE,
	hostname    TEXT NOT NULL,
	ip          TEXT NOT NULL DEFAULT '',
	port        INTEGER NOT NULL DEFAULT 0,
	mac         TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	subtype     TEXT NOT NULL DEFAULT '',
	os_type     TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	certificate TEXT NOT NULL DEFAULT '',
	data        BLOB,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_usage (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id        INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	user_service_uuid TEXT NOT NULL,
	pool_name         TEXT NOT NULL DEFAULT '',
	user_name         TEXT NOT NULL DEFAULT '',
	start             INTEGER NOT NULL,
	end               INTEGER NOT NULL DEFAULT 0,
	running           INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS account_usage_service ON account_usage(user_service_uuid, running);

CREATE TABLE IF NOT EXISTS calendar_rules (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id          INTEGER NOT NULL REFERENCES service_pools(id) ON DELETE CASCADE,
	priority         INTEGER NOT NULL DEFAULT 0,
	action           TEXT NOT NULL,
	days             TEXT NOT NULL DEFAULT '',
	start_minute     INTEGER NOT NULL DEFAULT 0,
	duration_minutes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS calendar_rules_pool ON calendar_rules(pool_id, priority);

CREATE TABLE IF NOT EXISTS config (
	section TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	kind    TEXT NOT NULL DEFAULT 'str',
	secret  INTEGER NOT NULL DEFAULT 0,
	UNIQUE(section, key)
);
`
