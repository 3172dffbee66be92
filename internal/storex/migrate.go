package storex

import (
	"context"
	"fmt"
)

// migration is one forward-only, idempotent schema step, in the style of
// the teacher's internal/storage/sqlite/migrations convention: ordered,
// numbered, tracked in a schema_migrations table so re-running Init is safe.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "events", schemaEvents},
	{2, "agents", schemaAgents},
	{3, "messages", schemaMessages},
	{4, "reservations", schemaReservations},
	{5, "locks", schemaLocks},
	{6, "cursors_deferred", schemaCursorsDeferred},
	{7, "cells", schemaCells},
	{8, "memory", schemaMemory},
	{9, "config", schemaConfig},
	{10, "locks_released_at", schemaLocksReleasedAt},
}

// Init creates the schema_migrations table if needed and applies every
// migration not yet recorded, in version order, each in its own transaction.
// Safe to call on every process start (re-entrant schema initialization).
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`); err != nil {
		return fmt.Errorf("storex: create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storex: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storex: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
			if _, err := tx.tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("storex: migration %d (%s): %w", m.version, m.name, err)
			}
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
				m.version, m.name)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sequence INTEGER GENERATED ALWAYS AS (id) STORED,
	type TEXT NOT NULL,
	project_key TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	data BLOB NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(project_key, type);
`

const schemaAgents = `
CREATE TABLE IF NOT EXISTS agents (
	project_key TEXT NOT NULL,
	name TEXT NOT NULL,
	program TEXT,
	model TEXT,
	task TEXT,
	registered_at TEXT NOT NULL,
	last_active_at TEXT NOT NULL,
	event_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_key, name)
);
`

const schemaMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	thread_id INTEGER,
	importance TEXT NOT NULL DEFAULT 'normal',
	ack_required INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL DEFAULT 'direct',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_key, id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS message_recipients (
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	agent_name TEXT NOT NULL,
	read_at TEXT,
	acked_at TEXT,
	PRIMARY KEY (message_id, agent_name)
);
`

const schemaReservations = `
CREATE TABLE IF NOT EXISTS reservations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	path_pattern TEXT NOT NULL,
	exclusive INTEGER NOT NULL DEFAULT 1,
	reason TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	released_at TEXT,
	lock_holder_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_reservations_active ON reservations(project_key, released_at, expires_at);
`

const schemaLocks = `
CREATE TABLE IF NOT EXISTS locks (
	resource TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	seq INTEGER NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

const schemaCursorsDeferred = `
CREATE TABLE IF NOT EXISTS cursors (
	stream TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (stream, checkpoint)
);

CREATE TABLE IF NOT EXISTS deferreds (
	url TEXT PRIMARY KEY,
	resolved INTEGER NOT NULL DEFAULT 0,
	value BLOB,
	error TEXT,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

const schemaCells = `
CREATE TABLE IF NOT EXISTS cells (
	id TEXT PRIMARY KEY,
	project_key TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	priority INTEGER NOT NULL DEFAULT 2,
	parent_id TEXT,
	assignee TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	closed_at TEXT,
	closed_reason TEXT,
	deleted_at TEXT,
	deleted_by TEXT,
	delete_reason TEXT,
	created_by TEXT,
	content_hash TEXT,
	source_repo TEXT,
	external_ref TEXT
);
CREATE INDEX IF NOT EXISTS idx_cells_project_status ON cells(project_key, status);
CREATE INDEX IF NOT EXISTS idx_cells_parent ON cells(parent_id);

CREATE TABLE IF NOT EXISTS dependencies (
	cell_id TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	depends_on_id TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	relationship TEXT NOT NULL,
	PRIMARY KEY (cell_id, depends_on_id, relationship)
);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON dependencies(depends_on_id, relationship);

CREATE TABLE IF NOT EXISTS labels (
	cell_id TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	PRIMARY KEY (cell_id, label)
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cell_id TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	parent_id INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_comments_cell ON comments(cell_id);

CREATE TABLE IF NOT EXISTS blocked_cache (
	cell_id TEXT PRIMARY KEY REFERENCES cells(id) ON DELETE CASCADE,
	blockers TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dirty_cells (
	cell_id TEXT PRIMARY KEY REFERENCES cells(id) ON DELETE CASCADE,
	marked_at TEXT NOT NULL
);
`

const schemaMemory = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	metadata TEXT,
	collection TEXT,
	tags TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	decay_factor REAL NOT NULL DEFAULT 1.0,
	embedding BLOB,
	valid_from TEXT,
	valid_until TEXT,
	superseded_by TEXT,
	auto_tags TEXT,
	keywords TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(collection, created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content, keywords, content='memories', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content, keywords) VALUES (new.rowid, new.content, new.keywords);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, keywords) VALUES('delete', old.rowid, old.content, old.keywords);
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, keywords) VALUES('delete', old.rowid, old.content, old.keywords);
	INSERT INTO memories_fts(rowid, content, keywords) VALUES (new.rowid, new.content, new.keywords);
END;

CREATE TABLE IF NOT EXISTS memory_links (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	link_type TEXT NOT NULL,
	strength REAL NOT NULL DEFAULT 0.5,
	created_at TEXT NOT NULL,
	UNIQUE(source_id, target_id, link_type)
);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	canonical_name TEXT,
	UNIQUE(name, entity_type)
);

CREATE TABLE IF NOT EXISTS relationships (
	id TEXT PRIMARY KEY,
	subject_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	predicate TEXT NOT NULL,
	object_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	memory_id TEXT REFERENCES memories(id) ON DELETE SET NULL,
	confidence REAL NOT NULL DEFAULT 0.5,
	UNIQUE(subject_entity_id, predicate, object_entity_id)
);

CREATE TABLE IF NOT EXISTS memory_entities (
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	role TEXT,
	PRIMARY KEY (memory_id, entity_id)
);
`

const schemaConfig = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// schemaLocksReleasedAt retains a released lock's row (rather than deleting
// it) so its fencing seq survives release, per the "strictly increasing,
// never reused" invariant: the next tryAcquire on that resource reads
// seq+1 instead of restarting from 1.
const schemaLocksReleasedAt = `
ALTER TABLE locks ADD COLUMN released_at TEXT;
`
