// Package db provides the SQLite-backed persistence core (C1): schema
// management, full-text search, and the concrete kanban.CardStore plus the
// supporting stores the rest of the system depends on.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at dbPath, applying every pending
// migration before returning.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, path: dbPath}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.DB.Close()
}

// hasColumn reports whether table carries column, via PRAGMA table_info.
// Migrations use this instead of a version counter so that re-running the
// full migration list against an already-current database is always a
// no-op, regardless of which subset of columns an older binary created.
func (d *DB) hasColumn(table, column string) (bool, error) {
	rows, err := d.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// addColumnIfMissing runs an ALTER TABLE ADD COLUMN only when the column does
// not already exist, making the migration idempotent across restarts and
// across binaries that may have applied a subset of earlier migrations.
func (d *DB) addColumnIfMissing(table, column, ddl string) error {
	ok, err := d.hasColumn(table, column)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if ok {
		return nil
	}
	if _, err := d.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl)); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

// migrate creates every table and index idempotently (CREATE TABLE/INDEX IF
// NOT EXISTS), then adds any columns a prior schema version is missing via
// per-column existence checks. There is deliberately no schema_migrations
// version counter: applying the full statement list twice against an
// up-to-date database is always a no-op.
func (d *DB) migrate() error {
	statements := []string{
		schemaProjects,
		schemaProjectDocuments,
		schemaCards,
		schemaCardHistory,
		schemaDecisions,
		schemaSteeringCorrections,
		schemaConversations,
		schemaMessages,
		schemaCampaigns,
		schemaCodebaseMetrics,
		schemaAuditLog,
		schemaAgentRuns,
		schemaWorktreePool,
		schemaMergeQueue,
		schemaConfig,
		schemaTokenUsage,
		schemaCardsFTS,
		schemaDocumentsFTS,
		schemaDecisionsFTS,
	}

	for _, stmt := range statements {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w\n%s", err, stmt)
		}
	}

	// Columns added after the original table definitions ship, checked
	// individually so an already-current database sees no-ops.
	if err := d.addColumnIfMissing("cards", "campaign_id", "campaign_id TEXT"); err != nil {
		return err
	}
	if err := d.addColumnIfMissing("cards", "verification_status", "verification_status TEXT DEFAULT 'unverified'"); err != nil {
		return err
	}

	return nil
}

const schemaProjects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	color TEXT,
	agent_timeout_minutes INTEGER DEFAULT 0,
	max_concurrent_agents INTEGER DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const schemaProjectDocuments = `
CREATE TABLE IF NOT EXISTS project_documents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT,
	content TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_project_documents_project ON project_documents(project_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_project_documents_singleton
	ON project_documents(project_id, type) WHERE type IN ('assumptions', 'state');
`

const schemaCards = `
CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	column_name TEXT NOT NULL DEFAULT 'backlog',
	labels TEXT,
	due_date DATETIME,
	linked_decision_ids TEXT,
	linked_message_ids TEXT,
	position INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	context_snapshot TEXT,
	last_session_id TEXT,
	assigned_agent TEXT,
	agent_status TEXT DEFAULT 'idle',
	blocked_reason TEXT,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_cards_project_column ON cards(project_id, column_name);
CREATE INDEX IF NOT EXISTS idx_cards_agent_status ON cards(agent_status);
`

const schemaCardHistory = `
CREATE TABLE IF NOT EXISTS card_history (
	id TEXT PRIMARY KEY,
	card_id TEXT NOT NULL,
	column_name TEXT NOT NULL,
	status TEXT,
	by_actor TEXT,
	note TEXT,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_card_history_card ON card_history(card_id);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	alternatives TEXT,
	reasoning TEXT,
	tradeoffs TEXT,
	created_at DATETIME NOT NULL,
	revised_at DATETIME,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id);
`

const schemaSteeringCorrections = `
CREATE TABLE IF NOT EXISTS steering_corrections (
	id TEXT PRIMARY KEY,
	correction TEXT NOT NULL,
	domain TEXT NOT NULL,
	source TEXT NOT NULL,
	context TEXT,
	project_id TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steering_project ON steering_corrections(project_id);
CREATE INDEX IF NOT EXISTS idx_steering_active ON steering_corrections(active);
`

const schemaConversations = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	context_usage INTEGER DEFAULT 0,
	summary TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id);
`

const schemaMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	project_id TEXT,
	conversation_id TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

const schemaCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	baseline_lint_warnings INTEGER,
	baseline_lint_errors INTEGER,
	baseline_any_escapes INTEGER,
	baseline_test_files INTEGER,
	baseline_source_files INTEGER,
	baseline_captured_at DATETIME,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
`

const schemaCodebaseMetrics = `
CREATE TABLE IF NOT EXISTS codebase_metrics (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	lint_warnings INTEGER,
	lint_errors INTEGER,
	any_escapes INTEGER,
	test_files INTEGER,
	source_files INTEGER,
	captured_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codebase_metrics_project ON codebase_metrics(project_id, captured_at);
`

const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT,
	action TEXT NOT NULL,
	actor TEXT,
	details TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

const schemaAgentRuns = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	card_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	worktree_id TEXT,
	branch TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER,
	output TEXT,
	timed_out INTEGER DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_card ON agent_runs(card_id);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
`

const schemaWorktreePool = `
CREATE TABLE IF NOT EXISTS worktree_pool (
	card_id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	branch TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_worktree_pool_status ON worktree_pool(status);
`

const schemaMergeQueue = `
CREATE TABLE IF NOT EXISTS merge_queue (
	card_id TEXT PRIMARY KEY,
	branch TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER DEFAULT 0,
	last_error TEXT,
	queued_at DATETIME NOT NULL,
	resolved_at DATETIME,
	FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_merge_queue_status ON merge_queue(status);
`

const schemaConfig = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const schemaTokenUsage = `
CREATE TABLE IF NOT EXISTS token_usage (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	card_id TEXT,
	agent TEXT,
	input_tokens INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	cost_usd REAL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_project ON token_usage(project_id);
`

// schemaCardsFTS maintains an FTS5 shadow index over card title/description,
// kept in sync with the cards table via triggers. No teacher analog: the
// card store never indexed free text for search.
const schemaCardsFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS cards_fts USING fts5(
	id UNINDEXED, title, description, content='cards', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS cards_fts_insert AFTER INSERT ON cards BEGIN
	INSERT INTO cards_fts(rowid, id, title, description) VALUES (new.rowid, new.id, new.title, new.description);
END;
CREATE TRIGGER IF NOT EXISTS cards_fts_delete AFTER DELETE ON cards BEGIN
	INSERT INTO cards_fts(cards_fts, rowid, id, title, description) VALUES ('delete', old.rowid, old.id, old.title, old.description);
END;
CREATE TRIGGER IF NOT EXISTS cards_fts_update AFTER UPDATE ON cards BEGIN
	INSERT INTO cards_fts(cards_fts, rowid, id, title, description) VALUES ('delete', old.rowid, old.id, old.title, old.description);
	INSERT INTO cards_fts(rowid, id, title, description) VALUES (new.rowid, new.id, new.title, new.description);
END;
`

const schemaDocumentsFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS project_documents_fts USING fts5(
	id UNINDEXED, title, content, content='project_documents', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS documents_fts_insert AFTER INSERT ON project_documents BEGIN
	INSERT INTO project_documents_fts(rowid, id, title, content) VALUES (new.rowid, new.id, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_fts_delete AFTER DELETE ON project_documents BEGIN
	INSERT INTO project_documents_fts(project_documents_fts, rowid, id, title, content) VALUES ('delete', old.rowid, old.id, old.title, old.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_fts_update AFTER UPDATE ON project_documents BEGIN
	INSERT INTO project_documents_fts(project_documents_fts, rowid, id, title, content) VALUES ('delete', old.rowid, old.id, old.title, old.content);
	INSERT INTO project_documents_fts(rowid, id, title, content) VALUES (new.rowid, new.id, new.title, new.content);
END;
`

const schemaDecisionsFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS decisions_fts USING fts5(
	id UNINDEXED, title, reasoning, content='decisions', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS decisions_fts_insert AFTER INSERT ON decisions BEGIN
	INSERT INTO decisions_fts(rowid, id, title, reasoning) VALUES (new.rowid, new.id, new.title, new.reasoning);
END;
CREATE TRIGGER IF NOT EXISTS decisions_fts_delete AFTER DELETE ON decisions BEGIN
	INSERT INTO decisions_fts(decisions_fts, rowid, id, title, reasoning) VALUES ('delete', old.rowid, old.id, old.title, old.reasoning);
END;
CREATE TRIGGER IF NOT EXISTS decisions_fts_update AFTER UPDATE ON decisions BEGIN
	INSERT INTO decisions_fts(decisions_fts, rowid, id, title, reasoning) VALUES ('delete', old.rowid, old.id, old.title, old.reasoning);
	INSERT INTO decisions_fts(rowid, id, title, reasoning) VALUES (new.rowid, new.id, new.title, new.reasoning);
END;
`
