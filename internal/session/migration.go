package session

import (
	"context"
	"database/sql"
	"fmt"
)

// migration pairs a PRAGMA user_version target with the SQL batch that
// reaches it. Grounded on agnt-db/src/migration.rs's version-gated batch
// list; ported from rusqlite's pragma_query_value/pragma_update to plain
// PRAGMA statements over database/sql, since modernc.org/sqlite exposes no
// pragma helper API.
type migration struct {
	version int64
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE projects (
	id TEXT PRIMARY KEY,
	root_dir TEXT NOT NULL UNIQUE,
	name TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	title TEXT,
	root_turn_id TEXT,
	current_turn_id TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX idx_sessions_project_id ON sessions(project_id);

CREATE TABLE turns (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	parent_turn_id TEXT REFERENCES turns(id),
	user_parts_json TEXT NOT NULL,
	assistant_parts_json TEXT NOT NULL,
	conversation_state_json TEXT NOT NULL,
	usage_json TEXT,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX idx_turns_session_id ON turns(session_id);
CREATE INDEX idx_turns_parent_turn_id ON turns(parent_turn_id);

CREATE TABLE session_ops (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	op_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX idx_session_ops_session_id ON session_ops(session_id, seq);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE provider_credentials (
	provider_id TEXT PRIMARY KEY,
	credential_value TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
`,
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var version int64
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set user_version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		version = m.version
	}

	return nil
}
