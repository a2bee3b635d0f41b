package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Dependency rows
// carry no foreign keys: writes are best-effort and may arrive before the
// referenced task's own row (forward-referenced placeholders).
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		state TEXT NOT NULL,
		placeholder INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		payload TEXT,
		registered_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS task_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_transitions_task_id ON task_transitions(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
