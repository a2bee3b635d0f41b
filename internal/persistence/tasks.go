package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/engine"
)

// SaveTask saves or updates a task snapshot and its dependency edges.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task engine.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := marshalOpaque(task.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result for task %s: %w", task.ID, err)
	}
	errPayload, err := marshalOpaque(task.Err)
	if err != nil {
		return fmt.Errorf("failed to encode error for task %s: %w", task.ID, err)
	}
	payload, err := marshalOpaque(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for task %s: %w", task.ID, err)
	}

	placeholder := 0
	if task.Placeholder {
		placeholder = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, state, placeholder, result, error, payload, registered_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			state = excluded.state,
			placeholder = excluded.placeholder,
			result = excluded.result,
			error = excluded.error,
			payload = excluded.payload,
			registered_at = excluded.registered_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.AgentID, task.State.String(), placeholder, result, errPayload, payload,
		formatTime(&task.RegisteredAt), formatTime(task.StartedAt), formatTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveTransition appends one accepted state change to the audit log.
func (s *SQLiteStore) SaveTransition(ctx context.Context, t engine.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_state, to_state, at)
		VALUES (?, ?, ?, ?)
	`, t.TaskID, t.From.String(), t.To.String(), t.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (engine.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, state, placeholder, result, error, payload, registered_at, started_at, completed_at
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return engine.Task{}, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return engine.Task{}, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, taskID)
	if err != nil {
		return engine.Task{}, err
	}
	task.Dependencies = deps
	return task, nil
}

// ListTasks returns all persisted tasks with their dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]engine.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, state, placeholder, result, error, payload, registered_at, started_at, completed_at
		FROM tasks
		ORDER BY registered_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []engine.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for i := range tasks {
		deps, err := s.loadDependencies(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Dependencies = deps
	}
	return tasks, nil
}

// ListTransitions returns the audit log for a task, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, taskID string) ([]engine.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_state, to_state, at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []engine.Transition
	for rows.Next() {
		var fromState, toState, at string
		var t engine.Transition
		if err := rows.Scan(&t.TaskID, &fromState, &toState, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if t.From, err = engine.ParseState(fromState); err != nil {
			return nil, err
		}
		if t.To, err = engine.ParseState(toState); err != nil {
			return nil, err
		}
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse transition timestamp: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return transitions, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (engine.Task, error) {
	var task engine.Task
	var agentID, stateName sql.NullString
	var placeholder int
	var result, errPayload, payload sql.NullString
	var registeredAt, startedAt, completedAt sql.NullString

	err := row.Scan(&task.ID, &agentID, &stateName, &placeholder,
		&result, &errPayload, &payload, &registeredAt, &startedAt, &completedAt)
	if err != nil {
		return engine.Task{}, err
	}

	task.AgentID = agentID.String
	task.Placeholder = placeholder != 0
	if task.State, err = engine.ParseState(stateName.String); err != nil {
		return engine.Task{}, err
	}
	if task.Result, err = unmarshalOpaque(result); err != nil {
		return engine.Task{}, fmt.Errorf("failed to decode result for task %s: %w", task.ID, err)
	}
	if task.Err, err = unmarshalOpaque(errPayload); err != nil {
		return engine.Task{}, fmt.Errorf("failed to decode error for task %s: %w", task.ID, err)
	}
	if task.Payload, err = unmarshalOpaque(payload); err != nil {
		return engine.Task{}, fmt.Errorf("failed to decode payload for task %s: %w", task.ID, err)
	}

	if registered, err := parseTime(registeredAt); err != nil {
		return engine.Task{}, err
	} else if registered != nil {
		task.RegisteredAt = *registered
	}
	if task.StartedAt, err = parseTime(startedAt); err != nil {
		return engine.Task{}, err
	}
	if task.CompletedAt, err = parseTime(completedAt); err != nil {
		return engine.Task{}, err
	}
	return task, nil
}

// marshalOpaque encodes an opaque payload as JSON text, NULL for nil.
func marshalOpaque(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalOpaque(v sql.NullString) (any, error) {
	if !v.Valid {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}
