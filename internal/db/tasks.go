package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-labs/muster/pkg/types"
)

// CreateTask persists a new task with status pending. Invalid tasks
// never reach the table.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}

	params, err := encodeJSONMap(task.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	meta, err := encodeJSONAnyMap(task.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, user_id, title, description, query, parameters, metadata, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.AgentID, task.UserID, task.Title, task.Description, task.Query,
		params, meta, string(task.Status), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, agent_id, user_id, title, description, query, parameters, metadata,
		       status, execution_id, result, error_message, error_code,
		       created_at, updated_at, started_at, completed_at
		FROM tasks WHERE id = ?
	`, taskID)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, newest first
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	query := `
		SELECT id, agent_id, user_id, title, description, query, parameters, metadata,
		       status, execution_id, result, error_message, error_code,
		       created_at, updated_at, started_at, completed_at
		FROM tasks WHERE 1=1
	`
	var args []any
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task record. Normal lifecycle never deletes; this
// backs the explicit delete operation only.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning records that a workflow run started: execution_id and
// status=running land in one UPDATE so no reader can ever observe one
// without the other. started_at is set only the first time, and a new
// attempt over a terminal record clears the previous outcome. A record
// that already carries this execution id is left untouched, so a
// replayed run cannot revive a task it has already finished.
func (s *Store) MarkRunning(ctx context.Context, taskID, executionID string) (*types.Task, error) {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET execution_id = ?, status = ?, result = '', error_message = '', error_code = '',
		    started_at = COALESCE(started_at, ?), completed_at = NULL, updated_at = ?
		WHERE id = ? AND (status IN (?, ?) OR COALESCE(execution_id, '') <> ?)
	`, executionID, string(types.TaskStatusRunning), now, now,
		taskID, string(types.TaskStatusPending), string(types.TaskStatusSubmitted), executionID)
	if err != nil {
		return nil, fmt.Errorf("marking task running: %w", err)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// FinalizeTask records a run's terminal outcome. completed_at is set only
// the first time a terminal status lands.
func (s *Store) FinalizeTask(ctx context.Context, taskID string, status types.TaskStatus, result, errMsg string, errCode types.ErrorCode) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	now := time.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error_message = ?, error_code = ?,
		    completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE id = ?
	`, string(status), result, errMsg, string(errCode), now, now, taskID)
	if err != nil {
		return fmt.Errorf("finalizing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveConversation persists a run's conversation history in turn order
func (s *Store) SaveConversation(ctx context.Context, taskID string, turns []types.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting conversation save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_turns (id, task_id, turn_number, role, content, tool_call_id, tool_name, tool_input, tokens_used, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing turn insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, turn := range turns {
		id := turn.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := turn.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, id, taskID, i+1, string(turn.Role), turn.Content,
			turn.ToolCallID, turn.ToolName, turn.ToolInput, turn.TokensUsed, turn.Cost, createdAt); err != nil {
			return fmt.Errorf("saving turn %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}
	return nil
}

// GetConversation returns a task's persisted conversation in turn order
func (s *Store) GetConversation(ctx context.Context, taskID string) ([]types.ConversationTurn, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, turn_number, role, content, tool_call_id, tool_name, tool_input, tokens_used, cost, created_at
		FROM conversation_turns WHERE task_id = ? ORDER BY turn_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	defer rows.Close()

	var turns []types.ConversationTurn
	for rows.Next() {
		var t types.ConversationTurn
		var role string
		if err := rows.Scan(&t.ID, &t.TaskID, &t.TurnNumber, &role, &t.Content,
			&t.ToolCallID, &t.ToolName, &t.ToolInput, &t.TokensUsed, &t.Cost, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = types.ConversationRole(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var status, params, meta, execID, result, errMsg, errCode sql.NullString
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&task.ID, &task.AgentID, &task.UserID, &task.Title, &task.Description, &task.Query,
		&params, &meta, &status, &execID, &result, &errMsg, &errCode,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	task.Status = types.TaskStatus(status.String)
	task.ExecutionID = execID.String
	task.Result = result.String
	task.ErrorMessage = errMsg.String
	task.ErrorCode = types.ErrorCode(errCode.String)
	if startedAt.Valid {
		v := startedAt.Int64
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		task.CompletedAt = &v
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &task.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &task, nil
}

func encodeJSONMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeJSONAnyMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
