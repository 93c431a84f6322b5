package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/petrijr/maestro/pkg/api"
)

// SQLiteExecutionStore is an ExecutionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
//
// Records are stored as JSON bodies next to the columns the queries need.
type SQLiteExecutionStore struct {
	db *sql.DB
}

// Ensure SQLiteExecutionStore implements ExecutionStore.
var _ ExecutionStore = (*SQLiteExecutionStore)(nil)

// NewSQLiteExecutionStore initializes the required schema in the given
// database and returns a new SQLiteExecutionStore.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			correlation_id TEXT,
			body BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			workflow_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			task_def_name TEXT NOT NULL,
			ref_name TEXT NOT NULL,
			status TEXT NOT NULL,
			executed INTEGER NOT NULL DEFAULT 0,
			body BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id, seq);
		CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks (task_type, status);
		CREATE TABLE IF NOT EXISTS poll_data (
			queue_name TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			last_poll_time INTEGER NOT NULL,
			PRIMARY KEY (queue_name, domain, worker_id)
		);
		CREATE TABLE IF NOT EXISTS task_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			log TEXT NOT NULL,
			created_time INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_logs ON task_logs (task_id, seq);
	`)
	return err
}

func (s *SQLiteExecutionStore) CreateWorkflow(ctx context.Context, w *api.Workflow) error {
	return s.saveWorkflow(ctx, w, true)
}

func (s *SQLiteExecutionStore) UpdateWorkflow(ctx context.Context, w *api.Workflow) error {
	return s.saveWorkflow(ctx, w, false)
}

func (s *SQLiteExecutionStore) saveWorkflow(ctx context.Context, w *api.Workflow, create bool) error {
	record := w.Copy()
	tasks := record.Tasks
	record.Tasks = nil

	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if create {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, workflow_name, status, correlation_id, body)
			VALUES (?, ?, ?, ?, ?)`,
			w.ID, w.Name, string(w.Status), w.CorrelationID, body)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, `
			UPDATE workflows SET workflow_name = ?, status = ?, correlation_id = ?, body = ?
			WHERE id = ?`,
			w.Name, string(w.Status), w.CorrelationID, body, w.ID)
		if err == nil {
			if n, aerr := res.RowsAffected(); aerr == nil && n == 0 {
				return ErrWorkflowNotFound
			}
		}
	}
	if err != nil {
		return err
	}
	return s.CreateTasks(ctx, tasks)
}

func (s *SQLiteExecutionStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*api.Workflow, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}

	var w api.Workflow
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	if !includeTasks {
		return &w, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM tasks WHERE workflow_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var taskBody []byte
		if err := rows.Scan(&taskBody); err != nil {
			return nil, err
		}
		var t api.Task
		if err := json.Unmarshal(taskBody, &t); err != nil {
			return nil, err
		}
		w.Tasks = append(w.Tasks, &t)
	}
	return &w, rows.Err()
}

func (s *SQLiteExecutionStore) RemoveWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWorkflowNotFound
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM task_logs WHERE task_id IN (SELECT id FROM tasks WHERE workflow_id = ?)`, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE workflow_id = ?`, id)
	return err
}

func (s *SQLiteExecutionStore) RunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflows WHERE workflow_name = ? AND status = ? ORDER BY id`,
		workflowName, string(api.WorkflowRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteExecutionStore) WorkflowsByCorrelationID(ctx context.Context, correlationID string, includeTasks bool) ([]*api.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflows WHERE correlation_id = ? ORDER BY id`, correlationID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*api.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id, includeTasks)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLiteExecutionStore) CreateTasks(ctx context.Context, tasks []*api.Task) error {
	for _, t := range tasks {
		body, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, workflow_id, task_type, task_def_name, ref_name, status, executed, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status,
				executed = excluded.executed, body = excluded.body`,
			t.ID, t.WorkflowID, string(t.Type), t.DefName, t.ReferenceName,
			string(t.Status), boolToInt(t.Executed), body)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteExecutionStore) UpdateTask(ctx context.Context, t *api.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, executed = ?, body = ? WHERE id = ?`,
		string(t.Status), boolToInt(t.Executed), body, t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteExecutionStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t api.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteExecutionStore) TasksForType(ctx context.Context, taskType, startKey string, count int) ([]*api.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM tasks WHERE task_type = ? AND id > ? ORDER BY id LIMIT ?`,
		taskType, startKey, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteExecutionStore) PendingTasksForType(ctx context.Context, taskType string) ([]*api.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM tasks WHERE task_type = ? AND status IN (?, ?, ?) ORDER BY id`,
		taskType,
		string(api.TaskScheduled), string(api.TaskInProgress), string(api.TaskReadyForRerun))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteExecutionStore) PendingTaskForWorkflow(ctx context.Context, refName, workflowID string) (*api.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM tasks
		WHERE workflow_id = ? AND ref_name = ? AND executed = 0
		ORDER BY seq LIMIT 1`, workflowID, refName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

func (s *SQLiteExecutionStore) InProgressCount(ctx context.Context, taskDefName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE task_def_name = ? AND status = ?`,
		taskDefName, string(api.TaskInProgress)).Scan(&n)
	return n, err
}

func (s *SQLiteExecutionStore) UpdateLastPoll(ctx context.Context, d api.PollData) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_data (queue_name, domain, worker_id, last_poll_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (queue_name, domain, worker_id)
		DO UPDATE SET last_poll_time = excluded.last_poll_time`,
		d.QueueName, d.Domain, d.WorkerID, d.LastPollTime)
	return err
}

func (s *SQLiteExecutionStore) PollData(ctx context.Context, taskType string) ([]api.PollData, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_name, domain, worker_id, last_poll_time FROM poll_data
		WHERE queue_name = ? ORDER BY domain, worker_id`, taskType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.PollData
	for rows.Next() {
		var d api.PollData
		if err := rows.Scan(&d.QueueName, &d.Domain, &d.WorkerID, &d.LastPollTime); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteExecutionStore) AddTaskExecLogs(ctx context.Context, logs []api.TaskExecLog) error {
	for _, l := range logs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, log, created_time) VALUES (?, ?, ?)`,
			l.TaskID, l.Log, l.CreatedTime)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteExecutionStore) TaskExecLogs(ctx context.Context, taskID string) ([]api.TaskExecLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, log, created_time FROM task_logs WHERE task_id = ? ORDER BY seq`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TaskExecLog
	for rows.Next() {
		var l api.TaskExecLog
		if err := rows.Scan(&l.TaskID, &l.Log, &l.CreatedTime); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]*api.Task, error) {
	var out []*api.Task
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t api.Task
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
