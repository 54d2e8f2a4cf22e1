package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tasks ---

// SaveTask upserts the task's full state as a JSON blob. Write-through: the
// blob always reflects the in-memory task at the time of the call.
func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		task.ID, data, task.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task models.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// DeleteTasks removes the given tasks and their history rows. The only
// deletion path; callers collect expired ids first, then delete by list.
func (s *PostgresStore) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_history WHERE task_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete task history: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

// --- Task history ---

func (s *PostgresStore) AppendHistory(ctx context.Context, entry models.TaskHistory) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal history details: %w", err)
	}

	var userID *string
	if entry.UserID != "" {
		userID = &entry.UserID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_history (id, task_id, action, timestamp, details, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.TaskID, entry.Action, entry.Timestamp, details, userID)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", entry.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, action, timestamp, details, user_id
		 FROM task_history WHERE task_id = $1 ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", taskID, err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func (s *PostgresStore) ListAllHistory(ctx context.Context) ([]models.TaskHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, action, timestamp, details, user_id
		 FROM task_history ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func scanHistory(rows pgx.Rows) ([]models.TaskHistory, error) {
	var entries []models.TaskHistory
	for rows.Next() {
		var (
			h       models.TaskHistory
			details []byte
			userID  *string
		)
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Action, &h.Timestamp, &details, &userID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &h.Details); err != nil {
				return nil, fmt.Errorf("unmarshal history details: %w", err)
			}
		}
		if userID != nil {
			h.UserID = *userID
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
