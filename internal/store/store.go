package store

import (
	"context"
	"errors"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// Store is the data access interface. All database operations go through here.
//
// Tasks are persisted as JSON blobs keyed by id; history rows are flat and
// survive task blob updates independently (no cascade).
type Store interface {
	Ping(ctx context.Context) error

	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	DeleteTasks(ctx context.Context, ids []string) error

	AppendHistory(ctx context.Context, entry models.TaskHistory) error
	ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error)
	ListAllHistory(ctx context.Context) ([]models.TaskHistory, error)
}
