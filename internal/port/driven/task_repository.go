package driven

import (
	"context"

	"github.com/alorle/hls-relay/internal/download"
)

// TaskRepository defines the interface for download task persistence.
// This is a driven port implemented by concrete adapters (e.g., BoltDB).
type TaskRepository interface {
	// Save inserts or replaces a task record.
	Save(ctx context.Context, t download.Task) error

	// FindAll returns every stored task ordered by id.
	FindAll(ctx context.Context) ([]download.Task, error)

	// Delete removes a task. Deleting a missing task is not an error.
	Delete(ctx context.Context, id string) error

	// Ping checks if the repository (database) is accessible and operational.
	Ping(ctx context.Context) error
}
