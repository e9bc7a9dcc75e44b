package driven

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/alorle/hls-relay/internal/download"
)

const (
	downloadsBucket = "downloads"
)

// TaskBoltDBRepository implements the TaskRepository port using BoltDB.
type TaskBoltDBRepository struct {
	db *bbolt.DB
}

// NewTaskBoltDBRepository creates a new BoltDB-backed task repository.
// It initializes the required bucket if it doesn't exist.
func NewTaskBoltDBRepository(db *bbolt.DB) (*TaskBoltDBRepository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &TaskBoltDBRepository{db: db}, nil
}

// taskDTO is used for JSON serialization. Timestamps are RFC 3339 strings.
type taskDTO struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	Referer         string  `json:"referer,omitempty"`
	Title           string  `json:"title"`
	OutputPath      string  `json:"output_path"`
	FilePath        string  `json:"file_path,omitempty"`
	FileName        string  `json:"file_name"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	TotalSegments   int     `json:"total_segments,omitempty"`
	DownloadedBytes int64   `json:"downloaded_bytes,omitempty"`
	RetryCount      int     `json:"retry_count"`
	MaxRetries      int     `json:"max_retries"`
	CreateTime      string  `json:"create_time"`
	StartTime       string  `json:"start_time,omitempty"`
	EndTime         string  `json:"end_time,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func toTaskDTO(t download.Task) taskDTO {
	return taskDTO{
		ID:              t.ID,
		URL:             t.URL,
		Referer:         t.Referer,
		Title:           t.Title,
		OutputPath:      t.OutputPath,
		FilePath:        t.FilePath,
		FileName:        t.FileName,
		Status:          string(t.Status),
		Progress:        t.Progress,
		TotalSegments:   t.TotalSegments,
		DownloadedBytes: t.DownloadedBytes,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		CreateTime:      t.CreateTime.UTC().Format(time.RFC3339Nano),
		StartTime:       formatTime(t.StartTime),
		EndTime:         formatTime(t.EndTime),
		Error:           t.Error,
	}
}

func (d taskDTO) toTask() (download.Task, error) {
	created, err := time.Parse(time.RFC3339Nano, d.CreateTime)
	if err != nil {
		return download.Task{}, err
	}
	start, err := parseTime(d.StartTime)
	if err != nil {
		return download.Task{}, err
	}
	end, err := parseTime(d.EndTime)
	if err != nil {
		return download.Task{}, err
	}

	return download.Task{
		ID:              d.ID,
		URL:             d.URL,
		Referer:         d.Referer,
		Title:           d.Title,
		OutputPath:      d.OutputPath,
		FilePath:        d.FilePath,
		FileName:        d.FileName,
		Status:          download.Status(d.Status),
		Progress:        d.Progress,
		TotalSegments:   d.TotalSegments,
		DownloadedBytes: d.DownloadedBytes,
		RetryCount:      d.RetryCount,
		MaxRetries:      d.MaxRetries,
		CreateTime:      created,
		StartTime:       start,
		EndTime:         end,
		Error:           d.Error,
	}, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Save inserts or replaces a task in BoltDB.
func (r *TaskBoltDBRepository) Save(ctx context.Context, t download.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(toTaskDTO(t))
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return errors.New("downloads bucket not found")
		}
		return bucket.Put([]byte(t.ID), data)
	})
}

// FindAll retrieves all tasks from BoltDB in key order. Task ids are time
// ordered, so this is creation order.
func (r *TaskBoltDBRepository) FindAll(ctx context.Context) ([]download.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks := []download.Task{}

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return errors.New("downloads bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var dto taskDTO
			if err := json.Unmarshal(v, &dto); err != nil {
				return err
			}
			t, err := dto.toTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// Delete removes a task from BoltDB. Deleting a missing task is a no-op.
func (r *TaskBoltDBRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return errors.New("downloads bucket not found")
		}
		return bucket.Delete([]byte(id))
	})
}

// Ping checks if the BoltDB database is accessible and operational.
func (r *TaskBoltDBRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(downloadsBucket)) == nil {
			return errors.New("downloads bucket not found")
		}
		return nil
	})
}
