package download

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain errors
var (
	ErrInvalidURL         = errors.New("invalid stream url")
	ErrTaskNotFound       = errors.New("download task not found")
	ErrTaskActive         = errors.New("download task is active")
	ErrTaskNotCancellable = errors.New("download task cannot be cancelled")
	ErrTaskCompleted      = errors.New("download task already completed")
)

// CancelledMessage is recorded on tasks cancelled by the user.
const CancelledMessage = "cancelled"

// Status is the lifecycle state of a download task.
type Status string

// Task statuses.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the status is final until an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Task is one user request to download a resolved stream to a local file.
type Task struct {
	ID              string
	URL             string
	Referer         string
	Title           string
	OutputPath      string
	FilePath        string
	FileName        string
	Status          Status
	Progress        float64
	TotalSegments   int
	DownloadedBytes int64
	RetryCount      int
	MaxRetries      int
	CreateTime      time.Time
	StartTime       *time.Time
	EndTime         *time.Time
	Error           string
}

// NewTask validates the stream url and builds a pending task.
// Title and output path are sanitized; outputPath falls back to defaultDir.
func NewTask(rawURL, title, outputPath, referer, defaultDir string, maxRetries int) (*Task, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	fileName := SanitizeFileName(title)
	return &Task{
		ID:         id.String(),
		URL:        rawURL,
		Referer:    strings.TrimSpace(referer),
		Title:      strings.TrimSpace(title),
		OutputPath: SanitizeOutputPath(outputPath, defaultDir),
		FileName:   fileName,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreateTime: time.Now(),
	}, nil
}

// Snapshot is the observable record of a task. It is a copy and safe to hand out.
type Snapshot struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	FileName      string     `json:"fileName"`
	FilePath      string     `json:"filePath,omitempty"`
	Status        Status     `json:"status"`
	Progress      float64    `json:"progress"`
	TotalSegments int        `json:"totalSegments,omitempty"`
	Speed         float64    `json:"speed,omitempty"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	Error         string     `json:"error,omitempty"`
	CreateTime    time.Time  `json:"createTime"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
}

// Snapshot returns the observable record. Speed is bytes per second since start.
func (t *Task) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		ID:            t.ID,
		URL:           t.URL,
		Title:         t.Title,
		FileName:      t.FileName,
		FilePath:      t.FilePath,
		Status:        t.Status,
		Progress:      t.Progress,
		TotalSegments: t.TotalSegments,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		Error:         t.Error,
		CreateTime:    t.CreateTime,
		StartTime:     copyTime(t.StartTime),
		EndTime:       copyTime(t.EndTime),
	}
	if t.Status == StatusDownloading && t.StartTime != nil {
		if elapsed := now.Sub(*t.StartTime).Seconds(); elapsed > 0 {
			s.Speed = float64(t.DownloadedBytes) / elapsed
		}
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
