package application

import (
	"context"

	"github.com/alorle/hls-relay/internal/port/driven"
)

// HealthService orchestrates health checks for the application and its dependencies.
type HealthService struct {
	db         driven.TaskRepository
	transcoder driven.Transcoder
}

// NewHealthService creates a new health check service.
func NewHealthService(db driven.TaskRepository, transcoder driven.Transcoder) *HealthService {
	return &HealthService{
		db:         db,
		transcoder: transcoder,
	}
}

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Status string // "ok" or "error"
	Error  string // empty if status is "ok"
}

// HealthStatus represents the overall health status of the application.
type HealthStatus struct {
	Status     string // "ok" if all components are healthy, "degraded" otherwise
	DB         ComponentHealth
	Transcoder ComponentHealth
}

// Check performs health checks on all dependencies.
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}

	status.DB = componentHealth(s.db.Ping(ctx))
	status.Transcoder = componentHealth(s.transcoder.Ping(ctx))

	if status.DB.Status != "ok" || status.Transcoder.Status != "ok" {
		status.Status = "degraded"
	}
	return status
}

func componentHealth(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}
	return ComponentHealth{Status: "ok"}
}
