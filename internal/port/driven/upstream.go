package driven

import (
	"context"
	"fmt"
)

// UpstreamRequest describes one fetch from an origin site.
type UpstreamRequest struct {
	URL string
	// Referer is sent as Referer, and its origin as Origin, when set.
	Referer string
}

// UpstreamResponse is a fully read origin response.
type UpstreamResponse struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// UpstreamStatusError is returned when the origin answers with a non-2xx status.
type UpstreamStatusError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// Upstream defines the interface for fetching content from origin sites.
// This is a driven port implemented by the HTTP adapter.
type Upstream interface {
	// Fetch retrieves the resource. Non-2xx responses yield *UpstreamStatusError.
	// Implementations do not retry.
	Fetch(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error)
}
