package driver

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/alorle/hls-relay/circuitbreaker"
	"github.com/alorle/hls-relay/internal/application"
	"github.com/alorle/hls-relay/internal/manifest"
	"github.com/alorle/hls-relay/internal/port/driven"
)

// ProxyHTTPHandler serves rewritten manifests, realigned segments and
// passthrough resources.
type ProxyHTTPHandler struct {
	service *application.ProxyService
	logger  *slog.Logger
}

// NewProxyHTTPHandler creates a new HTTP handler for the proxy endpoint.
func NewProxyHTTPHandler(service *application.ProxyService, logger *slog.Logger) *ProxyHTTPHandler {
	return &ProxyHTTPHandler{service: service, logger: logger}
}

// ServeHTTP handles GET /api/proxy/{tag}?url=..&referer=..&taskId=..&type=..
func (h *ProxyHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	req := application.ProxyRequest{
		Tag:     path.Base(r.URL.Path),
		Type:    q.Get("type"),
		URL:     q.Get("url"),
		Referer: q.Get("referer"),
		TaskID:  q.Get("taskId"),
	}

	resp, err := h.service.Resolve(r.Context(), req)
	if err != nil {
		status := proxyErrorStatus(err)
		h.logger.Warn("proxy request failed",
			"url", req.URL,
			"task_id", req.TaskID,
			"status", status,
			"error", err,
		)
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	if resp.Kind == manifest.KindManifest {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

// proxyErrorStatus maps a Resolve error to the status returned to the client.
func proxyErrorStatus(err error) int {
	if errors.Is(err, application.ErrMissingURL) || errors.Is(err, application.ErrInvalidURL) {
		return http.StatusBadRequest
	}
	var statusErr *driven.UpstreamStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode <= 599 {
		return statusErr.StatusCode
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
