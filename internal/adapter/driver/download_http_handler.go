package driver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/alorle/hls-relay/internal/application"
	"github.com/alorle/hls-relay/internal/download"
)

const maxRequestBodyBytes = 1 << 20

// DownloadHTTPHandler handles HTTP requests for download task management.
type DownloadHTTPHandler struct {
	manager *application.DownloadManager
}

// NewDownloadHTTPHandler creates a new HTTP handler for download tasks.
func NewDownloadHTTPHandler(manager *application.DownloadManager) *DownloadHTTPHandler {
	return &DownloadHTTPHandler{manager: manager}
}

// downloadRequest represents the JSON body for creating a download.
type downloadRequest struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	OutputPath string `json:"outputPath"`
	Referer    string `json:"referer"`
}

type clearResponse struct {
	Removed int `json:"removed"`
}

// ServeHTTP routes the request to the appropriate handler based on method and path.
func (h *DownloadHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/downloads"), "/")
	parts := strings.Split(path, "/")

	switch {
	// POST /downloads
	case path == "" && r.Method == http.MethodPost:
		h.handleCreate(w, r)

	// GET /downloads
	case path == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.manager.List())

	// GET /downloads/stats
	case path == "stats" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.manager.Stats())

	// POST /downloads/clear-completed
	case path == "clear-completed" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, clearResponse{Removed: h.manager.ClearCompleted()})

	// GET /downloads/{id}
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, parts[0])

	// POST /downloads/{id}/{action}
	case len(parts) == 2 && r.Method == http.MethodPost:
		h.handleAction(w, parts[0], parts[1])

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreate handles POST /downloads
func (h *DownloadHTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.manager.Create(r.Context(), application.CreateRequest{
		URL:        req.URL,
		Title:      req.Title,
		OutputPath: req.OutputPath,
		Referer:    req.Referer,
	})
	if err != nil {
		writeDownloadError(w, err)
		return
	}

	snapshot, err := h.manager.Get(id)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

// handleGet handles GET /downloads/{id}
func (h *DownloadHTTPHandler) handleGet(w http.ResponseWriter, id string) {
	snapshot, err := h.manager.Get(id)
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleAction handles POST /downloads/{id}/start|cancel|retry
func (h *DownloadHTTPHandler) handleAction(w http.ResponseWriter, id, action string) {
	var err error
	switch action {
	case "start":
		err = h.manager.Start(id)
	case "cancel":
		err = h.manager.Cancel(id)
	case "retry":
		err = h.manager.Retry(id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeDownloadError(w, err)
		return
	}
	h.handleGet(w, id)
}

func writeDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, download.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, download.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, download.ErrTaskNotCancellable),
		errors.Is(err, download.ErrTaskActive),
		errors.Is(err, download.ErrTaskCompleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
