package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alorle/hls-relay/internal/download"
	"github.com/alorle/hls-relay/internal/manifest"
	"github.com/alorle/hls-relay/internal/port/driven"
	"github.com/alorle/hls-relay/metrics"
)

const (
	interruptedByRestart  = "download interrupted by restart"
	interruptedByShutdown = "download interrupted by shutdown"
	maxErrorMessageLength = 300
	probeFileName         = ".hls-relay-probe"
)

// DownloadConfig configures the download manager.
type DownloadConfig struct {
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration
	// Timeout bounds a whole transcoder run. Zero disables it.
	Timeout          time.Duration
	DefaultOutputDir string
	// ProxyBaseURL is the scheme and host the transcoder uses to reach this process.
	ProxyBaseURL  string
	ProxyBasePath string
	FileExtension string
	GCInterval    time.Duration
	MaxTaskAge    time.Duration
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DefaultOutputDir == "" {
		c.DefaultOutputDir = "downloads"
	}
	if c.ProxyBasePath == "" {
		c.ProxyBasePath = manifest.DefaultProxyBasePath
	}
	if c.FileExtension == "" {
		c.FileExtension = ".mp4"
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Hour
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = 24 * time.Hour
	}
	return c
}

// CreateRequest holds the user supplied parameters of a new download.
type CreateRequest struct {
	URL        string
	Title      string
	OutputPath string
	Referer    string
}

// DownloadStats summarizes the task table.
type DownloadStats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Downloading   int `json:"downloading"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	Queued        int `json:"queued"`
	Cancellations int `json:"cancellations"`
}

// run is the handle of one transcoder process.
type run struct {
	cancel context.CancelFunc
}

// DownloadManager owns the task table and the launch queue. processQueue is
// the only place a task is started, so MaxConcurrent always holds.
type DownloadManager struct {
	cfg        DownloadConfig
	transcoder driven.Transcoder
	repo       driven.TaskRepository
	logger     *slog.Logger

	now      func() time.Time
	probeDir func(dir string) error

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	tasks         map[string]*download.Task
	queue         []string
	active        map[string]*run
	retryTimers   map[string]*time.Timer
	reserved      map[string]bool
	cancellations int
	closed        bool
	subscribers   []func(download.Snapshot)
	outbox        []download.Snapshot
}

// NewDownloadManager creates a new DownloadManager. repo may be nil to keep
// tasks in memory only.
func NewDownloadManager(cfg DownloadConfig, transcoder driven.Transcoder, repo driven.TaskRepository, logger *slog.Logger) *DownloadManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DownloadManager{
		cfg:         cfg.withDefaults(),
		transcoder:  transcoder,
		repo:        repo,
		logger:      logger,
		now:         time.Now,
		probeDir:    probeWritable,
		baseCtx:     ctx,
		baseCancel:  cancel,
		tasks:       make(map[string]*download.Task),
		active:      make(map[string]*run),
		retryTimers: make(map[string]*time.Timer),
		reserved:    make(map[string]bool),
	}
}

// Subscribe registers fn to receive a snapshot after every task change.
// fn is called without the manager lock held and must not block for long.
func (m *DownloadManager) Subscribe(fn func(download.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Create validates and stores a new task, queues it and advances the queue.
// Returns download.ErrInvalidURL if the url is not absolute http(s).
func (m *DownloadManager) Create(ctx context.Context, req CreateRequest) (string, error) {
	t, err := download.NewTask(req.URL, req.Title, req.OutputPath, req.Referer, m.cfg.DefaultOutputDir, m.cfg.MaxRetries)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.unlock()

	m.tasks[t.ID] = t
	m.queue = append(m.queue, t.ID)
	m.logger.Info("download created", "task_id", t.ID, "url", t.URL, "file_name", t.FileName)
	m.changed(t)
	metrics.RecordDownloadTransition(string(download.StatusPending))
	m.processQueue()

	return t.ID, nil
}

// Start puts a task back into the queue. It is a no-op for tasks that are
// already queued or downloading.
func (m *DownloadManager) Start(id string) error {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[id]
	if !ok {
		return download.ErrTaskNotFound
	}
	switch t.Status {
	case download.StatusCompleted:
		return download.ErrTaskCompleted
	case download.StatusDownloading:
		return nil
	case download.StatusPending:
		if m.isQueued(id) || m.retryTimers[id] != nil {
			return nil
		}
	}
	if m.active[id] != nil {
		return download.ErrTaskActive
	}

	t.Status = download.StatusPending
	t.Error = ""
	t.EndTime = nil
	m.queue = append(m.queue, id)
	m.changed(t)
	metrics.RecordDownloadTransition(string(download.StatusPending))
	m.processQueue()
	return nil
}

// Cancel stops a pending or downloading task. Terminal tasks yield
// download.ErrTaskNotCancellable.
func (m *DownloadManager) Cancel(id string) error {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[id]
	if !ok {
		return download.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return download.ErrTaskNotCancellable
	}

	if r := m.active[id]; r != nil {
		r.cancel()
	}
	m.dequeue(id)
	m.stopRetryTimer(id)

	now := m.now()
	t.Status = download.StatusCancelled
	t.Error = download.CancelledMessage
	t.EndTime = &now
	m.cancellations++

	m.logger.Info("download cancelled", "task_id", id)
	m.changed(t)
	metrics.RecordDownloadTransition(string(download.StatusCancelled))
	m.processQueue()
	return nil
}

// Retry resets a task's progress, error and retry count and queues it again,
// whatever terminal state it is in.
func (m *DownloadManager) Retry(id string) error {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[id]
	if !ok {
		return download.ErrTaskNotFound
	}
	if t.Status == download.StatusDownloading || m.active[id] != nil {
		return download.ErrTaskActive
	}

	m.stopRetryTimer(id)
	t.Status = download.StatusPending
	t.Progress = 0
	t.TotalSegments = 0
	t.DownloadedBytes = 0
	t.RetryCount = 0
	t.Error = ""
	t.StartTime = nil
	t.EndTime = nil
	if !m.isQueued(id) {
		m.queue = append(m.queue, id)
	}

	m.logger.Info("download retried", "task_id", id)
	m.changed(t)
	metrics.RecordDownloadTransition(string(download.StatusPending))
	m.processQueue()
	return nil
}

// ClearCompleted removes every terminal task whose process has exited and
// returns how many were removed.
func (m *DownloadManager) ClearCompleted() int {
	m.mu.Lock()
	defer m.unlock()

	removed := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && m.active[id] == nil {
			m.remove(id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleared finished downloads", "count", removed)
	}
	return removed
}

// Get returns the snapshot of one task.
func (m *DownloadManager) Get(id string) (download.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return download.Snapshot{}, download.ErrTaskNotFound
	}
	return t.Snapshot(m.now()), nil
}

// List returns snapshots of every task in creation order.
func (m *DownloadManager) List() []download.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]download.Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts tasks by status.
func (m *DownloadManager) Stats() DownloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := DownloadStats{
		Total:         len(m.tasks),
		Queued:        len(m.queue),
		Cancellations: m.cancellations,
	}
	for _, t := range m.tasks {
		switch t.Status {
		case download.StatusPending:
			s.Pending++
		case download.StatusDownloading:
			s.Downloading++
		case download.StatusCompleted:
			s.Completed++
		case download.StatusError:
			s.Failed++
		case download.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// MarkStart records how many segments the task's media playlist holds.
// A later playlist for the same task replaces the denominator.
func (m *DownloadManager) MarkStart(taskID string, totalSegments int) {
	if totalSegments <= 0 {
		return
	}
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != download.StatusDownloading {
		return
	}
	t.TotalSegments = totalSegments
	m.notify(t)
}

// MarkStep advances progress by one segment. Progress stays below 100 until
// the transcoder has exited successfully.
func (m *DownloadManager) MarkStep(taskID string, bytes int64) {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != download.StatusDownloading {
		return
	}
	t.DownloadedBytes += bytes
	if t.TotalSegments > 0 {
		t.Progress += 100 / float64(t.TotalSegments)
		if t.Progress > 99 {
			t.Progress = 99
		}
	}
	m.notify(t)
}

// Run purges old finished tasks every GCInterval until ctx is done.
func (m *DownloadManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.collectGarbage(); n > 0 {
				m.logger.Info("purged expired downloads", "count", n)
			}
		}
	}
}

func (m *DownloadManager) collectGarbage() int {
	m.mu.Lock()
	defer m.unlock()

	cutoff := m.now().Add(-m.cfg.MaxTaskAge)
	removed := 0
	for id, t := range m.tasks {
		if !t.Status.IsTerminal() || m.active[id] != nil || t.EndTime == nil {
			continue
		}
		if t.EndTime.Before(cutoff) {
			m.remove(id)
			removed++
		}
	}
	return removed
}

// Restore loads persisted tasks. Tasks that were downloading when the
// process stopped are marked as failed, pending tasks are queued again.
func (m *DownloadManager) Restore(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	tasks, err := m.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	m.mu.Lock()
	defer m.unlock()

	restored := 0
	for i := range tasks {
		t := tasks[i]
		if _, exists := m.tasks[t.ID]; exists {
			continue
		}
		m.tasks[t.ID] = &t
		restored++

		switch t.Status {
		case download.StatusDownloading:
			now := m.now()
			t.Status = download.StatusError
			t.Error = interruptedByRestart
			t.EndTime = &now
			m.changed(&t)
			metrics.RecordDownloadTransition(string(download.StatusError))
		case download.StatusPending:
			m.queue = append(m.queue, t.ID)
		}
	}

	m.logger.Info("downloads restored", "count", restored, "queued", len(m.queue))
	m.processQueue()
	return nil
}

// Shutdown stops accepting launches, interrupts running transcoders and
// waits for them to exit.
func (m *DownloadManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for id := range m.retryTimers {
		m.stopRetryTimer(id)
	}
	m.unlock()

	m.baseCancel()
	m.wg.Wait()
}

// processQueue launches queued tasks while slots are free. Must be called
// with lock held.
func (m *DownloadManager) processQueue() {
	for !m.closed && len(m.active) < m.cfg.MaxConcurrent && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		t, ok := m.tasks[id]
		if !ok || t.Status != download.StatusPending || m.active[id] != nil {
			continue
		}
		m.launch(t)
	}
	metrics.SetDownloadQueue(len(m.active), len(m.queue))
}

// launch marks t downloading and starts its worker. Must be called with lock held.
func (m *DownloadManager) launch(t *download.Task) {
	var ctx context.Context
	var cancel context.CancelFunc
	if m.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(m.baseCtx, m.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(m.baseCtx)
	}
	r := &run{cancel: cancel}
	m.active[t.ID] = r

	now := m.now()
	t.Status = download.StatusDownloading
	t.StartTime = &now
	t.EndTime = nil
	t.Error = ""
	t.Progress = 0
	t.TotalSegments = 0
	t.DownloadedBytes = 0

	m.logger.Info("download started", "task_id", t.ID, "attempt", t.RetryCount+1)
	m.changed(t)
	metrics.RecordDownloadTransition(string(download.StatusDownloading))

	job := launchJob{
		id:        t.ID,
		url:       t.URL,
		referer:   t.Referer,
		outputDir: t.OutputPath,
		fileName:  t.FileName,
	}
	m.wg.Add(1)
	go m.download(ctx, r, job)
}

type launchJob struct {
	id        string
	url       string
	referer   string
	outputDir string
	fileName  string
}

// download runs one attempt of a task: directory checks, output naming and
// the transcoder run.
func (m *DownloadManager) download(ctx context.Context, r *run, job launchJob) {
	defer m.wg.Done()
	defer r.cancel()

	if err := os.MkdirAll(job.outputDir, 0o755); err != nil {
		m.finish(job.id, "", fmt.Errorf("failed to create output directory: %w", err), false)
		return
	}
	if err := m.probeDir(job.outputDir); err != nil {
		m.finish(job.id, "", fmt.Errorf("output directory is not writable: %w", err), false)
		return
	}

	filePath, ok := m.reserveOutput(job)
	if !ok {
		m.finish(job.id, "", nil, false)
		return
	}

	err := m.transcoder.Run(ctx, driven.TranscodeJob{
		TaskID:     job.id,
		InputURL:   m.inputURL(job),
		OutputFile: filePath,
	})
	if err != nil {
		// Partial output would push the next attempt to a suffixed name.
		_ = os.Remove(filePath)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("download timed out after %s", m.cfg.Timeout)
	}
	m.finish(job.id, filePath, err, true)
}

// reserveOutput picks a free file name in the output directory, adding
// " (1)", " (2)"... on collision. It reports false if the task stopped
// downloading in the meantime.
func (m *DownloadManager) reserveOutput(job launchJob) (string, bool) {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.tasks[job.id]
	if !ok || t.Status != download.StatusDownloading {
		return "", false
	}

	path := filepath.Join(job.outputDir, job.fileName+m.cfg.FileExtension)
	for n := 1; m.reserved[path] || fileExists(path); n++ {
		path = filepath.Join(job.outputDir, fmt.Sprintf("%s (%d)%s", job.fileName, n, m.cfg.FileExtension))
	}
	m.reserved[path] = true
	t.FilePath = path
	m.changed(t)
	return path, true
}

// inputURL is the proxy manifest URL handed to the transcoder.
func (m *DownloadManager) inputURL(job launchJob) string {
	query := url.Values{}
	query.Set("taskId", job.id)
	if job.referer != "" {
		query.Set("referer", job.referer)
	}
	opts := manifest.ProxyOptions{
		BasePath: strings.TrimRight(m.cfg.ProxyBaseURL, "/") + m.cfg.ProxyBasePath,
		Query:    query,
	}
	return opts.ProxyURL(manifest.KindManifest, job.url)
}

// finish records the outcome of one attempt and frees its slot.
func (m *DownloadManager) finish(id, filePath string, runErr error, retryable bool) {
	m.mu.Lock()
	defer m.unlock()

	delete(m.active, id)
	if filePath != "" {
		delete(m.reserved, filePath)
	}
	defer m.processQueue()

	t, ok := m.tasks[id]
	if !ok || t.Status != download.StatusDownloading {
		// Cancelled or cleared while running.
		return
	}

	now := m.now()
	switch {
	case runErr == nil:
		t.Status = download.StatusCompleted
		t.Progress = 100
		t.Error = ""
		t.EndTime = &now
		m.logger.Info("download completed", "task_id", id, "file", t.FilePath)

	case m.closed:
		t.Status = download.StatusError
		t.Error = interruptedByShutdown
		t.EndTime = &now

	case retryable && t.RetryCount < t.MaxRetries:
		t.RetryCount++
		t.Status = download.StatusPending
		t.Error = summarizeError(runErr)
		m.logger.Warn("download failed, retrying", "task_id", id, "attempt", t.RetryCount, "max_retries", t.MaxRetries, "error", runErr)
		metrics.RecordDownloadRetry()
		m.scheduleRetry(id)

	default:
		t.Status = download.StatusError
		t.Error = summarizeError(runErr)
		t.EndTime = &now
		m.logger.Error("download failed", "task_id", id, "error", runErr)
	}

	m.changed(t)
	metrics.RecordDownloadTransition(string(t.Status))
}

// scheduleRetry puts the task back at the front of the queue after
// RetryDelay. Must be called with lock held.
func (m *DownloadManager) scheduleRetry(id string) {
	if m.cfg.RetryDelay <= 0 {
		m.queue = append([]string{id}, m.queue...)
		return
	}
	m.retryTimers[id] = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.mu.Lock()
		defer m.unlock()

		if _, ok := m.retryTimers[id]; !ok {
			return
		}
		delete(m.retryTimers, id)
		if t, ok := m.tasks[id]; ok && t.Status == download.StatusPending && !m.isQueued(id) {
			m.queue = append([]string{id}, m.queue...)
			m.processQueue()
		}
	})
}

// Must be called with lock held.
func (m *DownloadManager) stopRetryTimer(id string) {
	if timer, ok := m.retryTimers[id]; ok {
		timer.Stop()
		delete(m.retryTimers, id)
	}
}

// Must be called with lock held.
func (m *DownloadManager) isQueued(id string) bool {
	for _, q := range m.queue {
		if q == id {
			return true
		}
	}
	return false
}

// Must be called with lock held.
func (m *DownloadManager) dequeue(id string) {
	for i, q := range m.queue {
		if q == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// remove drops a task from memory and storage. Must be called with lock held.
func (m *DownloadManager) remove(id string) {
	delete(m.tasks, id)
	m.dequeue(id)
	m.stopRetryTimer(id)
	if m.repo != nil {
		if err := m.repo.Delete(context.Background(), id); err != nil {
			m.logger.Warn("failed to delete download record", "task_id", id, "error", err)
		}
	}
}

// changed persists t and queues a snapshot for subscribers. Must be called
// with lock held.
func (m *DownloadManager) changed(t *download.Task) {
	if m.repo != nil {
		if err := m.repo.Save(context.Background(), *t); err != nil {
			m.logger.Warn("failed to persist download", "task_id", t.ID, "error", err)
		}
	}
	m.notify(t)
}

// notify queues a snapshot for subscribers. Must be called with lock held.
func (m *DownloadManager) notify(t *download.Task) {
	if len(m.subscribers) > 0 {
		m.outbox = append(m.outbox, t.Snapshot(m.now()))
	}
}

// unlock releases the lock and then delivers queued snapshots.
func (m *DownloadManager) unlock() {
	events := m.outbox
	m.outbox = nil
	subscribers := m.subscribers
	m.mu.Unlock()

	for _, e := range events {
		for _, fn := range subscribers {
			fn(e)
		}
	}
}

// probeWritable writes and deletes a sentinel file in dir.
func probeWritable(dir string) error {
	path := filepath.Join(dir, probeFileName)
	if err := os.WriteFile(path, []byte("ok"), 0o644); err != nil {
		return err
	}
	_ = os.Remove(path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func summarizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if r := []rune(msg); len(r) > maxErrorMessageLength {
		msg = string(r[:maxErrorMessageLength]) + "..."
	}
	return msg
}
