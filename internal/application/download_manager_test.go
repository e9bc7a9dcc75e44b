package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alorle/hls-relay/internal/download"
	"github.com/alorle/hls-relay/internal/port/driven"
)

type mockTranscoder struct {
	mu       sync.Mutex
	jobs     []driven.TranscodeJob
	inFlight int
	maxSeen  int
	runFunc  func(ctx context.Context, job driven.TranscodeJob) error
	pingErr  error
}

func (m *mockTranscoder) Run(ctx context.Context, job driven.TranscodeJob) error {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	fn := m.runFunc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if fn == nil {
		return nil
	}
	return fn(ctx, job)
}

func (m *mockTranscoder) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockTranscoder) Jobs() []driven.TranscodeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driven.TranscodeJob(nil), m.jobs...)
}

func (m *mockTranscoder) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// blockingRun waits for release or cancellation.
func blockingRun(release <-chan struct{}) func(ctx context.Context, job driven.TranscodeJob) error {
	return func(ctx context.Context, job driven.TranscodeJob) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type mockTaskRepository struct {
	mu      sync.Mutex
	tasks   map[string]download.Task
	deleted []string
	pingErr error
}

func newMockTaskRepository(tasks ...download.Task) *mockTaskRepository {
	r := &mockTaskRepository{tasks: make(map[string]download.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *mockTaskRepository) Save(ctx context.Context, t download.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	return nil
}

func (r *mockTaskRepository) FindAll(ctx context.Context) ([]download.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]download.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (r *mockTaskRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *mockTaskRepository) Ping(ctx context.Context) error {
	return r.pingErr
}

func (r *mockTaskRepository) Get(id string) (download.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

func newTestManager(t *testing.T, cfg DownloadConfig, tr driven.Transcoder, repo driven.TaskRepository) *DownloadManager {
	t.Helper()
	if cfg.DefaultOutputDir == "" {
		cfg.DefaultOutputDir = t.TempDir()
	}
	if cfg.ProxyBaseURL == "" {
		cfg.ProxyBaseURL = "http://127.0.0.1:8080"
	}
	m := NewDownloadManager(cfg, tr, repo, testLogger())
	t.Cleanup(m.Shutdown)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *DownloadManager, id string, status download.Status) download.Snapshot {
	t.Helper()
	var snap download.Snapshot
	waitFor(t, "status "+string(status), func() bool {
		s, err := m.Get(id)
		snap = s
		return err == nil && s.Status == status
	})
	return snap
}

func mustCreate(t *testing.T, m *DownloadManager, title string) string {
	t.Helper()
	id, err := m.Create(context.Background(), CreateRequest{URL: "https://cdn.example/" + title + ".m3u8", Title: title})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return id
}

func TestDownloadManager_Create(t *testing.T) {
	t.Run("rejects malformed url", func(t *testing.T) {
		m := newTestManager(t, DownloadConfig{}, &mockTranscoder{}, nil)
		_, err := m.Create(context.Background(), CreateRequest{URL: "not a url", Title: "x"})
		if !errors.Is(err, download.ErrInvalidURL) {
			t.Errorf("expected ErrInvalidURL, got %v", err)
		}
		if len(m.List()) != 0 {
			t.Error("expected no task to be stored")
		}
	})

	t.Run("launches immediately and completes", func(t *testing.T) {
		repo := newMockTaskRepository()
		tr := &mockTranscoder{}
		m := newTestManager(t, DownloadConfig{}, tr, repo)

		id := mustCreate(t, m, "Show")
		snap := waitStatus(t, m, id, download.StatusCompleted)

		if snap.Progress != 100 {
			t.Errorf("expected progress 100, got %f", snap.Progress)
		}
		if snap.EndTime == nil || snap.StartTime == nil {
			t.Error("expected start and end times")
		}
		if stored, ok := repo.Get(id); !ok || stored.Status != download.StatusCompleted {
			t.Errorf("expected completed task persisted, got %+v", stored)
		}
	})

	t.Run("transcoder reads the proxied manifest", func(t *testing.T) {
		tr := &mockTranscoder{}
		dir := t.TempDir()
		m := newTestManager(t, DownloadConfig{DefaultOutputDir: dir}, tr, nil)

		id, err := m.Create(context.Background(), CreateRequest{
			URL:     "https://cdn.example/a.m3u8",
			Title:   "My: Show",
			Referer: "https://site/",
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		waitStatus(t, m, id, download.StatusCompleted)

		jobs := tr.Jobs()
		if len(jobs) != 1 {
			t.Fatalf("expected 1 job, got %d", len(jobs))
		}
		wantURL := "http://127.0.0.1:8080/api/proxy/index.m3u8?type=m3u8&url=https%3A%2F%2Fcdn.example%2Fa.m3u8&referer=https%3A%2F%2Fsite%2F&taskId=" + id
		if jobs[0].InputURL != wantURL {
			t.Errorf("expected input url\n%s\ngot\n%s", wantURL, jobs[0].InputURL)
		}
		if jobs[0].OutputFile != filepath.Join(dir, "My Show.mp4") {
			t.Errorf("unexpected output file %q", jobs[0].OutputFile)
		}
	})
}

func TestDownloadManager_QueueBound(t *testing.T) {
	release := make(chan struct{})
	tr := &mockTranscoder{runFunc: blockingRun(release)}
	m := newTestManager(t, DownloadConfig{MaxConcurrent: 2}, tr, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, m, "task"))
	}

	waitFor(t, "two running transcoders", func() bool { return len(tr.Jobs()) == 2 })
	stats := m.Stats()
	if stats.Downloading != 2 || stats.Pending != 3 || stats.Queued != 3 {
		t.Errorf("expected 2 downloading and 3 queued, got %+v", stats)
	}

	close(release)
	for _, id := range ids {
		waitStatus(t, m, id, download.StatusCompleted)
	}
	if got := tr.MaxInFlight(); got > 2 {
		t.Errorf("expected at most 2 concurrent transcoders, saw %d", got)
	}
}

func TestDownloadManager_RetryExhaustion(t *testing.T) {
	tr := &mockTranscoder{runFunc: func(ctx context.Context, job driven.TranscodeJob) error {
		return errors.New("ffmpeg exited with status 1: Connection refused")
	}}
	repo := newMockTaskRepository()
	m := newTestManager(t, DownloadConfig{MaxRetries: 2}, tr, repo)

	id, err := m.Create(context.Background(), CreateRequest{URL: "http://unreachable.invalid/a.m3u8", Title: "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	snap := waitStatus(t, m, id, download.StatusError)

	if n := len(tr.Jobs()); n != 3 {
		t.Errorf("expected 3 launch attempts, got %d", n)
	}
	if snap.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", snap.RetryCount)
	}
	if !strings.Contains(snap.Error, "Connection refused") {
		t.Errorf("expected summarized error, got %q", snap.Error)
	}
	if stored, _ := repo.Get(id); stored.Status != download.StatusError {
		t.Errorf("expected error persisted, got %q", stored.Status)
	}
}

func TestDownloadManager_RetryDelay(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	tr := &mockTranscoder{runFunc: func(ctx context.Context, job driven.TranscodeJob) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return errors.New("boom")
	}}
	m := newTestManager(t, DownloadConfig{MaxRetries: 1, RetryDelay: 50 * time.Millisecond}, tr, nil)

	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusError)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < 40*time.Millisecond {
		t.Errorf("expected retry after the delay, got %v", gap)
	}
}

func TestDownloadManager_RetryJumpsQueue(t *testing.T) {
	gate := make(chan struct{})
	var firstID string
	var once sync.Once
	tr := &mockTranscoder{}
	tr.runFunc = func(ctx context.Context, job driven.TranscodeJob) error {
		failed := false
		if job.TaskID == firstID {
			once.Do(func() {
				<-gate
				failed = true
			})
		}
		if failed {
			return errors.New("transient")
		}
		return nil
	}
	m := newTestManager(t, DownloadConfig{MaxConcurrent: 1, MaxRetries: 1}, tr, nil)

	// The transcoder reads firstID, so set it before the task can launch.
	m.mu.Lock()
	a, err := download.NewTask("https://cdn.example/a.m3u8", "a", "", "", m.cfg.DefaultOutputDir, 1)
	if err != nil {
		m.mu.Unlock()
		t.Fatalf("failed to build task: %v", err)
	}
	firstID = a.ID
	m.tasks[a.ID] = a
	m.queue = append(m.queue, a.ID)
	m.processQueue()
	m.unlock()

	waitFor(t, "first launch", func() bool { return len(tr.Jobs()) == 1 })
	b := mustCreate(t, m, "b")
	c := mustCreate(t, m, "c")
	close(gate)

	waitStatus(t, m, c, download.StatusCompleted)
	waitStatus(t, m, b, download.StatusCompleted)
	waitStatus(t, m, a.ID, download.StatusCompleted)

	var order []string
	for _, j := range tr.Jobs() {
		order = append(order, j.TaskID)
	}
	want := []string{a.ID, a.ID, b, c}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected launch order %v, got %v", want, order)
	}
}

func TestDownloadManager_Cancel(t *testing.T) {
	t.Run("cancels downloading task and frees the slot", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		tr := &mockTranscoder{runFunc: blockingRun(release)}
		m := newTestManager(t, DownloadConfig{MaxConcurrent: 1, MaxRetries: 3}, tr, nil)

		first := mustCreate(t, m, "first")
		second := mustCreate(t, m, "second")
		waitStatus(t, m, first, download.StatusDownloading)

		if err := m.Cancel(first); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		snap, _ := m.Get(first)
		if snap.Status != download.StatusCancelled || snap.Error != download.CancelledMessage {
			t.Errorf("expected cancelled with message, got %q / %q", snap.Status, snap.Error)
		}
		waitStatus(t, m, second, download.StatusDownloading)

		if got := len(tr.Jobs()); got != 2 {
			t.Errorf("cancelled task must not be retried, got %d launches", got)
		}
		if s, _ := m.Get(first); s.Status != download.StatusCancelled {
			t.Errorf("expected task to stay cancelled, got %q", s.Status)
		}
	})

	t.Run("cancels queued task", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		tr := &mockTranscoder{runFunc: blockingRun(release)}
		m := newTestManager(t, DownloadConfig{MaxConcurrent: 1}, tr, nil)

		mustCreate(t, m, "running")
		queued := mustCreate(t, m, "queued")
		if err := m.Cancel(queued); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		stats := m.Stats()
		if stats.Queued != 0 || stats.Cancelled != 1 || stats.Cancellations != 1 {
			t.Errorf("unexpected stats %+v", stats)
		}
	})

	t.Run("terminal tasks are not cancellable", func(t *testing.T) {
		m := newTestManager(t, DownloadConfig{}, &mockTranscoder{}, nil)
		id := mustCreate(t, m, "done")
		waitStatus(t, m, id, download.StatusCompleted)

		if err := m.Cancel(id); !errors.Is(err, download.ErrTaskNotCancellable) {
			t.Errorf("expected ErrTaskNotCancellable, got %v", err)
		}
		if err := m.Cancel("missing"); !errors.Is(err, download.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("second cancel fails without side effects", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		m := newTestManager(t, DownloadConfig{MaxConcurrent: 1}, &mockTranscoder{runFunc: blockingRun(release)}, nil)
		mustCreate(t, m, "running")
		id := mustCreate(t, m, "queued")

		_ = m.Cancel(id)
		if err := m.Cancel(id); !errors.Is(err, download.ErrTaskNotCancellable) {
			t.Errorf("expected ErrTaskNotCancellable, got %v", err)
		}
		if c := m.Stats().Cancellations; c != 1 {
			t.Errorf("expected 1 cancellation, got %d", c)
		}
	})
}

func TestDownloadManager_Progress(t *testing.T) {
	release := make(chan struct{})
	tr := &mockTranscoder{runFunc: blockingRun(release)}
	m := newTestManager(t, DownloadConfig{}, tr, nil)

	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusDownloading)

	m.MarkStart(id, 4)
	for i := 0; i < 3; i++ {
		m.MarkStep(id, 100)
	}
	snap, _ := m.Get(id)
	if snap.Progress != 75 {
		t.Errorf("expected progress 75, got %f", snap.Progress)
	}
	if snap.TotalSegments != 4 {
		t.Errorf("expected 4 segments, got %d", snap.TotalSegments)
	}

	for i := 0; i < 5; i++ {
		m.MarkStep(id, 100)
	}
	if snap, _ := m.Get(id); snap.Progress != 99 {
		t.Errorf("expected progress capped at 99, got %f", snap.Progress)
	}

	m.MarkStep("unknown", 1)
	m.MarkStart("unknown", 1)

	close(release)
	if snap := waitStatus(t, m, id, download.StatusCompleted); snap.Progress != 100 {
		t.Errorf("expected 100 after completion, got %f", snap.Progress)
	}
}

func TestDownloadManager_OutputNaming(t *testing.T) {
	t.Run("existing file gets a numeric suffix", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "Show.mp4"), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		tr := &mockTranscoder{}
		m := newTestManager(t, DownloadConfig{DefaultOutputDir: dir}, tr, nil)

		id := mustCreate(t, m, "Show")
		snap := waitStatus(t, m, id, download.StatusCompleted)

		want := filepath.Join(dir, "Show (1).mp4")
		if snap.FilePath != want || tr.Jobs()[0].OutputFile != want {
			t.Errorf("expected %q, got %q", want, snap.FilePath)
		}
	})

	t.Run("concurrent tasks never share a file", func(t *testing.T) {
		release := make(chan struct{})
		tr := &mockTranscoder{runFunc: blockingRun(release)}
		m := newTestManager(t, DownloadConfig{MaxConcurrent: 3}, tr, nil)

		for i := 0; i < 3; i++ {
			mustCreate(t, m, "Same")
		}
		waitFor(t, "three launches", func() bool { return len(tr.Jobs()) == 3 })

		seen := map[string]bool{}
		for _, j := range tr.Jobs() {
			if seen[j.OutputFile] {
				t.Errorf("output file %q used twice", j.OutputFile)
			}
			seen[j.OutputFile] = true
		}
		close(release)
	})

	t.Run("unwritable directory fails without retry", func(t *testing.T) {
		tr := &mockTranscoder{}
		m := newTestManager(t, DownloadConfig{MaxRetries: 3}, tr, nil)
		m.probeDir = func(string) error { return errors.New("no space left on device") }

		id := mustCreate(t, m, "x")
		snap := waitStatus(t, m, id, download.StatusError)

		if len(tr.Jobs()) != 0 {
			t.Error("transcoder must not run when the probe fails")
		}
		if snap.RetryCount != 0 {
			t.Errorf("expected no retries, got %d", snap.RetryCount)
		}
		if !strings.Contains(snap.Error, "no space left") {
			t.Errorf("expected probe error, got %q", snap.Error)
		}
	})
}

func TestDownloadManager_Timeout(t *testing.T) {
	tr := &mockTranscoder{runFunc: blockingRun(nil)}
	m := newTestManager(t, DownloadConfig{Timeout: 50 * time.Millisecond}, tr, nil)

	id := mustCreate(t, m, "slow")
	snap := waitStatus(t, m, id, download.StatusError)
	if !strings.Contains(snap.Error, "timed out") {
		t.Errorf("expected timeout message, got %q", snap.Error)
	}
}

func TestDownloadManager_RetryAndStart(t *testing.T) {
	t.Run("retry resets a failed task", func(t *testing.T) {
		var mu sync.Mutex
		fail := true
		tr := &mockTranscoder{runFunc: func(ctx context.Context, job driven.TranscodeJob) error {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return errors.New("boom")
			}
			return nil
		}}
		m := newTestManager(t, DownloadConfig{MaxRetries: 1}, tr, nil)

		id := mustCreate(t, m, "x")
		waitStatus(t, m, id, download.StatusError)

		mu.Lock()
		fail = false
		mu.Unlock()
		if err := m.Retry(id); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		snap := waitStatus(t, m, id, download.StatusCompleted)
		if snap.RetryCount != 0 || snap.Error != "" {
			t.Errorf("expected reset counters, got retry=%d error=%q", snap.RetryCount, snap.Error)
		}
	})

	t.Run("retry refuses running task", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		m := newTestManager(t, DownloadConfig{}, &mockTranscoder{runFunc: blockingRun(release)}, nil)
		id := mustCreate(t, m, "x")
		waitStatus(t, m, id, download.StatusDownloading)

		if err := m.Retry(id); !errors.Is(err, download.ErrTaskActive) {
			t.Errorf("expected ErrTaskActive, got %v", err)
		}
		if err := m.Retry("missing"); !errors.Is(err, download.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("start requeues cancelled task", func(t *testing.T) {
		release := make(chan struct{})
		tr := &mockTranscoder{runFunc: blockingRun(release)}
		m := newTestManager(t, DownloadConfig{MaxConcurrent: 1}, tr, nil)

		mustCreate(t, m, "running")
		id := mustCreate(t, m, "later")
		_ = m.Cancel(id)

		if err := m.Start(id); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := m.Start(id); err != nil {
			t.Errorf("starting a queued task must be a no-op, got %v", err)
		}
		if q := m.Stats().Queued; q != 1 {
			t.Errorf("expected task queued once, got %d", q)
		}
		close(release)
		waitStatus(t, m, id, download.StatusCompleted)

		if err := m.Start(id); !errors.Is(err, download.ErrTaskCompleted) {
			t.Errorf("expected ErrTaskCompleted, got %v", err)
		}
	})
}

func TestDownloadManager_ClearCompleted(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	repo := newMockTaskRepository()
	tr := &mockTranscoder{}
	m := newTestManager(t, DownloadConfig{MaxConcurrent: 1}, tr, repo)

	done := mustCreate(t, m, "done")
	waitStatus(t, m, done, download.StatusCompleted)

	tr.mu.Lock()
	tr.runFunc = blockingRun(release)
	tr.mu.Unlock()
	running := mustCreate(t, m, "running")
	waitStatus(t, m, running, download.StatusDownloading)
	queued := mustCreate(t, m, "queued")
	_ = m.Cancel(queued)

	if n := m.ClearCompleted(); n != 2 {
		t.Errorf("expected 2 tasks cleared, got %d", n)
	}
	if _, err := m.Get(done); !errors.Is(err, download.ErrTaskNotFound) {
		t.Errorf("expected completed task removed, got %v", err)
	}
	if _, err := m.Get(running); err != nil {
		t.Errorf("running task must stay, got %v", err)
	}
	if _, ok := repo.Get(done); ok {
		t.Error("expected completed task removed from storage")
	}
}

func TestDownloadManager_CollectGarbage(t *testing.T) {
	m := newTestManager(t, DownloadConfig{MaxTaskAge: time.Hour}, &mockTranscoder{}, nil)
	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusCompleted)

	if n := m.collectGarbage(); n != 0 {
		t.Errorf("fresh task must survive, got %d removed", n)
	}

	m.mu.Lock()
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.mu.Unlock()

	if n := m.collectGarbage(); n != 1 {
		t.Errorf("expected 1 expired task removed, got %d", n)
	}
	if len(m.List()) != 0 {
		t.Error("expected empty task table")
	}
}

func TestDownloadManager_Run(t *testing.T) {
	m := newTestManager(t, DownloadConfig{GCInterval: 10 * time.Millisecond, MaxTaskAge: time.Millisecond}, &mockTranscoder{}, nil)
	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, "garbage collection", func() bool { return len(m.List()) == 0 })
	cancel()
	<-done
}

func TestDownloadManager_Restore(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	started := created.Add(time.Second)
	dir := t.TempDir()
	repo := newMockTaskRepository(
		download.Task{ID: "0001", URL: "https://cdn.example/a.m3u8", FileName: "a", OutputPath: dir, Status: download.StatusDownloading, Progress: 50, CreateTime: created, StartTime: &started},
		download.Task{ID: "0002", URL: "https://cdn.example/b.m3u8", FileName: "b", OutputPath: dir, Status: download.StatusPending, CreateTime: created},
		download.Task{ID: "0003", URL: "https://cdn.example/c.m3u8", FileName: "c", OutputPath: dir, Status: download.StatusCompleted, Progress: 100, CreateTime: created},
	)
	tr := &mockTranscoder{}
	m := newTestManager(t, DownloadConfig{DefaultOutputDir: dir}, tr, repo)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	interrupted, err := m.Get("0001")
	if err != nil {
		t.Fatalf("expected restored task, got %v", err)
	}
	if interrupted.Status != download.StatusError || interrupted.Error != interruptedByRestart {
		t.Errorf("expected interrupted task to fail, got %q / %q", interrupted.Status, interrupted.Error)
	}
	if stored, _ := repo.Get("0001"); stored.Status != download.StatusError {
		t.Errorf("expected interrupted state persisted, got %q", stored.Status)
	}

	waitStatus(t, m, "0002", download.StatusCompleted)
	if jobs := tr.Jobs(); len(jobs) != 1 || jobs[0].TaskID != "0002" {
		t.Errorf("expected only the pending task to launch, got %v", jobs)
	}
	if s, _ := m.Get("0003"); s.Status != download.StatusCompleted {
		t.Errorf("expected completed task untouched, got %q", s.Status)
	}
}

func TestDownloadManager_Shutdown(t *testing.T) {
	tr := &mockTranscoder{runFunc: blockingRun(nil)}
	m := NewDownloadManager(DownloadConfig{DefaultOutputDir: t.TempDir(), MaxRetries: 3}, tr, nil, testLogger())

	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusDownloading)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	snap, _ := m.Get(id)
	if snap.Status != download.StatusError || snap.Error != interruptedByShutdown {
		t.Errorf("expected interrupted task, got %q / %q", snap.Status, snap.Error)
	}
	if len(tr.Jobs()) != 1 {
		t.Error("no task may launch during shutdown")
	}
}

func TestDownloadManager_Subscribe(t *testing.T) {
	var mu sync.Mutex
	seen := map[download.Status]bool{}
	m := newTestManager(t, DownloadConfig{}, &mockTranscoder{}, nil)
	m.Subscribe(func(s download.Snapshot) {
		// Reading back from inside a callback must not deadlock.
		_, _ = m.Get(s.ID)
		mu.Lock()
		seen[s.Status] = true
		mu.Unlock()
	})

	id := mustCreate(t, m, "x")
	waitStatus(t, m, id, download.StatusCompleted)

	waitFor(t, "completion event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[download.StatusCompleted]
	})
	mu.Lock()
	defer mu.Unlock()
	if !seen[download.StatusPending] || !seen[download.StatusDownloading] {
		t.Errorf("expected pending and downloading events, got %v", seen)
	}
}
