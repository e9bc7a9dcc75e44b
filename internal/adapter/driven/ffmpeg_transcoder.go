package driven

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/alorle/hls-relay/internal/port/driven"
)

const (
	stderrTailSize    = 8 * 1024
	maxSummaryLength  = 200
	defaultFFmpegPath = "ffmpeg"
)

// FFmpegConfig configures the transcoder process.
type FFmpegConfig struct {
	Path string
	// GracePeriod is how long the process may take to finish writing after
	// an interrupt before it is killed.
	GracePeriod time.Duration
	// ExtraArgs are inserted before the output file.
	ExtraArgs []string
}

// FFmpegTranscoder implements the Transcoder port by running ffmpeg.
type FFmpegTranscoder struct {
	path        string
	gracePeriod time.Duration
	extraArgs   []string
	logger      *slog.Logger
}

// NewFFmpegTranscoder creates a transcoder adapter.
func NewFFmpegTranscoder(cfg FFmpegConfig, logger *slog.Logger) *FFmpegTranscoder {
	if cfg.Path == "" {
		cfg.Path = defaultFFmpegPath
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	return &FFmpegTranscoder{
		path:        cfg.Path,
		gracePeriod: cfg.GracePeriod,
		extraArgs:   cfg.ExtraArgs,
		logger:      logger,
	}
}

func (f *FFmpegTranscoder) args(job driven.TranscodeJob) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", job.InputURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
	}
	args = append(args, f.extraArgs...)
	return append(args, job.OutputFile)
}

// Run blocks until ffmpeg exits. Cancelling ctx interrupts the process and
// kills it if it has not exited after the grace period.
func (f *FFmpegTranscoder) Run(ctx context.Context, job driven.TranscodeJob) error {
	stderr := newTailBuffer(stderrTailSize)

	// #nosec G204 -- binary comes from configuration, input is our own proxy URL
	cmd := exec.CommandContext(ctx, f.path, f.args(job)...)
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = f.gracePeriod

	f.logger.Info("starting transcoder", "task_id", job.TaskID, "output", job.OutputFile)
	start := time.Now()

	err := cmd.Run()
	if err == nil {
		f.logger.Info("transcoder finished", "task_id", job.TaskID, "duration", time.Since(start))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		f.logger.Info("transcoder stopped", "task_id", job.TaskID, "reason", ctxErr)
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.logger.Warn("transcoder failed", "task_id", job.TaskID, "exit_code", exitErr.ExitCode(), "stderr", stderr.LastLine())
		return fmt.Errorf("ffmpeg exited with status %d: %s", exitErr.ExitCode(), summarize(stderr.LastLine()))
	}
	f.logger.Error("transcoder could not run", "task_id", job.TaskID, "error", err)
	return fmt.Errorf("failed to run ffmpeg: %w", err)
}

// Ping checks that the ffmpeg binary can be found.
func (f *FFmpegTranscoder) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(f.path); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	return nil
}

func summarize(line string) string {
	if line == "" {
		return "no output"
	}
	if r := []rune(line); len(r) > maxSummaryLength {
		return string(r[:maxSummaryLength]) + "..."
	}
	return line
}
