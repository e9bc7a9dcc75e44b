package driven

import "context"

// TranscodeJob describes one external transcoder run.
type TranscodeJob struct {
	// TaskID identifies the download task for logging.
	TaskID string
	// InputURL is the proxied manifest the transcoder reads from.
	InputURL string
	// OutputFile is the final media file path.
	OutputFile string
}

// Transcoder defines the interface for running the external transcoding process.
// This is a driven port implemented by the ffmpeg adapter.
type Transcoder interface {
	// Run blocks until the process exits. Cancelling ctx must stop the
	// process, gracefully first and forcibly after a grace period.
	// Errors carry a short human readable summary, never raw process output.
	Run(ctx context.Context, job TranscodeJob) error

	// Ping checks that the transcoder can be started.
	Ping(ctx context.Context) error
}
