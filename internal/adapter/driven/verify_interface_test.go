package driven

import (
	port "github.com/alorle/hls-relay/internal/port/driven"
)

// Compile-time check that UpstreamHTTPAdapter implements Upstream interface
var _ port.Upstream = (*UpstreamHTTPAdapter)(nil)

// Compile-time check that FFmpegTranscoder implements Transcoder interface
var _ port.Transcoder = (*FFmpegTranscoder)(nil)

// Compile-time check that TaskBoltDBRepository implements TaskRepository interface
var _ port.TaskRepository = (*TaskBoltDBRepository)(nil)

// Compile-time check that ManifestMemoryCache implements ManifestCache interface
var _ port.ManifestCache = (*ManifestMemoryCache)(nil)
