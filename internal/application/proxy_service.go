package application

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/url"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/alorle/hls-relay/circuitbreaker"
	"github.com/alorle/hls-relay/internal/manifest"
	"github.com/alorle/hls-relay/internal/mpegts"
	"github.com/alorle/hls-relay/internal/port/driven"
	"github.com/alorle/hls-relay/metrics"
)

// Content types written by the proxy.
const (
	ContentTypeManifest = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeDefault  = "application/octet-stream"
)

var (
	// ErrMissingURL is returned when a proxy request carries no upstream url.
	ErrMissingURL = errors.New("missing upstream url")
	// ErrInvalidURL is returned when the upstream url is not absolute http(s).
	ErrInvalidURL = errors.New("invalid upstream url")
)

// ProgressTracker receives download progress discovered while proxying.
// The download manager implements it.
type ProgressTracker interface {
	MarkStart(taskID string, totalSegments int)
	MarkStep(taskID string, bytes int64)
}

// ProxyRequest is one request to the proxy endpoint.
type ProxyRequest struct {
	// Tag is the last path element, e.g. "index.m3u8" or "chunk.ts".
	Tag string
	// Type is the explicit type query parameter, if any.
	Type    string
	URL     string
	Referer string
	TaskID  string
}

// ProxyResponse is the processed body returned to the client.
type ProxyResponse struct {
	Body        []byte
	ContentType string
	Kind        manifest.Kind
}

// ProxyService fetches origin resources and rewrites them so that every
// follow-up request goes through the proxy again.
type ProxyService struct {
	upstream driven.Upstream
	cache    driven.ManifestCache
	progress ProgressTracker
	basePath string
	logger   *slog.Logger
}

// NewProxyService creates a new ProxyService. cache and progress may be nil.
// basePath is where the proxy endpoint is mounted, used in rewritten manifests.
func NewProxyService(upstream driven.Upstream, cache driven.ManifestCache, progress ProgressTracker, basePath string, logger *slog.Logger) *ProxyService {
	if basePath == "" {
		basePath = manifest.DefaultProxyBasePath
	}
	return &ProxyService{
		upstream: upstream,
		cache:    cache,
		progress: progress,
		basePath: basePath,
		logger:   logger,
	}
}

// Resolve fetches the upstream resource and processes it by kind.
// Upstream non-2xx responses are returned as *driven.UpstreamStatusError.
func (s *ProxyService) Resolve(ctx context.Context, req ProxyRequest) (*ProxyResponse, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	kind := inferKind(req.Type, req.Tag)
	var resp *ProxyResponse
	if kind == manifest.KindManifest {
		resp, err = s.resolveManifest(ctx, req)
	} else {
		resp, err = s.resolveBinary(ctx, req, kind)
	}
	if err != nil {
		metrics.RecordProxyRequest(kindLabel(kind), "error")
		metrics.RecordUpstreamError(classifyUpstreamError(err))
		return nil, err
	}
	metrics.RecordProxyRequest(kindLabel(resp.Kind), "ok")
	return resp, nil
}

func (s *ProxyService) resolveManifest(ctx context.Context, req ProxyRequest) (*ProxyResponse, error) {
	m, err := s.loadManifest(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.TaskID != "" && s.progress != nil && !m.IsMaster() && len(m.Segments) > 0 {
		s.progress.MarkStart(req.TaskID, len(m.Segments))
	}

	query := url.Values{}
	if req.TaskID != "" {
		query.Set("taskId", req.TaskID)
	}
	if req.Referer != "" {
		query.Set("referer", req.Referer)
	}
	body := manifest.Serialize(m, manifest.ProxyOptions{BasePath: s.basePath, Query: query})

	return &ProxyResponse{
		Body:        []byte(body),
		ContentType: ContentTypeManifest,
		Kind:        manifest.KindManifest,
	}, nil
}

// loadManifest returns the parsed manifest for the upstream url, from cache
// when possible. Racing misses both fetch; the later insert wins.
func (s *ProxyService) loadManifest(ctx context.Context, req ProxyRequest) (*manifest.Manifest, error) {
	if s.cache != nil {
		if m, ok := s.cache.Get(req.URL); ok {
			metrics.RecordManifestCacheLookup(true)
			return m, nil
		}
		metrics.RecordManifestCacheLookup(false)
	}

	upstream, err := s.upstream.Fetch(ctx, driven.UpstreamRequest{URL: req.URL, Referer: req.Referer})
	if err != nil {
		return nil, err
	}

	m := manifest.Parse(string(upstream.Body), req.URL)
	s.logger.Debug("manifest parsed",
		"url", req.URL,
		"master", m.IsMaster(),
		"variants", len(m.Variants),
		"segments", len(m.Segments),
	)

	if s.cache != nil {
		s.cache.Set(req.URL, m)
	}
	return m, nil
}

func (s *ProxyService) resolveBinary(ctx context.Context, req ProxyRequest, kind manifest.Kind) (*ProxyResponse, error) {
	upstream, err := s.upstream.Fetch(ctx, driven.UpstreamRequest{URL: req.URL, Referer: req.Referer})
	if err != nil {
		return nil, err
	}

	if kind != manifest.KindSegment && isTransportStream(upstream.ContentType) {
		kind = manifest.KindSegment
	}

	if kind != manifest.KindSegment {
		contentType := upstream.ContentType
		if contentType == "" {
			contentType = ContentTypeDefault
		}
		return &ProxyResponse{Body: upstream.Body, ContentType: contentType, Kind: kind}, nil
	}

	body := upstream.Body
	contentType := ContentTypeSegment
	if isFragmentedMP4(body) {
		if upstream.ContentType != "" {
			contentType = upstream.ContentType
		}
	} else if realigned := mpegts.Realign(body); len(realigned) != len(body) {
		s.logger.Debug("segment realigned", "url", req.URL, "skipped_bytes", len(body)-len(realigned))
		metrics.RecordSegmentRealigned()
		body = realigned
	}

	if req.TaskID != "" && s.progress != nil {
		s.progress.MarkStep(req.TaskID, int64(len(body)))
	}

	return &ProxyResponse{Body: body, ContentType: contentType, Kind: manifest.KindSegment}, nil
}

// inferKind picks the processing kind from the explicit type parameter, then
// from the requested file name. Upstream content types are not trusted here.
func inferKind(typ, tag string) manifest.Kind {
	switch manifest.Kind(strings.ToLower(typ)) {
	case manifest.KindManifest:
		return manifest.KindManifest
	case manifest.KindSegment:
		return manifest.KindSegment
	case manifest.KindKey:
		return manifest.KindKey
	case manifest.KindMap:
		return manifest.KindMap
	}

	tag = strings.ToLower(tag)
	switch {
	case strings.HasSuffix(tag, ".m3u8"):
		return manifest.KindManifest
	case strings.HasSuffix(tag, ".ts"):
		return manifest.KindSegment
	case strings.HasSuffix(tag, ".key"):
		return manifest.KindKey
	case strings.HasSuffix(tag, ".mp4"):
		return manifest.KindMap
	}
	return ""
}

func kindLabel(k manifest.Kind) string {
	if k == "" {
		return "other"
	}
	return string(k)
}

func isTransportStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == ContentTypeSegment
}

// fragmentedMP4Boxes are box types an fMP4 media segment may start with.
var fragmentedMP4Boxes = map[string]bool{
	"ftyp": true,
	"styp": true,
	"sidx": true,
	"moof": true,
	"moov": true,
	"emsg": true,
	"prft": true,
}

// isFragmentedMP4 reports whether data starts with an ISO-BMFF box.
// Such segments have no 0x47 sync bytes and must not be realigned.
func isFragmentedMP4(data []byte) bool {
	if len(data) < 8 || data[0] == mpegts.SyncByte {
		return false
	}
	hdr, err := mp4.DecodeHeader(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return fragmentedMP4Boxes[hdr.Name] && hdr.Size >= 8 && hdr.Size <= uint64(len(data))
}

func classifyUpstreamError(err error) string {
	var statusErr *driven.UpstreamStatusError
	switch {
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport"
	}
}
