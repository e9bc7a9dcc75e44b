package driven

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alorle/hls-relay/circuitbreaker"
	"github.com/alorle/hls-relay/internal/port/driven"
)

// DefaultUserAgent is sent to origins that reject non-browser clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// rateBurst is the largest single read allowed through the limiter.
const rateBurst = 64 * 1024

// UpstreamHTTPConfig configures the origin client.
type UpstreamHTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
	// BytesPerSecond caps total download bandwidth. Zero means unlimited.
	BytesPerSecond int64
	// MaxBodyBytes rejects larger responses. Zero means unlimited.
	MaxBodyBytes int64
}

// UpstreamHTTPAdapter implements the Upstream port with net/http.
type UpstreamHTTPAdapter struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	breakers  *circuitbreaker.Registry
	logger    *slog.Logger
}

// NewUpstreamHTTPAdapter creates the origin client. breakers may be nil to
// disable fail-fast behaviour.
func NewUpstreamHTTPAdapter(cfg UpstreamHTTPConfig, breakers *circuitbreaker.Registry, logger *slog.Logger) *UpstreamHTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	var transport http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if cfg.BytesPerSecond > 0 {
		transport = &rateLimitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), rateBurst),
		}
	}

	return &UpstreamHTTPAdapter{
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		breakers:  breakers,
		logger:    logger,
	}
}

// Fetch retrieves one origin resource. It never retries.
func (a *UpstreamHTTPAdapter) Fetch(ctx context.Context, req driven.UpstreamRequest) (*driven.UpstreamResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", req.URL)
	}

	if a.breakers == nil {
		return a.do(ctx, req)
	}

	var resp *driven.UpstreamResponse
	err = a.breakers.Get(u.Host).Execute(func() error {
		var doErr error
		resp, doErr = a.do(ctx, req)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *UpstreamHTTPAdapter) do(ctx context.Context, req driven.UpstreamRequest) (*driven.UpstreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("User-Agent", a.userAgent)
	httpReq.Header.Set("Accept", "*/*")
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
		if origin := originOf(req.Referer); origin != "" {
			httpReq.Header.Set("Origin", origin)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.logger.Debug("upstream request failed", "url", req.URL, "error", err)
		return nil, fmt.Errorf("failed to fetch upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		a.logger.Debug("upstream returned error status", "url", req.URL, "status", resp.StatusCode)
		return nil, &driven.UpstreamStatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if a.maxBody > 0 {
		body = io.LimitReader(resp.Body, a.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	if a.maxBody > 0 && int64(len(data)) > a.maxBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", a.maxBody)
	}

	return &driven.UpstreamResponse{
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

// IsBreakerFailure reports whether an upstream error says something about the
// health of the origin host. Client errors and cancellations do not.
func IsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *driven.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}

func originOf(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// rateLimitedTransport throttles response bodies through a shared limiter.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &rateLimitedReader{r: resp.Body, limiter: t.limiter, ctx: req.Context()}
	return resp, nil
}

type rateLimitedReader struct {
	r       io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > rateBurst {
		p = p[:rateBurst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *rateLimitedReader) Close() error {
	return r.r.Close()
}
