package transport

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

// WithAuth wraps a RoundTripper with bearer-token authorization.
func WithAuth(token string, next http.RoundTripper) http.RoundTripper {
	return &authTransport{token: token, next: next}
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// loggingTransport logs request method/URL and response status.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Warn("HTTP request failed",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// rateLimitTransport holds each request until the limiter admits it, so a
// burst of discovery calls does not trip the marketplace's 429 limits.
type rateLimitTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

// WithRateLimit wraps a RoundTripper with a client-side token bucket.
func WithRateLimit(limiter *rate.Limiter, next http.RoundTripper) http.RoundTripper {
	return &rateLimitTransport{limiter: limiter, next: next}
}

func (r *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := r.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return r.next.RoundTrip(req)
}

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
}

// NewHTTPClient builds the client used toward the marketplace API:
// auth, then rate limiting, then logging around a dedicated transport.
func NewHTTPClient(opts ClientOptions) *http.Client {
	// Use an explicit transport instead of http.DefaultTransport to avoid
	// sharing mutable state with other code in the process.
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt = WithLogging(logger, rt)

	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		rt = WithRateLimit(rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst), rt)
	}

	if opts.APIKey != "" {
		rt = WithAuth(opts.APIKey, rt)
	}

	return &http.Client{Timeout: opts.Timeout, Transport: rt}
}

// DrainAndClose reads remaining body bytes and closes, preventing connection leaks.
func DrainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
