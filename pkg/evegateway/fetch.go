package evegateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/ratelimit"
)

// FetcherConfig tunes retry behaviour for upstream requests.
type FetcherConfig struct {
	UserAgent  string
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
	Timeout    time.Duration
}

// DefaultFetcherConfig returns the production retry settings.
func DefaultFetcherConfig(userAgent string) FetcherConfig {
	return FetcherConfig{
		UserAgent:  userAgent,
		RetryBase:  time.Second,
		RetryMax:   30 * time.Second,
		MaxRetries: 3,
		Timeout:    30 * time.Second,
	}
}

// Fetcher performs rate-limited HTTP GETs with error classification and
// exponential-backoff retry. Retryable failures (timeouts, connection
// resets, 408/429/5xx) are retried up to MaxRetries times before being
// surfaced; 404 and remaining 4xx are returned immediately.
type Fetcher struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cfg        FetcherConfig
	registry   *metrics.Registry
}

// NewFetcher creates a fetcher sharing the given limiter and metrics registry.
func NewFetcher(limiter *ratelimit.Limiter, registry *metrics.Registry, cfg FetcherConfig) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cfg:        cfg,
		registry:   registry,
	}
}

// Get fetches the URL through the upstream's token bucket, retrying
// retryable failures, and returns the response body.
func (f *Fetcher) Get(ctx context.Context, url string, upstream ratelimit.Upstream) ([]byte, error) {
	var body []byte

	operation := func() error {
		if err := f.limiter.Acquire(ctx, upstream); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		data, err := f.doGet(ctx, url)
		f.registry.Histogram("fetch."+string(upstream)+".duration").Observe(time.Since(start))

		if err != nil {
			f.registry.Counter("fetch." + string(upstream) + ".errors").Inc()
			if !errs.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Upstream request failed, will retry", "url", url, "upstream", upstream, "error", err)
			return err
		}

		f.registry.Counter("fetch." + string(upstream) + ".ok").Inc()
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxInterval = f.cfg.RetryMax
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(f.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// doGet performs a single request and classifies the outcome.
func (f *Fetcher) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.InvalidFormat("building request for %s", url).Wrap(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, errs.HTTPStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.ConnectionFailed("reading response from %s", url).Wrap(err)
	}
	return body, nil
}

func classifyTransportError(url string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Timeout("request to %s timed out", url).Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout("request to %s timed out", url).Wrap(err)
	}
	return errs.ConnectionFailed("request to %s failed", url).Wrap(err)
}
