// Package clients provides the outbound HTTP client the shipper uses to
// reach the gateway: a pooled transport with HTTP/2, a token-bucket rate
// limiter, a circuit breaker, bounded retries and optional OAuth2 client
// credentials.
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	EnableHTTP2         bool          `json:"enable_http2" yaml:"enable_http2"`

	// Timeouts
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// TLS settings
	InsecureSkipVerify bool `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// Rate limiting; a zero rate disables the limiter.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	// Circuit breaker
	CircuitBreakerEnabled bool                 `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	CircuitBreaker        CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`

	// Retries for transport errors, 429 and 5xx responses.
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay" yaml:"max_retry_delay"`

	OAuth2 OAuth2Config `json:"oauth2" yaml:"oauth2"`
}

// DefaultHTTPConfig returns the shipper's defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		RequestTimeout:        30 * time.Second,
		UserAgent:             "logpipe-shipper/1.0",
		RateLimit:             50,
		RateBurst:             10,
		CircuitBreakerEnabled: true,
		CircuitBreaker:        DefaultCircuitBreakerConfig(),
		RetryAttempts:         3,
		RetryDelay:            200 * time.Millisecond,
		MaxRetryDelay:         5 * time.Second,
	}
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalRequests    int64               `json:"total_requests"`
	FailedRequests   int64               `json:"failed_requests"`
	RejectedRequests int64               `json:"rejected_requests"`
	SuccessRate      float64             `json:"success_rate"`
	AverageLatency   time.Duration       `json:"average_latency"`
	P95Latency       time.Duration       `json:"p95_latency"`
	P99Latency       time.Duration       `json:"p99_latency"`
	CircuitBreaker   CircuitBreakerState `json:"circuit_breaker"`
	RateLimiter      RateLimiterStats    `json:"rate_limiter"`
}

// HTTPClient sends requests through the rate limiter and circuit breaker and
// retries transient failures.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	metrics        *HTTPMetrics
	circuitBreaker *CircuitBreaker
	rateLimiter    RateLimiter
	tokens         oauth2.TokenSource
}

// NewHTTPClient creates a client. A nil config uses DefaultHTTPConfig.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config:  config,
		logger:  logger.With(zap.String("component", "http_client")),
		metrics: NewHTTPMetrics(),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed gateways
			MinVersion:         tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   config.RequestTimeout,
	}

	if config.RateLimit > 0 {
		client.rateLimiter = NewTokenBucketRateLimiter(config.RateLimit, config.RateBurst)
	}
	if config.CircuitBreakerEnabled {
		client.circuitBreaker = NewCircuitBreaker(config.CircuitBreaker, logger)
	}
	if config.OAuth2.Enabled() {
		client.tokens = config.OAuth2.TokenSource(context.Background(), client.httpClient)
	}

	return client
}

// Post sends body to url, retrying transport errors, 429 and 5xx responses
// with exponential backoff. Any other response is returned to the caller,
// who owns its body. A retryable failure that outlives the attempts is
// returned as a connection error.
func (c *HTTPClient) Post(ctx context.Context, url string, body []byte, headers http.Header) (*http.Response, error) {
	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.config.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid request")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.Do(req)
		switch {
		case err == nil && !retryableStatus(resp.StatusCode):
			return resp, nil
		case err == nil:
			_ = resp.Body.Close()
			lastErr = errors.Newf(errors.ErrorTypeConnection, "gateway returned %d", resp.StatusCode).
				WithDetail("status", resp.StatusCode)
		case errors.IsType(err, errors.ErrorTypeConnection) && err != ErrCircuitOpen:
			lastErr = err
		default:
			return nil, err
		}

		if attempt == attempts {
			break
		}
		c.logger.Debug("retrying request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "request cancelled")
		}
		delay *= 2
		if c.config.MaxRetryDelay > 0 && delay > c.config.MaxRetryDelay {
			delay = c.config.MaxRetryDelay
		}
	}
	return nil, lastErr
}

// Do performs a single attempt of req. Transport failures and 429/5xx
// responses count against the circuit breaker.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			c.metrics.RecordRejected()
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit wait cancelled")
		}
	}
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		c.metrics.RecordRejected()
		return nil, ErrCircuitOpen
	}

	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.tokens != nil {
		if err := authorize(c.tokens, req); err != nil {
			c.recordOutcome(false)
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		c.metrics.RecordRequest(0, latency, true)
		c.recordOutcome(false)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed").
			WithDetail("url", req.URL.Redacted())
	}

	failed := retryableStatus(resp.StatusCode)
	c.metrics.RecordRequest(resp.StatusCode, latency, failed || resp.StatusCode >= 300)
	c.recordOutcome(!failed)
	return resp, nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	total, failed, rejected := c.metrics.counts()
	stats := HTTPStats{
		TotalRequests:    total,
		FailedRequests:   failed,
		RejectedRequests: rejected,
		AverageLatency:   c.metrics.GetAverageLatency(),
		P95Latency:       c.metrics.GetP95Latency(),
		P99Latency:       c.metrics.GetP99Latency(),
	}
	if total > 0 {
		stats.SuccessRate = float64(total-failed) / float64(total) * 100
	}
	if c.circuitBreaker != nil {
		stats.CircuitBreaker = c.circuitBreaker.GetState()
	}
	if c.rateLimiter != nil {
		stats.RateLimiter = c.rateLimiter.GetStats()
	}
	return stats
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) recordOutcome(ok bool) {
	if c.circuitBreaker == nil {
		return
	}
	if ok {
		c.circuitBreaker.RecordSuccess()
	} else {
		c.circuitBreaker.RecordFailure()
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// StatusError describes a non-2xx response in error form.
func StatusError(resp *http.Response) *errors.Error {
	return errors.New(errors.ErrorTypeConnection, "gateway returned "+strconv.Itoa(resp.StatusCode)).
		WithDetail("status", resp.StatusCode)
}
