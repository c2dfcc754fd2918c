// Package hookclient delivers outbound HTTP calls for workflow actions.
// Each destination host gets its own circuit breaker; a shared limiter caps the call rate.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type Config struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	MaxResponseBytes  int64
	UserAgent         string
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		BreakerFailures:   5,
		BreakerTimeout:    60 * time.Second,
		MaxResponseBytes:  1 << 20,
		UserAgent:         "autoflow-hookclient/1.0",
	}
}

// Request is one outbound call. Body is sent as JSON unless it is already a string or []byte.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

type Response struct {
	StatusCode int
	Body       string
	Headers    http.Header
}

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded [%d]: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ErrCircuitOpen is returned while a host's breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     *Config
	logger     *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:  rate.NewLimiter(limit, burst),
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	failures := c.config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warnf("hookclient breaker %s: %s -> %s", name, from, to)
		},
	})
	c.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host, or closed when none exists yet.
func (c *Client) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// Do sends req once. Retries belong to the caller.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.createRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	out, err := c.breaker(httpReq.URL.Host).Execute(func() (interface{}, error) {
		return c.doRequest(httpReq)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, httpReq.URL.Host)
	}
	if resp, ok := out.(*Response); ok && resp != nil {
		return resp, err
	}
	return nil, err
}

func (c *Client) createRequest(ctx context.Context, req Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	switch b := req.Body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	case []byte:
		bodyReader = bytes.NewReader(b)
	default:
		bodyBytes, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) doRequest(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := c.config.MaxResponseBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("hookclient %s %s -> %d", req.Method, req.URL.String(), resp.StatusCode)

	out := &Response{StatusCode: resp.StatusCode, Body: string(body), Headers: resp.Header}
	if resp.StatusCode >= 400 {
		return out, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return out, nil
}
