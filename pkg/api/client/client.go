// Package client is the HTTP client of the Devbook sandbox API.
package client

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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/config"
	"github.com/devbookhq/devbook-go/pkg/consts"
)

// Options stores properties that define communication with the API.
type Options struct {
	// APIURL is the base URL of the API. (required)
	APIURL string
	// Domain is the sandbox domain used to build sandbox hosts.
	Domain string
	// APIKey is passed in the X-API-KEY header when set.
	APIKey string
	// AccessToken is passed as a Bearer token when set.
	AccessToken string
	UserAgent   string
	// Timeout bounds a single HTTP attempt. Ignored when HTTPClient is set.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for idempotent requests.
	MaxRetries int
	HTTPClient *http.Client
	// Registerer receives the client metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Client struct {
	baseURL     *url.URL
	domain      string
	apiKey      string
	accessToken string
	userAgent   string
	maxRetries  int
	httpClient  *http.Client
	metrics     *metrics
}

func New(opts Options) (*Client, error) {
	if opts.APIURL == "" {
		return nil, errors.New("api url is required")
	}
	endpoint := opts.APIURL
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url [%s]: %w", opts.APIURL, err)
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     u,
		domain:      opts.Domain,
		apiKey:      opts.APIKey,
		accessToken: opts.AccessToken,
		userAgent:   opts.UserAgent,
		maxRetries:  opts.MaxRetries,
		httpClient:  opts.HTTPClient,
		metrics:     m,
	}
	if c.domain == "" {
		c.domain = consts.DefaultDomain
	}
	if c.userAgent == "" {
		c.userAgent = consts.DefaultUserName
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = consts.DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	return c, nil
}

// NewFromConfig builds a Client from resolved SDK configuration.
func NewFromConfig(cfg *config.Config, reg prometheus.Registerer) (*Client, error) {
	return New(Options{
		APIURL:      cfg.ResolvedAPIURL(),
		Domain:      cfg.Domain,
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.RequestTimeout,
		MaxRetries:  cfg.MaxRetries,
		Registerer:  reg,
	})
}

func (c *Client) Domain() string {
	return c.domain
}

// SandboxHost returns the host serving port inside the sandbox.
func (c *Client) SandboxHost(sandboxID string, port int) string {
	return fmt.Sprintf("%d-%s.%s", port, sandboxID, c.domain)
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
// route is the path pattern used as the metrics label.
func (c *Client) do(ctx context.Context, method, route, path string, query url.Values, body, out any) error {
	_, err := c.doWithHeader(ctx, method, route, path, query, body, out)
	return err
}

// doWithHeader is do that also returns the headers of the successful response.
func (c *Client) doWithHeader(ctx context.Context, method, route, path string, query url.Values, body, out any) (http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	log := klog.FromContext(ctx).WithValues("method", method, "route", route)
	tries := uint(1)
	if isIdempotent(method) {
		tries += uint(c.maxRetries)
	}
	attempt := 0
	header, err := backoff.Retry(ctx, func() (http.Header, error) {
		attempt++
		return c.attempt(ctx, method, route, u.String(), payload, out)
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.V(consts.DebugLogLevel).Info("retrying request", "attempt", attempt, "wait", wait, "error", err.Error())
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return nil, permanent.Unwrap()
	}
	if err != nil {
		return nil, err
	}
	return header, nil
}

func (c *Client) attempt(ctx context.Context, method, route, target string, payload []byte, out any) (http.Header, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(consts.RequestIDHeader, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(consts.APIKeyHeader, c.apiKey)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observe(method, route, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	c.metrics.observe(method, route, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	klog.FromContext(ctx).V(consts.DebugLogLevel).Info("api response",
		"method", method, "route", route, "status", resp.StatusCode, "requestID", requestID, "cost", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp, data, requestID)
		if isRetryableStatus(resp.StatusCode) {
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response of %s %s: %w", method, route, err))
	}
	return resp.Header, nil
}
