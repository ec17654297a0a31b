// Package crm reads appointments, contacts, users and invoices from the
// practice CRM's REST API.
package crm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultVersion = "2021-07-28"
	DefaultTimeout = 15 * time.Second
)

// ErrNotFound is returned for a 404 from the CRM.
var ErrNotFound = errors.New("crm: not found")

// StatusError is any other non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm: %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Options struct {
	BaseURL string
	APIKey  string
	Version string
	Timeout time.Duration

	// LocationID scopes the health probe.
	LocationID string

	// RatePerSecond caps outbound calls; zero disables the limiter.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client

	// Observe, when set, is called once per completed call with the response
	// status, or 0 when the request never got a response.
	Observe func(path string, status int, latency time.Duration)
}

type Client struct {
	base       *url.URL
	apiKey     string
	version    string
	locationID string
	http       *http.Client
	limiter    *rate.Limiter
	observe    func(path string, status int, latency time.Duration)
	logger     zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("crm: invalid base url %q", opts.BaseURL)
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		base:       base,
		apiKey:     opts.APIKey,
		version:    opts.Version,
		locationID: opts.LocationID,
		http:       hc,
		observe:    opts.Observe,
		logger:     logger.With().Str("component", "crm").Logger(),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c, nil
}

// get issues GET path?query and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("crm: rate limit wait: %w", err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Version", c.version)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(path, 0, time.Since(start))
		return fmt.Errorf("crm: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	c.record(path, resp.StatusCode, latency)
	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("crm call")

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) record(path string, status int, latency time.Duration) {
	if c.observe != nil {
		c.observe(path, status, latency)
	}
}
