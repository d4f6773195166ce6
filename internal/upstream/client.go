package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"killfeed/pkg/config"
	"killfeed/pkg/database"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Client is the rate-limited upstream client (§4.A). All outgoing HTTP to
// upstream feeds goes through Fetch, which enforces the error budget,
// conditional requests, and backoff described in the design.
type Client struct {
	httpClient        *http.Client
	cache             *Cache
	limiter           *RateLimiter
	baseURL           string
	userAgent         string
	compatibilityDate string
}

// NewClient builds a Client. When ENABLE_TELEMETRY is set, outgoing
// requests are wrapped with an otelhttp transport, matching the teacher's
// telemetry-gating convention.
func NewClient(db *database.Postgres, cfg *config.PipelineConfig) *Client {
	transport := http.RoundTripper(http.DefaultTransport)
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(transport)
	}

	return &Client{
		httpClient:        &http.Client{Transport: transport, Timeout: 30 * time.Second},
		cache:             NewCache(db),
		limiter:           NewRateLimiter(),
		baseURL:           cfg.UpstreamBaseURL,
		userAgent:         cfg.UserAgent,
		compatibilityDate: cfg.CompatibilityDate,
	}
}

var tracer = otel.Tracer("killfeed/upstream")

// Fetch implements the §4.A algorithm: fetch(endpoint, cache_key) →
// decoded_body | NotFound | FatalError. endpoint is joined with the
// client's base URL; cacheKey is caller-provided and stable across calls
// for the same logical resource.
func (c *Client) Fetch(ctx context.Context, endpoint, cacheKey string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.fetch")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cached, err := c.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.ExpiresAt != nil && cached.ExpiresAt.After(time.Now()) {
		return cached.Body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Compatibility-Date", c.compatibilityDate)
	if cached != nil && cached.EntityTag != "" {
		req.Header.Set("If-None-Match", cached.EntityTag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.PauseForOutage(60 * time.Second)
		return nil, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	c.limiter.UpdateFromHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		expiresAt := parseExpires(resp.Header)
		if err := c.cache.RefreshExpiry(ctx, cacheKey, expiresAt, resp.Header.Get("Last-Modified")); err != nil {
			return nil, err
		}
		if cached == nil {
			return nil, fmt.Errorf("%w: 304 with no cached body for %s", ErrUpstreamContract, cacheKey)
		}
		return cached.Body, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound

	case resp.StatusCode >= 500:
		c.limiter.PauseForOutage(60 * time.Second)
		return nil, fmt.Errorf("%w: status %d", ErrTransientUpstream, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrFatal, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body for %s: %w", endpoint, err)
	}

	entry := &CacheEntry{
		CacheKey:     cacheKey,
		EntityTag:    resp.Header.Get("ETag"),
		ExpiresAt:    parseExpires(resp.Header),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	}
	if err := c.cache.Put(ctx, entry); err != nil {
		return nil, err
	}

	return body, nil
}

// FetchExport issues a POST to the bulk export endpoint (§6 "a POST export
// endpoint taking {filter, options:{limit, skip}}"). Unlike Fetch, export
// pages are never cached: each page is a distinct, non-idempotent query
// against a moving dataset.
func (c *Client) FetchExport(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream.fetch_export")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode export request for %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build export request for %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Compatibility-Date", c.compatibilityDate)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.PauseForOutage(60 * time.Second)
		return nil, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	c.limiter.UpdateFromHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		c.limiter.PauseForOutage(60 * time.Second)
		return nil, fmt.Errorf("%w: status %d", ErrTransientUpstream, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrFatal, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export response for %s: %w", endpoint, err)
	}
	return body, nil
}

func parseExpires(h http.Header) *time.Time {
	v := h.Get("Expires")
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC1123, v)
	if err != nil {
		return nil
	}
	return &t
}
