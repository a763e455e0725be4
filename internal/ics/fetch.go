package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "homedash/internal/log"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultUserAgent    = "homedash-calendar/1.0"

	// maxBodyBytes caps a single feed payload.
	maxBodyBytes = 10 << 20
)

// StatusError reports a non-2xx response from a feed server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Fetcher retrieves raw ICS text over HTTP(S).
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithTimeout bounds every fetch. Non-positive values keep the default.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the identifying User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua = strings.TrimSpace(ua); ua != "" {
			f.userAgent = ua
		}
	}
}

// NewFetcher creates a Fetcher with a 10s timeout unless overridden.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{},
		timeout:   DefaultFetchTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NormalizeURL rewrites a webcal:// subscription link to https://.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	const webcal = "webcal://"
	if len(u) >= len(webcal) && strings.EqualFold(u[:len(webcal)], webcal) {
		return "https://" + u[len(webcal):]
	}
	return u
}

// Fetch downloads one feed. A timeout or cancellation is returned as a
// transport error; non-2xx statuses come back as *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	target := NormalizeURL(rawURL)
	if target == "" {
		return nil, errors.New("feed URL is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	appLog.Debug("ics fetch start", "url", RedactURL(target))
	started := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("feed body exceeds %d bytes", maxBodyBytes)
	}

	appLog.Debug("ics fetch success",
		"url", RedactURL(target),
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return body, nil
}

// RedactURL hides the path and query of a feed URL, which for most
// providers embed a private token.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j != -1 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
