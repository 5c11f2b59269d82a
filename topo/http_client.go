package topo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultFetchTimeout bounds a single GET against a trail source.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts made for transient failures.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	maxTrailBody = 200 << 20
)

// errPermanent marks responses that retrying will not fix.
var errPermanent = errors.New("permanent failure")

// FetchOption configures a TrailSource.
type FetchOption func(*TrailSource)

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) FetchOption {
	return func(s *TrailSource) { s.timeout = d }
}

// WithMaxRetries sets how many attempts a fetch makes. Values below one
// still make a single attempt.
func WithMaxRetries(n int) FetchOption {
	return func(s *TrailSource) { s.maxRetries = n }
}

// WithBaseBackoff sets the first retry delay; later delays double.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(s *TrailSource) { s.baseBackoff = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(s *TrailSource) { s.client = client }
}

// TrailSource polls a GeoJSON trail URL. It remembers the validators of the
// last good response so unchanged sources cost a 304 instead of a re-parse.
type TrailSource struct {
	url         string
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client

	mu           sync.Mutex
	etag         string
	lastModified string
	trails       []Trail
}

// NewTrailSource returns a source for url.
func NewTrailSource(url string, opts ...FetchOption) (*TrailSource, error) {
	if url == "" {
		return nil, errors.New("fetch trails: URL is empty")
	}
	s := &TrailSource{
		url:         url,
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}
	return s, nil
}

// URL returns the polled address.
func (s *TrailSource) URL() string { return s.url }

// Fetch returns the current trails and whether they differ from the previous
// successful fetch. The first successful fetch always reports changed.
func (s *TrailSource) Fetch(ctx context.Context) ([]Trail, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := range s.maxRetries {
		if attempt > 0 {
			delay := s.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, false, fmt.Errorf("fetch trails: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		trails, changed, err := s.get(ctx)
		if err == nil {
			return trails, changed, nil
		}
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			return nil, false, fmt.Errorf("fetch trails: %w", err)
		}
		lastErr = err
	}
	return nil, false, fmt.Errorf("fetch trails: all %d attempts failed: %w", s.maxRetries, lastErr)
}

// get performs one conditional request. Callers hold s.mu.
func (s *TrailSource) get(ctx context.Context) ([]Trail, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: building request: %v", errPermanent, err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	if s.trails != nil {
		if s.etag != "" {
			req.Header.Set("If-None-Match", s.etag)
		}
		if s.lastModified != "" {
			req.Header.Set("If-Modified-Since", s.lastModified)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified && s.trails != nil:
		return s.trails, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, false, fmt.Errorf("GET %s: status %d", s.url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: GET %s: status %d", errPermanent, s.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTrailBody))
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", s.url, err)
	}
	trails, err := ParseTrails(body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errPermanent, err)
	}

	s.trails = trails
	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")
	return trails, true, nil
}

// FetchTrails downloads trails from url once.
func FetchTrails(ctx context.Context, url string, opts ...FetchOption) ([]Trail, error) {
	src, err := NewTrailSource(url, opts...)
	if err != nil {
		return nil, err
	}
	trails, _, err := src.Fetch(ctx)
	return trails, err
}
