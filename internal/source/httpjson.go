// Package source provides extractors that read raw records for the harvest
// pipeline.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Record is one element of the source's JSON array.
type Record = map[string]any

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Config tunes an HTTPJSON extractor.
type Config struct {
	URL        string
	RateLimit  float64       // requests per second, 0 disables limiting
	MaxRetries uint64        // retries after the first attempt
	Timeout    time.Duration // per request
	Client     *http.Client
	Logger     *slog.Logger
}

// HTTPJSON reads a JSON array of objects from a URL. SourceHash fetches the
// body at the start of every harvest and Size and Extract reuse it.
type HTTPJSON struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	newBackoff func() backoff.BackOff
	logger     *slog.Logger

	mu      sync.Mutex
	records []Record
}

// NewHTTPJSON creates an extractor for cfg.URL.
func NewHTTPJSON(cfg Config) *HTTPJSON {
	if cfg.Client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.Client = &http.Client{Timeout: timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &HTTPJSON{
		url:        cfg.URL,
		client:     cfg.Client,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: cfg.MaxRetries,
		newBackoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     cfg.Logger.With("component", "source", "url", cfg.URL),
	}
}

// SourceHash fetches the source and fingerprints it. The ETag header is used
// when the server sends one, otherwise the xxhash of the body.
func (s *HTTPJSON) SourceHash(ctx context.Context) (string, error) {
	hash, _, err := s.fetch(ctx)
	return hash, err
}

// Size returns the number of records in the last fetched body, fetching it
// when nothing has been fetched yet.
func (s *HTTPJSON) Size(ctx context.Context) (int, error) {
	records, err := s.cached(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Extract yields records in [from, to) of the last fetched body.
func (s *HTTPJSON) Extract(ctx context.Context, from, to int, yield func(int, Record) error) error {
	records, err := s.cached(ctx)
	if err != nil {
		return err
	}
	to = min(to, len(records))
	for i := from; i < to; i++ {
		if err := yield(i, records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *HTTPJSON) cached(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	records := s.records
	s.mu.Unlock()
	if records != nil {
		return records, nil
	}
	_, records, err := s.fetch(ctx)
	return records, err
}

func (s *HTTPJSON) fetch(ctx context.Context) (string, []Record, error) {
	var (
		body []byte
		etag string
	)

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		body, etag, err = s.get(ctx)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(s.newBackoff(), s.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Source request failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", nil, fmt.Errorf("failed to fetch source: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return "", nil, fmt.Errorf("failed to decode source: %w", err)
	}
	if records == nil {
		records = []Record{}
	}

	hash := etag
	if hash == "" {
		hash = strconv.FormatUint(xxhash.Sum64(body), 16)
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	s.logger.Debug("Source fetched", "records", len(records), "hash", hash)
	return hash, records, nil
}

// get performs one request. Client errors other than 429 are permanent.
func (s *HTTPJSON) get(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, "", backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", backoff.Permanent(ctx.Err())
		}
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, "", backoff.Permanent(err)
		}
		return nil, "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("ETag"), nil
}
