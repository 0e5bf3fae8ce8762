// Package search runs dork queries against the Custom Search JSON API,
// spreading them over the configured key pairs.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/metrics"
	"github.com/raaihank/leak-sentinel/internal/quota"
)

const maxResultsPerCall = 10

// Result is one search hit.
type Result struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Mime       string `json:"mime,omitempty"`
	FileFormat string `json:"file_format,omitempty"`
	Query      string `json:"query"`
}

// Client issues queries, rotating keys as their quota runs out.
type Client struct {
	cfg     config.SearchConfig
	rotator *quota.Rotator
	pacer   *quota.Pacer
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu       sync.Mutex
	services map[string]*customsearch.Service
	sleep    func(context.Context, time.Duration) error
}

// New creates a search client. pacer and m may be nil.
func New(cfg config.SearchConfig, rotator *quota.Rotator, pacer *quota.Pacer, m *metrics.Metrics, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	if pacer == nil {
		pacer = quota.NewPacer(0, 0)
	}
	return &Client{
		cfg:      cfg,
		rotator:  rotator,
		pacer:    pacer,
		metrics:  m,
		logger:   log,
		services: make(map[string]*customsearch.Service),
		sleep:    sleepCtx,
	}
}

// Search runs query and returns up to num results. Keys that report an
// exhausted or invalid quota are retired and the query moves to the next
// key without counting as a retry. Other failures are retried with
// exponential backoff up to MaxRetries times. When no key is left the error
// wraps quota.ErrNoUsableKeys.
func (c *Client) Search(ctx context.Context, query string, num int) ([]Result, error) {
	if num <= 0 || num > maxResultsPerCall {
		num = maxResultsPerCall
	}

	attempt := 0
	for {
		pair, err := c.rotator.Next()
		if err != nil {
			c.metrics.SearchQuery("no_keys")
			return nil, fmt.Errorf("search %q: %w", query, err)
		}

		if err := c.pacer.Wait(ctx, pair.Key); err != nil {
			_ = c.rotator.Release(pair.Key)
			return nil, err
		}

		results, err := c.query(ctx, pair, query, num)
		if err == nil {
			_ = c.rotator.RecordUse(pair.Key)
			c.metrics.SearchQuery("ok")
			c.metrics.SetKeysAvailable(c.rotator.Available())
			return results, nil
		}

		var apiErr *googleapi.Error
		switch {
		case errors.As(err, &apiErr) && isKeyError(apiErr):
			_ = c.rotator.MarkExhausted(pair.Key)
			c.metrics.SearchQuery("key_exhausted")
			c.metrics.SetKeysAvailable(c.rotator.Available())
			c.logger.Warn("Search key retired",
				zap.String("key", quota.MaskKey(pair.Key)),
				zap.Int("status", apiErr.Code),
				zap.String("reason", reason(apiErr)),
			)
			continue
		case errors.As(err, &apiErr):
			// The provider saw the call, so it counts against the quota.
			_ = c.rotator.RecordUse(pair.Key)
		default:
			_ = c.rotator.Release(pair.Key)
		}

		c.metrics.SearchQuery("error")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt++
		if attempt > c.cfg.MaxRetries {
			return nil, fmt.Errorf("search %q failed after %d attempts: %w", query, attempt, err)
		}

		backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
		c.logger.Warn("Search failed, retrying",
			zap.String("query", query),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

func (c *Client) query(ctx context.Context, pair quota.KeyPair, query string, num int) ([]Result, error) {
	svc, err := c.service(pair.Key)
	if err != nil {
		return nil, err
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := svc.Cse.List().Q(query).Cx(pair.EngineID).Num(int64(num)).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Link == "" {
			continue
		}
		results = append(results, Result{
			URL:        item.Link,
			Title:      item.Title,
			Mime:       item.Mime,
			FileFormat: item.FileFormat,
			Query:      query,
		})
	}

	c.logger.Debug("Search completed",
		zap.String("query", query),
		zap.String("key", quota.MaskKey(pair.Key)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// service returns the cached API client bound to key.
func (c *Client) service(key string) (*customsearch.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[key]; ok {
		return svc, nil
	}

	opts := []option.ClientOption{option.WithAPIKey(key)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}

	svc, err := customsearch.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create search service: %w", err)
	}
	c.services[key] = svc
	return svc, nil
}

// isKeyError reports whether the failure is tied to the key itself: spent
// quota, rate limiting or a rejected key.
func isKeyError(err *googleapi.Error) bool {
	switch err.Code {
	case http.StatusTooManyRequests, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		return reason(err) == "keyInvalid"
	}
	return false
}

func reason(err *googleapi.Error) string {
	if len(err.Errors) > 0 {
		return err.Errors[0].Reason
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
