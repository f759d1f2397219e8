package hn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://hacker-news.firebaseio.com"

	// The upstream list endpoints return at most 500 IDs.
	maxListIDs = 500
)

// Kind selects which ranked story list to fetch.
type Kind string

const (
	KindTop  Kind = "top"
	KindNew  Kind = "new"
	KindBest Kind = "best"
)

// Valid reports whether k names a known story list.
func (k Kind) Valid() bool {
	switch k {
	case KindTop, KindNew, KindBest:
		return true
	}
	return false
}

// Story represents a Hacker News story item.
type Story struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Type        string `json:"type"`
	Dead        bool   `json:"dead"`
	Deleted     bool   `json:"deleted"`
}

// Client provides access to the Hacker News API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	limiter     *rate.Limiter
	maxRetries  int
	concurrency int
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit sets the minimum interval between API requests.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// WithMaxRetries sets how many times transient failures are retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithConcurrency caps simultaneous item-detail requests.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

// NewClient creates a new HN API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     defaultBaseURL,
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		maxRetries:  3,
		concurrency: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRanked returns up to count live stories from the given list, in the
// list's rank order. It overfetches IDs (2x, capped at 500) so that dead,
// deleted, non-story, and link-less entries can be dropped while still
// filling the requested count. Individual item-detail failures skip that
// item; only a failure to fetch the ID list itself is returned as an error.
func (c *Client) FetchRanked(ctx context.Context, kind Kind, count int) ([]Story, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown story list %q", kind)
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	fetchCount := count * 2
	if fetchCount > maxListIDs {
		fetchCount = maxListIDs
	}

	ids, err := c.listIDs(ctx, kind, fetchCount)
	if err != nil {
		return nil, fmt.Errorf("fetch %s story IDs: %w", kind, err)
	}

	items := make([]*Story, len(ids))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			item, err := c.getItem(ctx, id)
			if err != nil {
				slog.Warn("failed to fetch story details", "id", id, "error", err)
				return nil
			}
			items[i] = item
			return nil
		})
	}
	g.Wait()

	stories := make([]Story, 0, count)
	for _, item := range items {
		if item == nil || !includeStory(item) {
			continue
		}
		stories = append(stories, *item)
		if len(stories) == count {
			break
		}
	}
	return stories, nil
}

// includeStory drops entries that cannot become digest content: dead or
// deleted items, non-stories (jobs, polls), and stories with neither a URL
// nor self text.
func includeStory(s *Story) bool {
	if s.Dead || s.Deleted {
		return false
	}
	if s.Type != "story" {
		return false
	}
	return s.URL != "" || s.Text != ""
}

func (c *Client) listIDs(ctx context.Context, kind Kind, limit int) ([]int64, error) {
	url := fmt.Sprintf("%s/v0/%sstories.json", c.baseURL, kind)

	var ids []int64
	if err := c.getJSON(ctx, url, &ids); err != nil {
		return nil, err
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (c *Client) getItem(ctx context.Context, id int64) (*Story, error) {
	url := fmt.Sprintf("%s/v0/item/%d.json", c.baseURL, id)

	var item *Story
	if err := c.getJSON(ctx, url, &item); err != nil {
		return nil, err
	}

	if item == nil {
		return nil, fmt.Errorf("item %d not found", id)
	}
	return item, nil
}

// getJSON performs a rate-limited GET, retrying transient failures
// (network errors, 429, 5xx) with exponential backoff.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffs[len(backoffs)-1]
			if attempt-1 < len(backoffs) {
				backoff = backoffs[attempt-1]
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(v)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("retries exhausted: %w", lastErr)
}
