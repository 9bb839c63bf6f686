// Package marketplace wraps the external financial-events API: strict
// date-window semantics, continuation-token pagination and client-side
// throttling. Payloads stay untyped; the decomposer owns their shape.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// isoZ is the strict ISO-8601 Z format the upstream requires.
const isoZ = "2006-01-02T15:04:05Z"

// upperBoundLag keeps the window's upper bound behind real time, as the
// upstream requires.
const upperBoundLag = 2 * time.Minute

const fetchAttempts = 5

// ErrMissingPostedAfter is fatal: the system never invents a fallback date.
var ErrMissingPostedAfter = errors.New("posted_after is required and has no default")

// ErrUpstreamUnavailable wraps transport failures that survived the bounded
// retry.
var ErrUpstreamUnavailable = errors.New("marketplace upstream unavailable")

// Window is the half-open interval [PostedAfter, PostedBefore).
type Window struct {
	PostedAfter  time.Time
	PostedBefore time.Time
}

// Query is one page request as sent to the transport.
type Query struct {
	PostedAfter  string
	PostedBefore string
	NextToken    string
}

/// Page is one page of the paginated response: raw financial-event payloads
// keyed by order id, plus the continuation token ("" when exhausted).
type Page struct {
	EventsByOrder map[string]map[string]any
	NextToken     string
}

// FetchFunc is the injected transport call behind the adapter.
type FetchFunc func(ctx context.Context, q Query) (*Page, error)

// Client is the typed wrapper. Safe for concurrent use.
type Client struct {
	fetch   FetchFunc
	limiter *rate.Limiter
	now     func() time.Time

	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option tweaks client construction.
type Option func(*Client)

// WithRate overrides the default request rate.
func WithRate(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = min, max }
}

func NewClient(fetch FetchFunc, opts ...Option) *Client {
	c := &Client{
		fetch: fetch,
		// The upstream throttles at roughly one financial-events request
		// every two seconds.
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		now:        time.Now,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FinancialEvents pulls every page of the window and merges the payloads per
// order. The upper bound is clamped to now − 2 minutes; a later lower bound
// yields an empty result, not an error.
func (c *Client) FinancialEvents(ctx context.Context, w Window) (map[string]map[string]any, error) {
	q, err := c.buildQuery(w)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]map[string]any)
	pages := 0

	for {
		page, err := c.fetchPage(ctx, q)
		if err != nil {
			return nil, err
		}
		pages++

		for orderID, payload := range page.EventsByOrder {
			mergePayload(merged, orderID, payload)
		}

		if page.NextToken == "" {
			break
		}
		q.NextToken = page.NextToken
	}

	log.Printf("📤 marketplace window [%s, %s): %d order(s) over %d page(s)",
		q.PostedAfter, q.PostedBefore, len(merged), pages)
	return merged, nil
}

func (c *Client) buildQuery(w Window) (Query, error) {
	if w.PostedAfter.IsZero() {
		return Query{}, ErrMissingPostedAfter
	}

	before := w.PostedBefore
	limit := c.now().UTC().Add(-upperBoundLag)
	if before.IsZero() || before.After(limit) {
		before = limit
	}

	return Query{
		PostedAfter:  w.PostedAfter.UTC().Truncate(time.Second).Format(isoZ),
		PostedBefore: before.UTC().Truncate(time.Second).Format(isoZ),
	}, nil
}

// fetchPage is one throttled, retried transport call.
func (c *Client) fetchPage(ctx context.Context, q Query) (*Page, error) {
	b := &backoff.Backoff{
		Min:    c.minBackoff,
		Max:    c.maxBackoff,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := c.fetch(ctx, q)
		if err == nil {
			if page == nil {
				return &Page{}, nil
			}
			return page, nil
		}
		lastErr = err

		if attempt == fetchAttempts {
			break
		}

		delay := b.Duration()
		log.Printf("⏳ marketplace fetch failed (attempt %d/%d), retrying in %s: %v",
			attempt, fetchAttempts, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// mergePayload folds a page's payload for one order into the accumulated
// view by concatenating its shipment groups.
func mergePayload(merged map[string]map[string]any, orderID string, payload map[string]any) {
	existing, ok := merged[orderID]
	if !ok {
		merged[orderID] = payload
		return
	}

	existingList, _ := existing["ShipmentEventList"].([]any)
	newList, _ := payload["ShipmentEventList"].([]any)
	existing["ShipmentEventList"] = append(existingList, newList...)
}
