package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Refill sizing: fetch twice the current queue depth, capped at 42 per
// request so a huge backlog doesn't ask the server for thousands of
// URLs it may never use before they expire.
const maxURLsPerRefill = 42

// singleflight key for the one coalesced refill.
const refillKey = "refill"

// PresignedURL is a single-use object-store PUT endpoint.
type PresignedURL struct {
	ObjectKey string `json:"objectKey"`
	URL       string `json:"url"`
}

type uploadURLsResponse struct {
	URLs []PresignedURL `json:"urls"`
}

// FetchUploadURLs requests count presigned PUT URLs from the catalog.
// Refill failures are never retried here: quota and subscription
// statuses are session-terminal and the pool's caller classifies them.
func (c *Client) FetchUploadURLs(ctx context.Context, count int) ([]PresignedURL, error) {
	var out uploadURLsResponse

	path := fmt.Sprintf("/files/upload-urls?count=%d", count)
	if err := c.doJSONOnce(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched upload URLs",
		slog.Int("requested", count),
		slog.Int("received", len(out.URLs)),
	)

	return out.URLs, nil
}

// URLFetcher is the slice of Client the pool needs. Tests substitute a
// fake.
type URLFetcher interface {
	FetchUploadURLs(ctx context.Context, count int) ([]PresignedURL, error)
}

// URLPool caches presigned URLs in FIFO order. Concurrent callers that
// find the pool empty share one in-flight refill via singleflight; the
// flight is forgotten on completion whether it succeeded or failed, so
// the next miss starts a fresh fetch.
type URLPool struct {
	fetcher URLFetcher
	logger  *slog.Logger

	mu    sync.Mutex
	urls  []PresignedURL
	group singleflight.Group
}

// NewURLPool creates an empty pool backed by fetcher.
func NewURLPool(fetcher URLFetcher, logger *slog.Logger) *URLPool {
	if logger == nil {
		logger = slog.Default()
	}

	return &URLPool{fetcher: fetcher, logger: logger}
}

// Take pops the oldest cached URL, refilling first when the cache is
// empty. queueSize is the current upload queue depth, which sizes the
// refill request.
func (p *URLPool) Take(ctx context.Context, queueSize int) (PresignedURL, error) {
	if u, ok := p.pop(); ok {
		return u, nil
	}

	if err := p.refill(ctx, queueSize); err != nil {
		return PresignedURL{}, err
	}

	u, ok := p.pop()
	if !ok {
		return PresignedURL{}, fmt.Errorf("api: url pool empty after refill")
	}

	return u, nil
}

// refill performs the coalesced fetch. All concurrent callers share the
// result (including the error) of a single in-flight request.
func (p *URLPool) refill(ctx context.Context, queueSize int) error {
	// singleflight drops the key when the shared call returns, so the
	// flight is cleared on completion whether it succeeded or failed.
	_, err, _ := p.group.Do(refillKey, func() (any, error) {
		count := min(maxURLsPerRefill, 2*queueSize)
		if count < 1 {
			count = 1
		}

		urls, fetchErr := p.fetcher.FetchUploadURLs(ctx, count)
		if fetchErr != nil {
			return nil, fetchErr
		}

		p.mu.Lock()
		p.urls = append(p.urls, urls...)
		p.mu.Unlock()

		return nil, nil
	})

	return err
}

// Reset forgets any in-flight refill. Called when the subscription-
// purchased signal arrives so a refill that was doomed by HTTP 402 is
// not shared with post-purchase callers.
func (p *URLPool) Reset() {
	p.group.Forget(refillKey)
}

// Len returns the number of cached URLs.
func (p *URLPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.urls)
}

func (p *URLPool) pop() (PresignedURL, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.urls) == 0 {
		return PresignedURL{}, false
	}

	u := p.urls[0]
	p.urls = p.urls[1:]

	return u, true
}
