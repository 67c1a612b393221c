package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// lengthMismatchText is the transport error emitted when the streamed
// body outgrows the declared Content-Length (the source file grew
// between stat and send). Matched on the first attempt only.
const lengthMismatchText = "content size exceeds specified contentLength"

// BlobPutter streams encrypted blobs to presigned URLs. Retries obtain
// a fresh URL from the pool because the previous one may have expired.
type BlobPutter struct {
	httpClient *http.Client
	pool       *URLPool
	logger     *slog.Logger

	maxAttempts int
}

// NewBlobPutter creates a putter that draws URLs from pool.
func NewBlobPutter(httpClient *http.Client, pool *URLPool, logger *slog.Logger) *BlobPutter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &BlobPutter{
		httpClient:  httpClient,
		pool:        pool,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Put uploads the file at localPath to a presigned URL taken from the
// pool and returns the object key. queueSize sizes any pool refill.
func (bp *BlobPutter) Put(ctx context.Context, localPath string, queueSize int) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= bp.maxAttempts; attempt++ {
		u, err := bp.pool.Take(ctx, queueSize)
		if err != nil {
			return "", err
		}

		start := time.Now()

		size, err := bp.putOnce(ctx, u.URL, localPath)
		if err == nil {
			elapsed := max(time.Since(start).Milliseconds(), 1)
			bp.logger.Info("blob uploaded",
				slog.String("object_key", u.ObjectKey),
				slog.Int64("bytes", size),
				slog.Int64("bytes_per_ms", size/elapsed),
			)

			return u.ObjectKey, nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("api: blob put canceled: %w", ctx.Err())
		}

		// First attempt only: a length mismatch means the source file
		// changed size mid-stream. Re-stat and retry immediately with
		// an accurate length. The URL may already be consumed, so the
		// next loop iteration takes a fresh one regardless.
		if attempt == 1 && strings.Contains(strings.ToLower(err.Error()), lengthMismatchText) {
			bp.logger.Warn("blob length changed mid-upload, retrying with recomputed size",
				slog.String("path", localPath),
			)
		} else {
			bp.logger.Warn("blob put failed",
				slog.String("path", localPath),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		lastErr = err
	}

	return "", fmt.Errorf("api: blob put failed after %d attempts: %w", bp.maxAttempts, lastErr)
}

// putOnce streams the file once. The size is re-read on every call so
// retries always send an accurate Content-Length.
func (bp *BlobPutter) putOnce(ctx context.Context, url, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("api: opening blob %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("api: stat blob %s: %w", localPath, err)
	}

	size := info.Size()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return 0, fmt.Errorf("api: creating blob put request: %w", err)
	}

	req.ContentLength = size
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))

	resp, err := bp.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api: blob put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			body = []byte("(failed to read response body)")
		}

		return 0, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	return size, nil
}
