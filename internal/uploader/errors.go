// Package uploader is the upload orchestrator: a bounded concurrent
// queue scheduler, the per-file upload worker, the same-hash mapping
// resolver, and the background liaison that reconciles work picked up
// by the other process.
package uploader

import (
	"errors"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/media"
)

// Error kinds surfaced on result handles. Lock contention
// (store.ErrLockHeld) and invalid sources (media.ErrInvalidFile) keep
// their defining packages' sentinels; API statuses keep api's.
var (
	// ErrWiFiUnavailable: connectivity gate failed and mobile-data
	// backup is disallowed. Per-item, not session-terminal.
	ErrWiFiUnavailable = errors.New("uploader: wifi unavailable")

	// ErrSyncStopRequested: a cooperative stop was asserted. Session-
	// terminal for all queued items; in-flight workers past their stop
	// check complete normally.
	ErrSyncStopRequested = errors.New("uploader: sync stop requested")

	// ErrSilentlyCancelUploads: the background process released its
	// lock without producing a remote record. The item's handle
	// rejects quietly; the next backup pass retries the file.
	ErrSilentlyCancelUploads = errors.New("uploader: silently cancel upload")
)

// isQuietFailure reports whether err is an expected policy outcome
// rather than an upload malfunction. These log at info, not error.
func isQuietFailure(err error) bool {
	return errors.Is(err, ErrWiFiUnavailable) ||
		errors.Is(err, ErrSyncStopRequested) ||
		errors.Is(err, ErrSilentlyCancelUploads) ||
		errors.Is(err, api.ErrStorageLimit) ||
		errors.Is(err, api.ErrNoSubscription) ||
		errors.Is(err, media.ErrInvalidFile)
}
