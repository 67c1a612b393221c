package uploader

import (
	"errors"
	"log/slog"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/store"
)

// Enqueue admits a (file, collection) pair and returns its result
// handle. Re-enqueueing a local ID already in the queue returns the
// existing handle (same collection) or a derived handle that links the
// upload into the second collection once it completes.
func (e *Engine) Enqueue(file store.File, collectionID int64) *Future {
	e.mu.Lock()

	e.totalInSession++

	if existing, ok := e.items[file.LocalID]; ok {
		if existing.collectionID == collectionID {
			// Same logical request; undo the count above.
			e.totalInSession--
			fut := existing.future
			e.mu.Unlock()

			return fut
		}

		fut := e.deriveCrossCollectionFuture(existing.future, collectionID)
		e.mu.Unlock()

		return fut
	}

	it := &item{
		localID:      file.LocalID,
		file:         file,
		collectionID: collectionID,
		status:       StatusNotStarted,
		future:       NewFuture(),
	}

	e.items[file.LocalID] = it
	e.order = append(e.order, file.LocalID)
	e.mu.Unlock()

	e.logger.Debug("enqueued upload",
		slog.String("local_id", file.LocalID),
		slog.Int64("collection_id", collectionID),
	)

	e.Poll()

	return it.future
}

// deriveCrossCollectionFuture returns a handle that waits for the
// original upload and then links the uploaded file into the requested
// collection, yielding the same record.
func (e *Engine) deriveCrossCollectionFuture(orig *Future, collectionID int64) *Future {
	derived := NewFuture()

	go func() {
		rec, err := orig.Result()
		if err != nil {
			derived.Fail(err)

			return
		}

		if addErr := e.collections.AddToCollection(e.ctx, collectionID, rec); addErr != nil {
			derived.Fail(addErr)

			return
		}

		derived.Complete(rec)
	}()

	return derived
}

// ClearQueue fulfills every not-started item with reason, removes
// them, and zeroes the session counter. In-progress and in-background
// items are untouched; the counter undercounts until they drain.
func (e *Engine) ClearQueue(reason error) {
	e.mu.Lock()
	cleared := e.takeNotStartedLocked(func(*item) bool { return true })
	e.totalInSession = 0
	e.mu.Unlock()

	for _, it := range cleared {
		it.future.Fail(reason)
	}

	if len(cleared) > 0 {
		e.logger.Info("cleared upload queue",
			slog.Int("count", len(cleared)),
			slog.String("reason", reason.Error()),
		)
	}
}

// RemoveWhere fulfills matching not-started items with reason and
// removes them, decrementing the session counter per removal.
func (e *Engine) RemoveWhere(pred func(localID string, file *store.File) bool, reason error) {
	e.mu.Lock()
	removed := e.takeNotStartedLocked(func(it *item) bool {
		return pred(it.localID, &it.file)
	})

	e.totalInSession -= len(removed)
	if e.totalInSession < 0 {
		e.totalInSession = 0
	}
	e.mu.Unlock()

	for _, it := range removed {
		it.future.Fail(reason)
	}
}

// takeNotStartedLocked removes and returns all not-started items
// matching pred. Caller holds e.mu.
func (e *Engine) takeNotStartedLocked(pred func(*item) bool) []*item {
	var taken []*item

	remaining := e.order[:0]

	for _, id := range e.order {
		it := e.items[id]
		if it.status == StatusNotStarted && pred(it) {
			taken = append(taken, it)
			delete(e.items, id)

			continue
		}

		remaining = append(remaining, id)
	}

	e.order = remaining

	return taken
}

// Poll drives admission: checks the stop flag, resets the session
// counter when the queue is empty, and promotes not-started items into
// workers until the concurrency limits saturate.
func (e *Engine) Poll() {
	if e.syncCtl.StopRequested() {
		e.ClearQueue(ErrSyncStopRequested)

		return
	}

	e.mu.Lock()

	if len(e.items) == 0 {
		e.totalInSession = 0
		e.mu.Unlock()

		return
	}

	var launches []*item

	for e.inProgress+len(launches) < e.globalLimit {
		it := e.chooseNextLocked(launches)
		if it == nil {
			break
		}

		it.status = StatusInProgress
		launches = append(launches, it)
	}

	e.inProgress += len(launches)

	for _, it := range launches {
		if it.isVideo() {
			e.videoInProgress++
		}
	}

	e.mu.Unlock()

	for _, it := range launches {
		e.wg.Add(1)

		go e.runWorker(it)
	}
}

// chooseNextLocked picks the first admissible not-started item in
// insertion order. When the head is a video and the video budget is
// exhausted, the first non-video item is chosen instead so video
// saturation never blocks image progress. Caller holds e.mu; pending
// counts launches already chosen in this poll pass.
func (e *Engine) chooseNextLocked(pending []*item) *item {
	videoBudget := e.videoLimit - e.videoInProgress
	for _, p := range pending {
		if p.isVideo() {
			videoBudget--
		}
	}

	for _, id := range e.order {
		it := e.items[id]
		if it.status != StatusNotStarted || containsItem(pending, it) {
			continue
		}

		if !it.isVideo() || videoBudget > 0 {
			return it
		}
		// Video with no budget; keep scanning for a non-video.
	}

	return nil
}

func containsItem(items []*item, target *item) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}

	return false
}

// runWorker executes one upload and routes its completion.
func (e *Engine) runWorker(it *item) {
	defer e.wg.Done()

	e.mu.Lock()
	queueSize := len(e.items)
	e.mu.Unlock()

	rec, err := e.worker.TryToUpload(e.ctx, &it.file, it.collectionID, queueSize, e.forced)
	e.onWorkerDone(it, rec, err)
}

// onWorkerDone decrements counters, fulfills or parks the item, and
// re-polls.
func (e *Engine) onWorkerDone(it *item, rec *store.File, err error) {
	e.mu.Lock()

	e.inProgress--
	if it.isVideo() {
		e.videoInProgress--
	}

	switch {
	case err == nil:
		delete(e.items, it.localID)
		e.removeFromOrderLocked(it.localID)
	case errors.Is(err, store.ErrLockHeld):
		// The other process owns this file; the liaison reports its
		// completion. The item stays queued.
		it.status = StatusInBackground
	default:
		delete(e.items, it.localID)
		e.removeFromOrderLocked(it.localID)
	}

	e.mu.Unlock()

	switch {
	case err == nil:
		it.future.Complete(rec)
	case errors.Is(err, store.ErrLockHeld):
		e.logger.Debug("upload parked in background",
			slog.String("local_id", it.localID),
		)
	default:
		e.logFailure(it, err)
		it.future.Fail(err)
		e.maybeClearSession(err)
	}

	e.Poll()
}

// maybeClearSession tears the whole session down on session-terminal
// errors observed by a worker (quota, subscription, cooperative stop).
func (e *Engine) maybeClearSession(err error) {
	switch {
	case errors.Is(err, api.ErrStorageLimit):
		e.ClearQueue(api.ErrStorageLimit)
	case errors.Is(err, api.ErrNoSubscription):
		e.ClearQueue(api.ErrNoSubscription)
	case errors.Is(err, ErrSyncStopRequested):
		e.ClearQueue(ErrSyncStopRequested)
	}
}

// logFailure suppresses stack-level noise for the policy outcomes a
// user sees routinely and logs everything else at error with context.
func (e *Engine) logFailure(it *item, err error) {
	if isQuietFailure(err) {
		e.logger.Info("upload not performed",
			slog.String("local_id", it.localID),
			slog.String("reason", err.Error()),
		)

		return
	}

	e.logger.Error("upload failed",
		slog.String("local_id", it.localID),
		slog.String("title", it.file.Title),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) removeFromOrderLocked(localID string) {
	for i, id := range e.order {
		if id == localID {
			e.order = append(e.order[:i], e.order[i+1:]...)

			return
		}
	}
}

// GetCurrentSessionUploadCount returns the number of items admitted in
// the current session, for UI progress.
func (e *Engine) GetCurrentSessionUploadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.totalInSession
}

// QueueLen returns the number of items currently queued (any status).
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.items)
}

// queueEmpty reports whether nothing is queued or in flight.
func (e *Engine) queueEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.items) == 0
}
