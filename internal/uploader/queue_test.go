package uploader

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/store"
)

func newTestEngine(t *testing.T, runner Runner, colls CollectionsService, opts Options) *Engine {
	t.Helper()

	e := NewEngine(EngineDeps{
		Worker:      runner,
		Collections: colls,
	}, store.OwnerForeground, opts)
	t.Cleanup(e.cancel)

	return e
}

func imageFile(localID string) store.File {
	return store.File{LocalID: localID, Title: localID + ".jpg", Kind: store.KindImage, CollectionID: 1}
}

func videoFile(localID string) store.File {
	return store.File{LocalID: localID, Title: localID + ".mp4", Kind: store.KindVideo, CollectionID: 1}
}

// collectStarts receives n started local IDs or fails the test.
func collectStarts(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()

	got := make([]string, 0, n)

	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for start %d of %d (got %v)", len(got)+1, n, got)
		}
	}

	return got
}

// assertNoStart fails if another upload starts within the window.
func assertNoStart(t *testing.T, ch <-chan string) {
	t.Helper()

	select {
	case id := <-ch:
		t.Fatalf("unexpected upload start: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollRespectsGlobalLimit(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})

	e := newTestEngine(t, runner, newFakeCollections(), Options{GlobalLimit: 4, VideoLimit: 2})

	futures := make([]*Future, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		futures = append(futures, e.Enqueue(imageFile(id), 1))
	}

	assert.Equal(t, 6, e.GetCurrentSessionUploadCount())

	collectStarts(t, runner.started, 4)
	assertNoStart(t, runner.started)

	close(runner.release)

	for _, fut := range futures {
		_, err := fut.Result()
		require.NoError(t, err)
	}

	// Draining the queue resets the session counter.
	require.Eventually(t, func() bool {
		return e.GetCurrentSessionUploadCount() == 0 && e.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollVideoBudgetNeverBlocksImages(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})

	e := newTestEngine(t, runner, newFakeCollections(), Options{GlobalLimit: 4, VideoLimit: 2})

	var futures []*Future
	for _, id := range []string{"v1", "v2", "v3", "v4"} {
		futures = append(futures, e.Enqueue(videoFile(id), 1))
	}

	for _, id := range []string{"i1", "i2"} {
		futures = append(futures, e.Enqueue(imageFile(id), 1))
	}

	started := collectStarts(t, runner.started, 4)
	assertNoStart(t, runner.started)

	videos, images := 0, 0

	for _, id := range started {
		if id[0] == 'v' {
			videos++
		} else {
			images++
		}
	}

	// Two videos fill the video budget; the images jump the queue past
	// the waiting videos.
	assert.Equal(t, 2, videos)
	assert.Equal(t, 2, images)

	close(runner.release)

	for _, fut := range futures {
		_, err := fut.Result()
		require.NoError(t, err)
	}
}

func TestEnqueueDedupeSameCollection(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})
	defer close(runner.release)

	e := newTestEngine(t, runner, newFakeCollections(), Options{})

	first := e.Enqueue(imageFile("a"), 1)
	second := e.Enqueue(imageFile("a"), 1)

	assert.Same(t, first, second)
	assert.Equal(t, 1, e.QueueLen())
	assert.Equal(t, 1, e.GetCurrentSessionUploadCount())
}

func TestEnqueueCrossCollectionDerivesFuture(t *testing.T) {
	t.Parallel()

	remoteID := int64(100)
	uploaded := imageFile("a")
	uploaded.UploadedFileID = &remoteID
	uploaded.UpdationTime = 5

	runner := newFakeRunner()
	runner.release = make(chan struct{})
	runner.script("a", &uploaded, nil)

	colls := newFakeCollections()
	e := newTestEngine(t, runner, colls, Options{})

	first := e.Enqueue(imageFile("a"), 1)
	second := e.Enqueue(imageFile("a"), 2)
	require.NotSame(t, first, second)

	// The duplicate counts toward the session.
	assert.Equal(t, 2, e.GetCurrentSessionUploadCount())

	close(runner.release)

	rec, err := second.Result()
	require.NoError(t, err)
	assert.Equal(t, remoteID, *rec.UploadedFileID)

	colls.mu.Lock()
	defer colls.mu.Unlock()
	assert.Equal(t, []int64{2}, colls.addedTo)
}

func TestLockHeldParksItemInBackground(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.script("a", nil, store.ErrLockHeld)

	e := newTestEngine(t, runner, newFakeCollections(), Options{})

	fut := e.Enqueue(imageFile("a"), 1)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		it, ok := e.items["a"]

		return ok && it.status == StatusInBackground
	}, 2*time.Second, 10*time.Millisecond)

	// The handle stays open; the liaison settles it later.
	select {
	case <-fut.Done():
		t.Fatal("parked item must not be fulfilled")
	default:
	}

	assert.Equal(t, 1, e.QueueLen())
}

func TestSessionTerminalErrorClearsQueue(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})
	runner.script("a", nil, api.ErrStorageLimit)

	e := newTestEngine(t, runner, newFakeCollections(), Options{GlobalLimit: 1, VideoLimit: 1})

	futA := e.Enqueue(imageFile("a"), 1)
	futB := e.Enqueue(imageFile("b"), 1)
	futC := e.Enqueue(imageFile("c"), 1)

	collectStarts(t, runner.started, 1)
	close(runner.release)

	_, err := futA.Result()
	require.ErrorIs(t, err, api.ErrStorageLimit)

	_, err = futB.Result()
	require.ErrorIs(t, err, api.ErrStorageLimit)

	_, err = futC.Result()
	require.ErrorIs(t, err, api.ErrStorageLimit)

	assert.Equal(t, 0, e.GetCurrentSessionUploadCount())
	assert.Equal(t, 0, e.QueueLen())
}

func TestPerItemErrorDoesNotClearQueue(t *testing.T) {
	t.Parallel()

	itemErr := errors.New("encryption exploded")

	runner := newFakeRunner()
	runner.release = make(chan struct{})
	runner.script("a", nil, itemErr)

	e := newTestEngine(t, runner, newFakeCollections(), Options{GlobalLimit: 1, VideoLimit: 1})

	futA := e.Enqueue(imageFile("a"), 1)
	futB := e.Enqueue(imageFile("b"), 1)

	collectStarts(t, runner.started, 1)
	close(runner.release)

	_, err := futA.Result()
	require.ErrorIs(t, err, itemErr)

	// The failure is isolated; the next item still uploads.
	_, err = futB.Result()
	require.NoError(t, err)
}

func TestStopRequestedClearsQueueOnPoll(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})

	ctl := &stopCtl{}
	e := NewEngine(EngineDeps{
		Worker:      runner,
		Collections: newFakeCollections(),
		SyncCtl:     ctl,
	}, store.OwnerForeground, Options{GlobalLimit: 1, VideoLimit: 1})
	t.Cleanup(e.cancel)

	futA := e.Enqueue(imageFile("a"), 1)
	futB := e.Enqueue(imageFile("b"), 1)

	collectStarts(t, runner.started, 1)

	ctl.stop()
	e.Poll()

	// Only the not-started item is cleared; the in-flight worker runs
	// to completion.
	_, err := futB.Result()
	require.ErrorIs(t, err, ErrSyncStopRequested)

	close(runner.release)

	_, err = futA.Result()
	require.NoError(t, err)
}

func TestRemoveWhere(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.release = make(chan struct{})
	defer close(runner.release)

	e := newTestEngine(t, runner, newFakeCollections(), Options{GlobalLimit: 1, VideoLimit: 1})

	e.Enqueue(imageFile("a"), 1)
	futB := e.Enqueue(imageFile("b"), 1)
	e.Enqueue(imageFile("c"), 1)

	collectStarts(t, runner.started, 1)

	reason := errors.New("source deleted")
	e.RemoveWhere(func(localID string, _ *store.File) bool {
		return localID == "b"
	}, reason)

	_, err := futB.Result()
	require.ErrorIs(t, err, reason)
	assert.Equal(t, 2, e.GetCurrentSessionUploadCount())
	assert.Equal(t, 2, e.QueueLen())
}
