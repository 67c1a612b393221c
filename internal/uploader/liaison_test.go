package uploader

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivault/arkivault-go/internal/store"
)

// parkedEnv is an engine with a real store and one item parked in the
// background status, its lock held by the background process.
type parkedEnv struct {
	engine  *Engine
	store   *store.Store
	liaison *liaison
	future  *Future
	file    *store.File
}

func newParkedEnv(t *testing.T) *parkedEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	file := &store.File{
		LocalID: "local-1", Title: "a.jpg", Kind: store.KindImage,
		CollectionID: 1, OwnerID: testOwnerID,
	}
	_, err = s.InsertFile(ctx, file)
	require.NoError(t, err)

	require.NoError(t, s.Acquire(ctx, file.LocalID, store.OwnerBackground, 1000))

	runner := newFakeRunner()
	runner.script(file.LocalID, nil, store.ErrLockHeld)

	e := NewEngine(EngineDeps{
		Store:       s,
		Worker:      runner,
		Collections: newFakeCollections(),
	}, store.OwnerForeground, Options{})
	t.Cleanup(e.cancel)

	fut := e.Enqueue(*file, 1)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		it, ok := e.items[file.LocalID]

		return ok && it.status == StatusInBackground
	}, 2*time.Second, 10*time.Millisecond)

	return &parkedEnv{
		engine:  e,
		store:   s,
		liaison: newLiaison(e, slog.Default()),
		future:  fut,
		file:    file,
	}
}

func TestLiaisonWaitsWhileLockHeld(t *testing.T) {
	t.Parallel()

	env := newParkedEnv(t)
	env.liaison.tick(context.Background())

	select {
	case <-env.future.Done():
		t.Fatal("item settled while the background lock is still held")
	default:
	}

	assert.Equal(t, 1, env.engine.QueueLen())
}

func TestLiaisonReportsBackgroundCompletion(t *testing.T) {
	t.Parallel()

	env := newParkedEnv(t)
	ctx := context.Background()

	// The background process finishes: remote ID persisted, lock gone.
	remoteID := int64(100)
	env.file.UploadedFileID = &remoteID
	env.file.UpdationTime = 5
	require.NoError(t, env.store.UpdateFile(ctx, env.file))
	require.NoError(t, env.store.Release(ctx, env.file.LocalID, store.OwnerBackground))

	env.liaison.tick(ctx)

	rec, err := env.future.Result()
	require.NoError(t, err)
	assert.Equal(t, remoteID, *rec.UploadedFileID)
	assert.Equal(t, 0, env.engine.QueueLen())
}

func TestLiaisonFailsAbandonedUpload(t *testing.T) {
	t.Parallel()

	env := newParkedEnv(t)
	ctx := context.Background()

	// Lock released but no remote record: the background process bailed.
	require.NoError(t, env.store.Release(ctx, env.file.LocalID, store.OwnerBackground))

	env.liaison.tick(ctx)

	_, err := env.future.Result()
	require.ErrorIs(t, err, ErrSilentlyCancelUploads)
	assert.Equal(t, 0, env.engine.QueueLen())
}
