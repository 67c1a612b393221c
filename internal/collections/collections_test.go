package collections

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/crypt"
	"github.com/arkivault/arkivault-go/internal/store"
)

// collEnv is a collections service backed by a fake catalog server
// holding per-collection keys wrapped under a master key.
type collEnv struct {
	service   *Service
	store     *store.Store
	masterKey []byte
	collKeys  map[int64][]byte
	fetches   atomic.Int32
	added     []api.AddFilesRequest
}

func newCollEnv(t *testing.T) *collEnv {
	t.Helper()

	env := &collEnv{
		masterKey: make([]byte, crypt.KeySize),
		collKeys:  map[int64][]byte{},
	}

	_, err := rand.Read(env.masterKey)
	require.NoError(t, err)

	for _, id := range []int64{1, 2} {
		key := make([]byte, crypt.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)
		env.collKeys[id] = key
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/collections/", func(w http.ResponseWriter, r *http.Request) {
		env.fetches.Add(1)

		var id int64
		fmt.Sscanf(r.URL.Path, "/collections/%d", &id)

		key, ok := env.collKeys[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		wrapped, err := crypt.WrapKey(key, env.masterKey)
		require.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"collection": api.Collection{
				ID:           id,
				EncryptedKey: base64.StdEncoding.EncodeToString(wrapped.Data),
				KeyNonce:     base64.StdEncoding.EncodeToString(wrapped.Nonce),
			},
		})
	})
	mux.HandleFunc("/collections/add-files", func(w http.ResponseWriter, r *http.Request) {
		var req api.AddFilesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		env.added = append(env.added, req)
		w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env.store = s
	client := api.NewClient(srv.URL, "token", http.DefaultClient, slog.Default())
	env.service = New(client, s, env.masterKey, slog.Default())

	return env
}

// wrapFileKey stores a file key on f, wrapped under the given
// collection's key.
func (env *collEnv) wrapFileKey(t *testing.T, f *store.File, collectionID int64) []byte {
	t.Helper()

	fileKey := make([]byte, crypt.KeySize)
	_, err := rand.Read(fileKey)
	require.NoError(t, err)

	wrapped, err := crypt.WrapKey(fileKey, env.collKeys[collectionID])
	require.NoError(t, err)

	f.EncryptedKey = base64.StdEncoding.EncodeToString(wrapped.Data)
	f.KeyNonce = base64.StdEncoding.EncodeToString(wrapped.Nonce)

	return fileKey
}

func TestGetCollectionKeyUnwrapsAndCaches(t *testing.T) {
	t.Parallel()

	env := newCollEnv(t)
	ctx := context.Background()

	key, err := env.service.GetCollectionKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, env.collKeys[1], key)

	// Second call is served from the cache.
	_, err = env.service.GetCollectionKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.fetches.Load())

	_, err = env.service.GetCollectionKey(ctx, 404)
	require.Error(t, err)
}

func TestAddToCollectionRewrapsKey(t *testing.T) {
	t.Parallel()

	env := newCollEnv(t)
	ctx := context.Background()

	remoteID := int64(100)
	file := &store.File{
		GeneratedID: 1, CollectionID: 1,
		UploadedFileID: &remoteID, UpdationTime: 5,
	}
	fileKey := env.wrapFileKey(t, file, 1)

	require.NoError(t, env.service.AddToCollection(ctx, 2, file))

	require.Len(t, env.added, 1)
	req := env.added[0]
	assert.Equal(t, int64(2), req.CollectionID)
	require.Len(t, req.Files, 1)
	assert.Equal(t, remoteID, req.Files[0].ID)

	// The shipped key opens under the target collection's key.
	data, err := base64.StdEncoding.DecodeString(req.Files[0].EncryptedKey)
	require.NoError(t, err)
	nonce, err := base64.StdEncoding.DecodeString(req.Files[0].KeyDecryptionNonce)
	require.NoError(t, err)

	got, err := crypt.UnwrapKey(data, nonce, env.collKeys[2])
	require.NoError(t, err)
	assert.Equal(t, fileKey, got)
}

func TestAddToCollectionRequiresRemoteID(t *testing.T) {
	t.Parallel()

	env := newCollEnv(t)

	err := env.service.AddToCollection(context.Background(), 2, &store.File{GeneratedID: 1})
	require.Error(t, err)
	assert.Empty(t, env.added)
}

func TestLinkExistingUploadStampsCandidate(t *testing.T) {
	t.Parallel()

	env := newCollEnv(t)
	ctx := context.Background()

	remoteID := int64(100)
	existing := &store.File{
		LocalID: "other", Title: "a.jpg", Kind: store.KindImage,
		CollectionID: 1, OwnerID: 42, Hash: "h",
		UploadedFileID: &remoteID, UpdationTime: 5,
	}
	fileKey := env.wrapFileKey(t, existing, 1)
	_, err := env.store.InsertFile(ctx, existing)
	require.NoError(t, err)

	candidate := &store.File{
		LocalID: "local-1", Title: "a.jpg", Kind: store.KindImage,
		CollectionID: 2, OwnerID: 42,
	}
	_, err = env.store.InsertFile(ctx, candidate)
	require.NoError(t, err)

	require.NoError(t, env.service.LinkExistingUpload(ctx, 2, candidate, existing))

	// The candidate row now carries the remote identity in the target
	// collection, with a key wrapped for that collection.
	stored, err := env.store.GetFile(ctx, candidate.GeneratedID)
	require.NoError(t, err)
	assert.Equal(t, remoteID, *stored.UploadedFileID)
	assert.Equal(t, int64(5), stored.UpdationTime)
	assert.Equal(t, int64(2), stored.CollectionID)
	assert.Equal(t, "h", stored.Hash)

	data, err := base64.StdEncoding.DecodeString(stored.EncryptedKey)
	require.NoError(t, err)
	nonce, err := base64.StdEncoding.DecodeString(stored.KeyNonce)
	require.NoError(t, err)

	got, err := crypt.UnwrapKey(data, nonce, env.collKeys[2])
	require.NoError(t, err)
	assert.Equal(t, fileKey, got)
}
