package uploader

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/media"
	"github.com/arkivault/arkivault-go/internal/store"
)

// runnerResult scripts a fakeRunner outcome for one local ID.
type runnerResult struct {
	file *store.File
	err  error
}

// fakeRunner is a scriptable Runner. When started is non-nil every
// upload announces its local ID there; when release is non-nil every
// upload blocks on it before finishing.
type fakeRunner struct {
	started chan string
	release chan struct{}

	mu      sync.Mutex
	results map[string]runnerResult
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan string, 32),
		results: map[string]runnerResult{},
	}
}

func (r *fakeRunner) script(localID string, file *store.File, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results[localID] = runnerResult{file: file, err: err}
}

func (r *fakeRunner) TryToUpload(
	_ context.Context, file *store.File, _ int64, _ int, _ bool,
) (*store.File, error) {
	if r.started != nil {
		r.started <- file.LocalID
	}

	if r.release != nil {
		<-r.release
	}

	r.mu.Lock()
	r.calls = append(r.calls, file.LocalID)
	res, ok := r.results[file.LocalID]
	r.mu.Unlock()

	if !ok {
		return file, nil
	}

	if res.err != nil {
		return nil, res.err
	}

	return res.file, nil
}

// fakeCollections records calls and serves a static collection key.
type fakeCollections struct {
	mu      sync.Mutex
	key     []byte
	keyErr  error
	addErr  error
	linkErr error

	addedTo  []int64 // collection IDs passed to AddToCollection
	linkedTo []int64 // collection IDs passed to LinkExistingUpload
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{key: make([]byte, 32)}
}

func (f *fakeCollections) GetCollectionKey(_ context.Context, _ int64) ([]byte, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}

	return f.key, nil
}

func (f *fakeCollections) AddToCollection(_ context.Context, collectionID int64, _ *store.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return f.addErr
	}

	f.addedTo = append(f.addedTo, collectionID)

	return nil
}

func (f *fakeCollections) LinkExistingUpload(
	_ context.Context, collectionID int64, candidate, existing *store.File,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.linkErr != nil {
		return f.linkErr
	}

	f.linkedTo = append(f.linkedTo, collectionID)
	candidate.UploadedFileID = existing.UploadedFileID
	candidate.CollectionID = collectionID

	return nil
}

// fakeCatalog records catalog mutations and returns canned records.
type fakeCatalog struct {
	mu        sync.Mutex
	created   []*api.CreateFileRequest
	updated   []*api.UpdateFileRequest
	createErr error
	updateErr error
}

func (f *fakeCatalog) CreateFile(_ context.Context, req *api.CreateFileRequest) (*api.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.created = append(f.created, req)

	return &api.RemoteFile{ID: 100, UpdationTime: 1700000001}, nil
}

func (f *fakeCatalog) UpdateFile(_ context.Context, req *api.UpdateFileRequest) (*api.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}

	f.updated = append(f.updated, req)

	return &api.RemoteFile{ID: req.ID, UpdationTime: 1700000002}, nil
}

// fakePutter records blob put order.
type fakePutter struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakePutter) Put(_ context.Context, localPath string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.paths = append(f.paths, localPath)

	return fmt.Sprintf("object-%d", len(f.paths)), nil
}

// fakeExtractor serves a scripted UploadData.
type fakeExtractor struct {
	mu    sync.Mutex
	data  *media.UploadData
	err   error
	calls int
}

func (f *fakeExtractor) GetUploadData(_ *store.File) (*media.UploadData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.data, nil
}

// offWiFi is a Connectivity probe reporting no Wi-Fi.
type offWiFi struct{}

func (offWiFi) OnWiFi() bool { return false }

// stopCtl is a settable SyncControl.
type stopCtl struct {
	mu      sync.Mutex
	stopped bool
}

func (s *stopCtl) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

func (s *stopCtl) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
}
