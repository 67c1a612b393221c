package uploader

import (
	"context"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/store"
)

// Catalog is the slice of the API client the worker needs. Defined at
// the consumer so tests can substitute fakes.
type Catalog interface {
	CreateFile(ctx context.Context, req *api.CreateFileRequest) (*api.RemoteFile, error)
	UpdateFile(ctx context.Context, req *api.UpdateFileRequest) (*api.RemoteFile, error)
}

// Putter streams encrypted blobs to the object store.
type Putter interface {
	Put(ctx context.Context, localPath string, queueSize int) (string, error)
}

// CollectionsService is the server-side album grouping collaborator.
type CollectionsService interface {
	// GetCollectionKey returns the symmetric key of a collection.
	GetCollectionKey(ctx context.Context, collectionID int64) ([]byte, error)
	// AddToCollection links an already-uploaded file into another
	// collection (used by the duplicate-enqueue path).
	AddToCollection(ctx context.Context, collectionID int64, file *store.File) error
	// LinkExistingUpload maps a local candidate onto an uploaded file
	// that lives in a different collection (mapping cases C/D).
	LinkExistingUpload(ctx context.Context, collectionID int64, candidate, existing *store.File) error
}

// Connectivity is the live network probe.
type Connectivity interface {
	OnWiFi() bool
}

// SyncControl exposes the cooperative stop flag. Polled at the start
// of each admission cycle and immediately before each catalog call.
type SyncControl interface {
	StopRequested() bool
}

// AlwaysWiFi is the default probe for environments without a mobile
// link (desktops, servers).
type AlwaysWiFi struct{}

func (AlwaysWiFi) OnWiFi() bool { return true }

// NeverStop is the default SyncControl for one-shot CLI runs.
type NeverStop struct{}

func (NeverStop) StopRequested() bool { return false }
