package uploader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkivault/arkivault-go/internal/media"
	"github.com/arkivault/arkivault-go/internal/store"
)

// Mapper decides whether a candidate upload corresponds to an already
// uploaded remote file. A true result means the candidate was handled
// (deleted, relinked, or copied) and must not be uploaded.
type Mapper struct {
	store       *store.Store
	collections CollectionsService
	ownerID     int64
	logger      *slog.Logger
}

// NewMapper creates a mapping resolver.
func NewMapper(st *store.Store, collections CollectionsService, ownerID int64, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mapper{store: st, collections: collections, ownerID: ownerID, logger: logger}
}

// Resolve checks the candidate against remote-present files with the
// same content hash. Cases, applied in priority order with first
// query-order match winning within each:
//
//   - same local ID + same collection: drop the candidate row, skip.
//   - same collection, existing row has no local ID: stamp it with the
//     candidate's local ID, drop the candidate row, skip.
//   - different collection: link the uploaded file into the target
//     collection, skip.
//   - only matches with a different, non-empty local ID remain: likely
//     a device-side duplicate file; upload it anew.
//
// A candidate that already carries a remote ID returns false: the
// already-uploaded shortcut upstream handles those, so this branch is
// defensive.
func (m *Mapper) Resolve(
	ctx context.Context, data *media.UploadData, candidate *store.File, collectionID int64,
) (bool, error) {
	if candidate.HasRemoteID() {
		return false, nil
	}

	hashes := []string{data.FileHash}
	if candidate.Kind == store.KindLivePhoto && data.ZipHash != "" {
		hashes = append(hashes, data.ZipHash)
	}

	matches, err := m.store.UploadedWithHashes(ctx, hashes, candidate.Kind, m.ownerID)
	if err != nil {
		return false, fmt.Errorf("uploader: querying hash matches: %w", err)
	}

	if len(matches) == 0 {
		return false, nil
	}

	// Case A: same local ID, same collection. The file is already
	// backed up; the candidate row is redundant.
	for i := range matches {
		existing := &matches[i]
		if existing.LocalID == candidate.LocalID && existing.CollectionID == collectionID {
			m.logger.Info("dedupe: candidate already uploaded in collection",
				slog.String("local_id", candidate.LocalID),
				slog.Int64("collection_id", collectionID),
			)

			if err := m.store.DeleteFileByGeneratedID(ctx, candidate.GeneratedID); err != nil {
				return false, err
			}

			return true, nil
		}
	}

	// Case B: same collection, existing row never had a local ID.
	// Claim it for this device and drop the candidate.
	for i := range matches {
		existing := &matches[i]
		if existing.CollectionID == collectionID && existing.LocalID == "" {
			m.logger.Info("dedupe: stamping uploaded file with local ID",
				slog.String("local_id", candidate.LocalID),
				slog.Int64("remote_id", *existing.UploadedFileID),
			)

			existing.LocalID = candidate.LocalID
			if err := m.store.UpdateFile(ctx, existing); err != nil {
				return false, err
			}

			if err := m.store.DeleteFileByGeneratedID(ctx, candidate.GeneratedID); err != nil {
				return false, err
			}

			return true, nil
		}
	}

	// Cases C/D: uploaded in a different collection (with or without a
	// local ID). Link it into the target collection instead of
	// re-uploading the bytes.
	for i := range matches {
		existing := &matches[i]
		if existing.CollectionID != collectionID {
			m.logger.Info("dedupe: linking uploaded file into collection",
				slog.String("local_id", candidate.LocalID),
				slog.Int64("remote_id", *existing.UploadedFileID),
				slog.Int64("collection_id", collectionID),
			)

			if err := m.collections.LinkExistingUpload(ctx, collectionID, candidate, existing); err != nil {
				return false, fmt.Errorf("uploader: linking existing upload: %w", err)
			}

			return true, nil
		}
	}

	// Case E: every match carries a different, non-empty local ID in
	// this collection. Treat as a device-side duplicate and upload.
	return false, nil
}
