package uploader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/crypt"
	"github.com/arkivault/arkivault-go/internal/events"
	"github.com/arkivault/arkivault-go/internal/media"
	"github.com/arkivault/arkivault-go/internal/store"
)

// uploadTimeout bounds a single upload end to end. Expiry surfaces as
// a normal per-item failure, never as a background park.
const uploadTimeout = 50 * time.Minute

// Worker executes a single upload: lock, dedupe, encrypt, push both
// blobs, register with the catalog, persist, clean up.
type Worker struct {
	store        *store.Store
	catalog      Catalog
	putter       Putter
	extractor    media.Extractor
	collections  CollectionsService
	connectivity Connectivity
	syncCtl      SyncControl
	mapper       *Mapper
	bus          *events.Bus
	logger       *slog.Logger

	tempDir         string
	owner           store.Owner
	allowMobileData bool
	timeout         time.Duration

	// nowMicros supplies lock timestamps. Tests override.
	nowMicros func() int64
}

// WorkerDeps bundles the collaborators a Worker needs.
type WorkerDeps struct {
	Store        *store.Store
	Catalog      Catalog
	Putter       Putter
	Extractor    media.Extractor
	Collections  CollectionsService
	Connectivity Connectivity
	SyncCtl      SyncControl
	Mapper       *Mapper
	Bus          *events.Bus
	Logger       *slog.Logger
}

// NewWorker creates a Worker with the given process personality.
func NewWorker(deps WorkerDeps, tempDir string, owner store.Owner, allowMobileData bool) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		store:           deps.Store,
		catalog:         deps.Catalog,
		putter:          deps.Putter,
		extractor:       deps.Extractor,
		collections:     deps.Collections,
		connectivity:    deps.Connectivity,
		syncCtl:         deps.SyncCtl,
		mapper:          deps.Mapper,
		bus:             deps.Bus,
		logger:          logger,
		tempDir:         tempDir,
		owner:           owner,
		allowMobileData: allowMobileData,
		timeout:         uploadTimeout,
		nowMicros:       func() int64 { return time.Now().UnixMicro() },
	}
}

// TryToUpload runs the full upload contract for one file. queueSize
// sizes presigned-URL refills; forced bypasses the connectivity gate.
// The caller interprets store.ErrLockHeld as "the other process has
// this file" and parks the item instead of failing it.
func (w *Worker) TryToUpload(
	ctx context.Context, file *store.File, collectionID int64, queueSize int, forced bool,
) (*store.File, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// Connectivity gate, checked before any lock is taken.
	if !w.connectivity.OnWiFi() && !w.allowMobileData && !forced {
		return nil, ErrWiFiUnavailable
	}

	// Already-uploaded shortcut: another path may have finished this
	// file since it was enqueued.
	refreshed, err := w.store.GetFile(ctx, file.GeneratedID)
	if err == nil && refreshed.HasRemoteID() &&
		refreshed.UpdationTime != store.UpdationTimeReupload &&
		refreshed.CollectionID == collectionID {
		return refreshed, nil
	}

	if refreshed != nil {
		file = refreshed
	}

	// Captured before any mutation: commitCreate may clear the local ID
	// for vanished sources, and the lock row is keyed by the original.
	localID := file.LocalID

	if err := w.store.Acquire(ctx, localID, w.owner, w.nowMicros()); err != nil {
		return nil, err
	}

	var data *media.UploadData

	filePath, thumbPath := w.tempPaths(file.GeneratedID)

	// The cleanup contract: runs on every exit path, including the
	// dedupe skip and the deadline expiry.
	defer func() {
		w.cleanup(localID, data, filePath, thumbPath)
	}()

	data, err = w.extractor.GetUploadData(file)
	if err != nil {
		if errors.Is(err, media.ErrInvalidFile) {
			w.handleInvalidFile(ctx, file)
		}

		return nil, err
	}

	// A non-nil remote ID with the re-upload sentinel means the remote
	// content must be replaced under the same remote ID.
	isUpdate := file.HasRemoteID() && file.UpdationTime == store.UpdationTimeReupload

	var fileKey []byte

	if isUpdate {
		fileKey, err = w.recoverFileKey(ctx, file)
		if err != nil {
			return nil, err
		}
	} else {
		mapped, mapErr := w.mapper.Resolve(ctx, data, file, collectionID)
		if mapErr != nil {
			return nil, mapErr
		}

		if mapped {
			// Handled by dedupe; the outer layer fulfills with the
			// candidate as-is. Cleanup still runs via the defer.
			return file, nil
		}
	}

	streamRes, err := crypt.EncryptFileStream(data.SourcePath, filePath, fileKey)
	if err != nil {
		return nil, fmt.Errorf("uploader: encrypting %s: %w", file.Title, err)
	}

	thumbBox, err := crypt.EncryptBox(data.Thumbnail, streamRes.Key)
	if err != nil {
		return nil, fmt.Errorf("uploader: encrypting thumbnail of %s: %w", file.Title, err)
	}

	if err := os.WriteFile(thumbPath, thumbBox.Data, 0o600); err != nil {
		return nil, fmt.Errorf("uploader: writing encrypted thumbnail: %w", err)
	}

	// Thumbnail first, then the file.
	thumbObjectKey, err := w.putter.Put(ctx, thumbPath, queueSize)
	if err != nil {
		return nil, err
	}

	fileObjectKey, err := w.putter.Put(ctx, filePath, queueSize)
	if err != nil {
		return nil, err
	}

	metaBox, err := w.encryptMetadata(file, data, streamRes.Key)
	if err != nil {
		return nil, err
	}

	// Cooperative stop, last check before the catalog mutation.
	if w.syncCtl.StopRequested() {
		return nil, ErrSyncStopRequested
	}

	encInfo, err := w.buildObjectInfos(filePath, fileObjectKey, thumbObjectKey, len(thumbBox.Data), streamRes, thumbBox, metaBox)
	if err != nil {
		return nil, err
	}

	if isUpdate {
		return w.commitUpdate(ctx, file, data, encInfo)
	}

	return w.commitCreate(ctx, file, data, collectionID, streamRes.Key, encInfo)
}

// encryptedInfo collects the base64-encoded wire fields for the
// catalog request.
type encryptedInfo struct {
	file      api.ObjectInfo
	thumbnail api.ObjectInfo
	metadata  api.MetadataInfo
}

// buildObjectInfos assembles the catalog request parts: object keys,
// sizes, and all decryption headers base64 encoded.
func (w *Worker) buildObjectInfos(
	filePath, fileObjectKey, thumbObjectKey string, thumbSize int,
	streamRes *crypt.StreamResult, thumbBox, metaBox *crypt.BoxResult,
) (*encryptedInfo, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("uploader: stat encrypted file: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString

	return &encryptedInfo{
		file: api.ObjectInfo{
			ObjectKey:        fileObjectKey,
			DecryptionHeader: b64(streamRes.Header),
			Size:             info.Size(),
		},
		thumbnail: api.ObjectInfo{
			ObjectKey:        thumbObjectKey,
			DecryptionHeader: b64(thumbBox.Header),
			Size:             int64(thumbSize),
		},
		metadata: api.MetadataInfo{
			EncryptedData:    b64(metaBox.Data),
			DecryptionHeader: b64(metaBox.Header),
		},
	}, nil
}

// encryptMetadata encodes the file's metadata-for-upload map as JSON
// and seals it under the file key.
func (w *Worker) encryptMetadata(file *store.File, data *media.UploadData, key []byte) (*crypt.BoxResult, error) {
	meta := map[string]any{
		"title":   media.NormalizeTitle(file.Title),
		"kind":    string(file.Kind),
		"hash":    data.FileHash,
		"localID": file.LocalID,
	}

	if data.ZipHash != "" {
		meta["zipHash"] = data.ZipHash
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("uploader: encoding metadata for %s: %w", file.Title, err)
	}

	box, err := crypt.EncryptBox(raw, key)
	if err != nil {
		return nil, fmt.Errorf("uploader: encrypting metadata for %s: %w", file.Title, err)
	}

	return box, nil
}

// commitCreate registers a new remote file and persists the result.
func (w *Worker) commitCreate(
	ctx context.Context, file *store.File, data *media.UploadData,
	collectionID int64, fileKey []byte, enc *encryptedInfo,
) (*store.File, error) {
	collectionKey, err := w.collections.GetCollectionKey(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("uploader: fetching collection key: %w", err)
	}

	wrapped, err := crypt.WrapKey(fileKey, collectionKey)
	if err != nil {
		return nil, fmt.Errorf("uploader: wrapping file key: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString

	remote, err := w.catalog.CreateFile(ctx, &api.CreateFileRequest{
		CollectionID:       collectionID,
		EncryptedKey:       b64(wrapped.Data),
		KeyDecryptionNonce: b64(wrapped.Nonce),
		File:               enc.file,
		Thumbnail:          enc.thumbnail,
		Metadata:           enc.metadata,
	})
	if err != nil {
		return nil, err
	}

	file.UploadedFileID = &remote.ID
	file.UpdationTime = remote.UpdationTime
	file.CollectionID = collectionID
	file.EncryptedKey = b64(wrapped.Data)
	file.KeyNonce = b64(wrapped.Nonce)
	file.FileHeader = enc.file.DecryptionHeader
	file.Hash = data.FileHash
	file.ZipHash = data.ZipHash

	// A source that vanished during upload must not claim the local ID:
	// the next scan of the same path is a different file.
	if data.IsDeleted {
		file.LocalID = ""
	}

	if err := w.store.UpdateFile(ctx, file); err != nil {
		return nil, err
	}

	if w.owner == store.OwnerForeground && w.bus != nil {
		w.bus.Publish(events.TopicLocalPhotosUpdated, file)
	}

	return file, nil
}

// commitUpdate replaces the content of an existing remote file and
// propagates the new columns to every collection row for that remote
// ID.
func (w *Worker) commitUpdate(
	ctx context.Context, file *store.File, data *media.UploadData, enc *encryptedInfo,
) (*store.File, error) {
	remote, err := w.catalog.UpdateFile(ctx, &api.UpdateFileRequest{
		ID:        *file.UploadedFileID,
		File:      enc.file,
		Thumbnail: enc.thumbnail,
		Metadata:  enc.metadata,
	})
	if err != nil {
		return nil, err
	}

	file.UpdationTime = remote.UpdationTime
	file.FileHeader = enc.file.DecryptionHeader
	file.Hash = data.FileHash
	file.ZipHash = data.ZipHash

	if err := w.store.UpdateAcrossCollections(ctx, file); err != nil {
		return nil, err
	}

	if w.owner == store.OwnerForeground && w.bus != nil {
		w.bus.Publish(events.TopicLocalPhotosUpdated, file)
	}

	return file, nil
}

// recoverFileKey unwraps the file key stored on a re-upload candidate.
func (w *Worker) recoverFileKey(ctx context.Context, file *store.File) ([]byte, error) {
	collectionKey, err := w.collections.GetCollectionKey(ctx, file.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("uploader: fetching collection key for update: %w", err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(file.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("uploader: decoding wrapped key of %s: %w", file.Title, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(file.KeyNonce)
	if err != nil {
		return nil, fmt.Errorf("uploader: decoding key nonce of %s: %w", file.Title, err)
	}

	key, err := crypt.UnwrapKey(wrapped, nonce, collectionKey)
	if err != nil {
		return nil, fmt.Errorf("uploader: unwrapping file key of %s: %w", file.Title, err)
	}

	return key, nil
}

// handleInvalidFile marks the source invalid so future passes skip it.
// The original error is rethrown by the caller; invalid files are
// strictly terminal for the item.
func (w *Worker) handleInvalidFile(ctx context.Context, file *store.File) {
	title := file.Title
	if title == "" {
		title = "<untitled>" + filepath.Ext(file.SourcePath)
	}

	w.logger.Warn("invalid file, marking and skipping",
		slog.String("title", title),
		slog.Int64("generated_id", file.GeneratedID),
	)

	if err := w.store.MarkInvalid(ctx, file.GeneratedID); err != nil {
		w.logger.Error("failed to mark file invalid",
			slog.Int64("generated_id", file.GeneratedID),
			slog.String("error", err.Error()),
		)
	}
}

// tempPaths returns the encrypted artifact paths for a file. The
// background personality uses a distinct suffix so the two processes
// never collide on temp names.
func (w *Worker) tempPaths(generatedID int64) (filePath, thumbPath string) {
	suffix := ""
	if w.owner == store.OwnerBackground {
		suffix = "_bg"
	}

	filePath = filepath.Join(w.tempDir, fmt.Sprintf("%d%s.encrypted", generatedID, suffix))
	thumbPath = filepath.Join(w.tempDir, fmt.Sprintf("%d_thumbnail%s.encrypted", generatedID, suffix))

	return filePath, thumbPath
}

// cleanup deletes temp artifacts, the temporary source copy when
// applicable, and releases the lock. Runs on every exit path.
func (w *Worker) cleanup(localID string, data *media.UploadData, filePath, thumbPath string) {
	if data != nil && data.IsTempCopy {
		if err := os.Remove(data.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to delete temporary source copy",
				slog.String("path", data.SourcePath),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, p := range []string{filePath, thumbPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to delete encrypted temp file",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}

	// Release with a fresh context: the upload context may already be
	// expired, and an unreleased lock blocks the file for a day.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.Release(releaseCtx, localID, w.owner); err != nil {
		w.logger.Error("failed to release upload lock",
			slog.String("local_id", localID),
			slog.String("error", err.Error()),
		)
	}
}
