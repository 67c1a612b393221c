// Package collections resolves collection keys and links uploaded
// files into collections. Collection keys arrive from the catalog
// wrapped under the account master key and are unwrapped client side;
// the server never sees a plaintext key.
package collections

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arkivault/arkivault-go/internal/api"
	"github.com/arkivault/arkivault-go/internal/crypt"
	"github.com/arkivault/arkivault-go/internal/store"
)

// Service implements collection key resolution and membership linking
// on top of the catalog client. Keys are cached per collection for the
// life of the process.
type Service struct {
	client    *api.Client
	store     *store.Store
	masterKey []byte
	logger    *slog.Logger

	mu   sync.Mutex
	keys map[int64][]byte
}

// New creates a collections service. masterKey is the account master
// key used to unwrap collection keys.
func New(client *api.Client, st *store.Store, masterKey []byte, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		client:    client,
		store:     st,
		masterKey: masterKey,
		logger:    logger,
		keys:      map[int64][]byte{},
	}
}

// GetCollectionKey returns the plaintext key of a collection, fetching
// and unwrapping it on first use.
func (s *Service) GetCollectionKey(ctx context.Context, collectionID int64) ([]byte, error) {
	s.mu.Lock()
	if key, ok := s.keys[collectionID]; ok {
		s.mu.Unlock()

		return key, nil
	}
	s.mu.Unlock()

	coll, err := s.client.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("collections: fetching collection %d: %w", collectionID, err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(coll.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("collections: decoding collection %d key: %w", collectionID, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(coll.KeyNonce)
	if err != nil {
		return nil, fmt.Errorf("collections: decoding collection %d key nonce: %w", collectionID, err)
	}

	key, err := crypt.UnwrapKey(wrapped, nonce, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("collections: unwrapping collection %d key: %w", collectionID, err)
	}

	s.mu.Lock()
	s.keys[collectionID] = key
	s.mu.Unlock()

	return key, nil
}

// AddToCollection links an uploaded file into another collection: the
// file key is unwrapped with its home collection's key, re-wrapped
// under the target collection's key, and registered server side.
func (s *Service) AddToCollection(ctx context.Context, collectionID int64, file *store.File) error {
	if !file.HasRemoteID() {
		return fmt.Errorf("collections: file %d has no remote ID", file.GeneratedID)
	}

	wrapped, err := s.rewrapKey(ctx, collectionID, file)
	if err != nil {
		return err
	}

	req := &api.AddFilesRequest{
		CollectionID: collectionID,
		Files: []api.AddFilesItem{{
			ID:                 *file.UploadedFileID,
			EncryptedKey:       base64.StdEncoding.EncodeToString(wrapped.Data),
			KeyDecryptionNonce: base64.StdEncoding.EncodeToString(wrapped.Nonce),
		}},
	}

	if err := s.client.AddFilesToCollection(ctx, req); err != nil {
		return fmt.Errorf("collections: adding file %d to collection %d: %w",
			*file.UploadedFileID, collectionID, err)
	}

	s.logger.Info("added file to collection",
		slog.Int64("remote_id", *file.UploadedFileID),
		slog.Int64("collection_id", collectionID),
	)

	return nil
}

// LinkExistingUpload maps a never-uploaded candidate row onto an
// already-uploaded file from a different collection. The existing
// upload is linked into the target collection server side and the
// candidate row is stamped with the existing file's remote identity
// and re-wrapped key.
func (s *Service) LinkExistingUpload(ctx context.Context, collectionID int64, candidate, existing *store.File) error {
	if !existing.HasRemoteID() {
		return fmt.Errorf("collections: existing file %d has no remote ID", existing.GeneratedID)
	}

	wrapped, err := s.rewrapKey(ctx, collectionID, existing)
	if err != nil {
		return err
	}

	req := &api.AddFilesRequest{
		CollectionID: collectionID,
		Files: []api.AddFilesItem{{
			ID:                 *existing.UploadedFileID,
			EncryptedKey:       base64.StdEncoding.EncodeToString(wrapped.Data),
			KeyDecryptionNonce: base64.StdEncoding.EncodeToString(wrapped.Nonce),
		}},
	}

	if err := s.client.AddFilesToCollection(ctx, req); err != nil {
		return fmt.Errorf("collections: linking file %d into collection %d: %w",
			*existing.UploadedFileID, collectionID, err)
	}

	candidate.UploadedFileID = existing.UploadedFileID
	candidate.UpdationTime = existing.UpdationTime
	candidate.CollectionID = collectionID
	candidate.Hash = existing.Hash
	candidate.ZipHash = existing.ZipHash
	candidate.FileHeader = existing.FileHeader
	candidate.EncryptedKey = base64.StdEncoding.EncodeToString(wrapped.Data)
	candidate.KeyNonce = base64.StdEncoding.EncodeToString(wrapped.Nonce)

	if err := s.store.UpdateFile(ctx, candidate); err != nil {
		return err
	}

	return nil
}

// rewrapKey unwraps file's key with its home collection key and wraps
// it under the target collection's key.
func (s *Service) rewrapKey(ctx context.Context, targetID int64, file *store.File) (*crypt.WrapResult, error) {
	homeKey, err := s.GetCollectionKey(ctx, file.CollectionID)
	if err != nil {
		return nil, err
	}

	wrapped, err := base64.StdEncoding.DecodeString(file.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("collections: decoding file %d key: %w", file.GeneratedID, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(file.KeyNonce)
	if err != nil {
		return nil, fmt.Errorf("collections: decoding file %d key nonce: %w", file.GeneratedID, err)
	}

	fileKey, err := crypt.UnwrapKey(wrapped, nonce, homeKey)
	if err != nil {
		return nil, fmt.Errorf("collections: unwrapping file %d key: %w", file.GeneratedID, err)
	}

	targetKey, err := s.GetCollectionKey(ctx, targetID)
	if err != nil {
		return nil, err
	}

	rewrapped, err := crypt.WrapKey(fileKey, targetKey)
	if err != nil {
		return nil, fmt.Errorf("collections: re-wrapping file %d key: %w", file.GeneratedID, err)
	}

	return rewrapped, nil
}
