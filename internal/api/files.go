package api

import (
	"context"
	"log/slog"
	"net/http"
)

// ObjectInfo describes one uploaded blob within a file record.
type ObjectInfo struct {
	ObjectKey        string `json:"objectKey"`
	DecryptionHeader string `json:"decryptionHeader"`
	Size             int64  `json:"size"`
}

// MetadataInfo carries the encrypted metadata blob.
type MetadataInfo struct {
	EncryptedData    string `json:"encryptedData"`
	DecryptionHeader string `json:"decryptionHeader"`
}

// CreateFileRequest is the body of POST /files. EncryptedKey and
// KeyDecryptionNonce wrap the file key under the destination
// collection key.
type CreateFileRequest struct {
	CollectionID       int64        `json:"collectionID"`
	EncryptedKey       string       `json:"encryptedKey"`
	KeyDecryptionNonce string       `json:"keyDecryptionNonce"`
	File               ObjectInfo   `json:"file"`
	Thumbnail          ObjectInfo   `json:"thumbnail"`
	Metadata           MetadataInfo `json:"metadata"`
}

// UpdateFileRequest is the body of PUT /files/update: new object keys
// and headers for an existing remote file.
type UpdateFileRequest struct {
	ID        int64        `json:"id"`
	File      ObjectInfo   `json:"file"`
	Thumbnail ObjectInfo   `json:"thumbnail"`
	Metadata  MetadataInfo `json:"metadata"`
}

// RemoteFile is the catalog's view of a file after create or update.
type RemoteFile struct {
	ID           int64 `json:"id"`
	UpdationTime int64 `json:"updationTime"`
	OwnerID      int64 `json:"ownerID"`
}

// CreateFile registers a freshly uploaded file with the catalog.
// 413 and 426 are surfaced as their sentinels without retry; other
// failures retry up to maxAttempts with the fixed catalog backoff.
func (c *Client) CreateFile(ctx context.Context, req *CreateFileRequest) (*RemoteFile, error) {
	c.logger.Debug("creating remote file", slog.Int64("collection_id", req.CollectionID))

	var out RemoteFile
	if err := c.doJSON(ctx, http.MethodPost, "/files", req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UpdateFile replaces the content of an existing remote file.
func (c *Client) UpdateFile(ctx context.Context, req *UpdateFileRequest) (*RemoteFile, error) {
	c.logger.Debug("updating remote file", slog.Int64("id", req.ID))

	var out RemoteFile
	if err := c.doJSON(ctx, http.MethodPut, "/files/update", req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}
