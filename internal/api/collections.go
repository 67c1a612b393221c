package api

import (
	"context"
	"fmt"
	"net/http"
)

// Collection is a catalog album record. EncryptedKey is the collection
// key wrapped under the account master key, base64 encoded.
type Collection struct {
	ID           int64  `json:"id"`
	OwnerID      int64  `json:"ownerID"`
	EncryptedKey string `json:"encryptedKey"`
	KeyNonce     string `json:"keyDecryptionNonce"`
}

type collectionResponse struct {
	Collection Collection `json:"collection"`
}

// GetCollection fetches one collection record.
func (c *Client) GetCollection(ctx context.Context, collectionID int64) (*Collection, error) {
	var resp collectionResponse

	path := fmt.Sprintf("/collections/%d", collectionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &resp.Collection, nil
}

// AddFilesItem carries one file's membership in a collection: the file
// key re-wrapped under the target collection's key.
type AddFilesItem struct {
	ID                 int64  `json:"id"`
	EncryptedKey       string `json:"encryptedKey"`
	KeyDecryptionNonce string `json:"keyDecryptionNonce"`
}

// AddFilesRequest links already-uploaded files into a collection.
type AddFilesRequest struct {
	CollectionID int64          `json:"collectionID"`
	Files        []AddFilesItem `json:"files"`
}

// AddFilesToCollection links uploaded files into another collection
// without re-uploading their bytes.
func (c *Client) AddFilesToCollection(ctx context.Context, req *AddFilesRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/collections/add-files", req, nil)
}
