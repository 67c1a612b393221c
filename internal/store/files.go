package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrFileNotFound is returned when a files row does not exist.
var ErrFileNotFound = errors.New("store: file not found")

// FileKind is the media type of a local file.
type FileKind string

const (
	KindImage     FileKind = "image"
	KindVideo     FileKind = "video"
	KindLivePhoto FileKind = "livePhoto"
)

// noRemoteID is the sentinel some callers historically stored instead
// of NULL for "never uploaded". Both are treated as no remote ID.
const noRemoteID = -1

// UpdationTimeReupload marks a remote file whose content must be
// re-uploaded (same remote ID, new object keys).
const UpdationTimeReupload = -1

// File is a row in the local files catalog. UploadedFileID is nil (or
// the -1 sentinel) until the remote catalog accepts the file.
type File struct {
	GeneratedID    int64
	LocalID        string
	Title          string
	Kind           FileKind
	SourcePath     string
	CollectionID   int64
	UploadedFileID *int64
	UpdationTime   int64
	OwnerID        int64
	Hash           string
	ZipHash        string
	EncryptedKey   string
	KeyNonce       string
	FileHeader     string
	IsInvalid      bool
}

// HasRemoteID reports whether the file carries a valid remote catalog ID.
func (f *File) HasRemoteID() bool {
	return f.UploadedFileID != nil && *f.UploadedFileID != noRemoteID
}

const fileSelectCols = `SELECT generated_id, local_id, title, kind, source_path,
	collection_id, uploaded_file_id, updation_time, owner_id,
	hash, zip_hash, encrypted_key, key_nonce, file_header, is_invalid
 FROM files `

// GetFile returns the file with the given generated ID.
func (s *Store) GetFile(ctx context.Context, generatedID int64) (*File, error) {
	row := s.db.QueryRowContext(ctx, fileSelectCols+`WHERE generated_id = ?`, generatedID)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: generated_id %d", ErrFileNotFound, generatedID)
	}

	return f, err
}

// InsertFile inserts a new files row and returns its generated ID.
func (s *Store) InsertFile(ctx context.Context, f *File) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO files (local_id, title, kind, source_path, collection_id,
			uploaded_file_id, updation_time, owner_id, hash, zip_hash,
			encrypted_key, key_nonce, file_header, is_invalid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(f.LocalID), f.Title, string(f.Kind), f.SourcePath,
		nullIfZero(f.CollectionID), nullableID(f.UploadedFileID), f.UpdationTime,
		f.OwnerID, f.Hash, f.ZipHash, f.EncryptedKey, f.KeyNonce, f.FileHeader,
		boolToInt(f.IsInvalid))
	if err != nil {
		return 0, fmt.Errorf("store: inserting file %q: %w", f.Title, err)
	}

	id, idErr := result.LastInsertId()
	if idErr != nil {
		return 0, fmt.Errorf("store: insert file last ID: %w", idErr)
	}

	f.GeneratedID = id

	return id, nil
}

// UpdateFile persists all mutable columns of f by generated ID.
func (s *Store) UpdateFile(ctx context.Context, f *File) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET local_id = ?, title = ?, kind = ?, source_path = ?,
			collection_id = ?, uploaded_file_id = ?, updation_time = ?,
			owner_id = ?, hash = ?, zip_hash = ?, encrypted_key = ?,
			key_nonce = ?, file_header = ?, is_invalid = ?
		 WHERE generated_id = ?`,
		nullIfEmpty(f.LocalID), f.Title, string(f.Kind), f.SourcePath,
		nullIfZero(f.CollectionID), nullableID(f.UploadedFileID), f.UpdationTime,
		f.OwnerID, f.Hash, f.ZipHash, f.EncryptedKey, f.KeyNonce, f.FileHeader,
		boolToInt(f.IsInvalid), f.GeneratedID)
	if err != nil {
		return fmt.Errorf("store: updating file %d: %w", f.GeneratedID, err)
	}

	return nil
}

// DeleteFileByGeneratedID removes a files row.
func (s *Store) DeleteFileByGeneratedID(ctx context.Context, generatedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE generated_id = ?`, generatedID)
	if err != nil {
		return fmt.Errorf("store: deleting file %d: %w", generatedID, err)
	}

	return nil
}

// UploadedWithHashes returns all remote-present files owned by ownerID
// with the given kind whose content hash matches any entry in hashes,
// in generated-ID order. Callers use the first match for dedupe.
func (s *Store) UploadedWithHashes(
	ctx context.Context, hashes []string, kind FileKind, ownerID int64,
) ([]File, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(hashes)), ", ")
	args := make([]any, 0, len(hashes)+2)

	for _, h := range hashes {
		args = append(args, h)
	}

	args = append(args, string(kind), ownerID)

	query := fileSelectCols + `WHERE hash IN (` + placeholders + `)
		AND kind = ? AND owner_id = ?
		AND uploaded_file_id IS NOT NULL AND uploaded_file_id != -1
		ORDER BY generated_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying uploaded files by hash: %w", err)
	}
	defer rows.Close()

	var result []File

	for rows.Next() {
		f, scanErr := scanFile(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating hash matches: %w", err)
	}

	return result, nil
}

// UpdateAcrossCollections propagates the re-uploaded content columns of
// f to every row sharing its remote ID. Collection membership rows keep
// their own local_id and collection_id.
func (s *Store) UpdateAcrossCollections(ctx context.Context, f *File) error {
	if !f.HasRemoteID() {
		return fmt.Errorf("store: update across collections without remote ID (file %d)", f.GeneratedID)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET updation_time = ?, hash = ?, zip_hash = ?,
			encrypted_key = ?, key_nonce = ?, file_header = ?
		 WHERE uploaded_file_id = ?`,
		f.UpdationTime, f.Hash, f.ZipHash, f.EncryptedKey, f.KeyNonce,
		f.FileHeader, *f.UploadedFileID)
	if err != nil {
		return fmt.Errorf("store: updating file %d across collections: %w", f.GeneratedID, err)
	}

	return nil
}

// MarkInvalid flags a file so future backup passes skip it.
func (s *Store) MarkInvalid(ctx context.Context, generatedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET is_invalid = 1 WHERE generated_id = ?`, generatedID)
	if err != nil {
		return fmt.Errorf("store: marking file %d invalid: %w", generatedID, err)
	}

	return nil
}

// ListNotUploaded returns all valid files without a remote ID for the
// owner, in generated-ID order. The backup command enqueues these.
func (s *Store) ListNotUploaded(ctx context.Context, ownerID int64) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, fileSelectCols+
		`WHERE owner_id = ? AND is_invalid = 0
		 AND (uploaded_file_id IS NULL OR uploaded_file_id = -1)
		 ORDER BY generated_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending files: %w", err)
	}
	defer rows.Close()

	var result []File

	for rows.Next() {
		f, scanErr := scanFile(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating pending files: %w", err)
	}

	return result, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanFile.
type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*File, error) {
	var (
		f            File
		localID      sql.NullString
		collectionID sql.NullInt64
		uploadedID   sql.NullInt64
		isInvalid    int
	)

	err := row.Scan(&f.GeneratedID, &localID, &f.Title, (*string)(&f.Kind),
		&f.SourcePath, &collectionID, &uploadedID, &f.UpdationTime, &f.OwnerID,
		&f.Hash, &f.ZipHash, &f.EncryptedKey, &f.KeyNonce, &f.FileHeader,
		&isInvalid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("store: scanning file row: %w", err)
	}

	f.LocalID = localID.String
	f.IsInvalid = isInvalid != 0

	if collectionID.Valid {
		f.CollectionID = collectionID.Int64
	}

	if uploadedID.Valid {
		id := uploadedID.Int64
		f.UploadedFileID = &id
	}

	return &f, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfZero(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullableID(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *p, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
