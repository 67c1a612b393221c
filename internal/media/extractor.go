// Package media produces upload data for local files: content hashes,
// thumbnail bytes, and live-photo pairing. It also watches the media
// directory for deletions and feeds them to the event bus.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/arkivault/arkivault-go/internal/crypt"
	"github.com/arkivault/arkivault-go/internal/store"
)

// ErrInvalidFile marks a source that cannot be uploaded (missing,
// unreadable, or empty). Strictly terminal for the queue item.
var ErrInvalidFile = errors.New("media: invalid file")

// thumbnailSidecarExt is appended to the source path to locate a
// pre-generated thumbnail.
const thumbnailSidecarExt = ".thumb"

// livePhotoPairExt is the companion archive of a live photo; its hash
// participates in dedupe matching.
const livePhotoPairExt = ".zip"

// fallbackThumbnail is a 1x1 gray JPEG used when no sidecar thumbnail
// exists. The real preview is regenerated client-side after restore.
var fallbackThumbnail = []byte{
	0xff, 0xd8, 0xff, 0xdb, 0x00, 0x43, 0x00, 0x03, 0x02, 0x02,
	0x02, 0x02, 0x02, 0x03, 0x02, 0x02, 0x02, 0x03, 0x03, 0x03,
	0x03, 0x04, 0x06, 0x04, 0x04, 0x04, 0x04, 0x04, 0x08, 0x06,
	0x06, 0x05, 0x06, 0x09, 0x08, 0x0a, 0x0a, 0x09, 0x08, 0x09,
	0x09, 0x0a, 0x0c, 0x0f, 0x0c, 0x0a, 0x0b, 0x0e, 0x0b, 0x09,
	0x09, 0x0d, 0x11, 0x0d, 0x0e, 0x0f, 0x10, 0x10, 0x11, 0x10,
	0x0a, 0x0c, 0x12, 0x13, 0x12, 0x10, 0x13, 0x0f, 0x10, 0x10,
	0x10, 0xff, 0xc9, 0x00, 0x0b, 0x08, 0x00, 0x01, 0x00, 0x01,
	0x01, 0x01, 0x11, 0x00, 0xff, 0xcc, 0x00, 0x06, 0x00, 0x10,
	0x10, 0x05, 0xff, 0xda, 0x00, 0x08, 0x01, 0x01, 0x00, 0x00,
	0x3f, 0x00, 0xd2, 0xcf, 0x20, 0xff, 0xd9,
}

// UploadData is everything the upload worker needs about a source file
// beyond its catalog record.
type UploadData struct {
	SourcePath string
	Thumbnail  []byte
	FileHash   string
	ZipHash    string // live photos only
	IsDeleted  bool   // source vanished after extraction started
	IsTempCopy bool   // source is a temporary copy; delete after upload
}

// Extractor produces UploadData for a file record. The engine accepts
// this interface; FSExtractor is the production implementation.
type Extractor interface {
	GetUploadData(f *store.File) (*UploadData, error)
}

// FSExtractor reads sources straight from the filesystem.
type FSExtractor struct {
	logger *slog.Logger
}

// NewFSExtractor creates the filesystem-backed extractor.
func NewFSExtractor(logger *slog.Logger) *FSExtractor {
	if logger == nil {
		logger = slog.Default()
	}

	return &FSExtractor{logger: logger}
}

// GetUploadData stats and hashes the source file, locates a sidecar
// thumbnail, and hashes the live-photo companion archive when present.
func (e *FSExtractor) GetUploadData(f *store.File) (*UploadData, error) {
	info, err := os.Stat(f.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, f.SourcePath, err)
	}

	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty or a directory", ErrInvalidFile, f.SourcePath)
	}

	hash, err := crypt.HashFile(f.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing %s: %v", ErrInvalidFile, f.SourcePath, err)
	}

	data := &UploadData{
		SourcePath: f.SourcePath,
		FileHash:   hash,
		Thumbnail:  e.loadThumbnail(f.SourcePath),
	}

	if f.Kind == store.KindLivePhoto {
		pairPath := strings.TrimSuffix(f.SourcePath, ext(f.SourcePath)) + livePhotoPairExt
		if zipHash, zipErr := crypt.HashFile(pairPath); zipErr == nil {
			data.ZipHash = zipHash
		}
	}

	return data, nil
}

// loadThumbnail returns the sidecar thumbnail bytes, or the embedded
// fallback when no sidecar exists.
func (e *FSExtractor) loadThumbnail(sourcePath string) []byte {
	b, err := os.ReadFile(sourcePath + thumbnailSidecarExt)
	if err == nil && len(b) > 0 {
		return b
	}

	e.logger.Debug("no sidecar thumbnail, using fallback",
		slog.String("path", sourcePath),
	)

	return fallbackThumbnail
}

// NormalizeTitle returns the NFC form of a file title. macOS and iOS
// produce NFD names; normalizing keeps hashes of the metadata map and
// dedupe comparisons stable across platforms.
func NormalizeTitle(title string) string {
	return norm.NFC.String(title)
}

// KindForTitle infers the media kind from a file title's extension.
func KindForTitle(title string) store.FileKind {
	switch strings.ToLower(ext(title)) {
	case ".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v":
		return store.KindVideo
	case ".pvt":
		return store.KindLivePhoto
	default:
		return store.KindImage
	}
}

func ext(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}

	return ""
}
