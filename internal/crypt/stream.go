// Package crypt implements the encryption primitives the upload engine
// consumes: chunked stream encryption for file content, one-shot AEAD
// for thumbnails and metadata, symmetric key wrapping for collection
// keys, and blake2b content hashing.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length for all primitives here.
const KeySize = chacha20poly1305.KeySize

// streamChunkSize is the plaintext chunk length for stream encryption.
// Each chunk is sealed independently so huge files never load into
// memory at once.
const streamChunkSize = 64 * 1024

// streamHeaderSize is the random per-file header length. The header
// seeds the per-chunk nonces (header || little-endian chunk counter).
const streamHeaderSize = chacha20poly1305.NonceSizeX - 8

// ErrDecryptFailed is returned when a ciphertext fails authentication.
var ErrDecryptFailed = errors.New("crypt: decryption failed")

// StreamResult reports the key and header of a stream encryption. The
// header must be stored alongside the ciphertext (base64, in the file
// record) for later decryption.
type StreamResult struct {
	Key    []byte
	Header []byte
}

// EncryptFileStream encrypts srcPath to dstPath in sealed chunks. When
// key is nil a fresh random key is generated and returned. Any existing
// file at dstPath is replaced.
func EncryptFileStream(srcPath, dstPath string, key []byte) (*StreamResult, error) {
	if key == nil {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("crypt: generating file key: %w", err)
		}
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("crypt: file key must be %d bytes, got %d", KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: creating stream cipher: %w", err)
	}

	header := make([]byte, streamHeaderSize)
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("crypt: generating stream header: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("crypt: opening source %s: %w", srcPath, err)
	}
	defer src.Close()

	// Replace any stale artifact from a previous attempt.
	if err := os.Remove(dstPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("crypt: removing stale ciphertext %s: %w", dstPath, err)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("crypt: creating ciphertext %s: %w", dstPath, err)
	}

	if err := encryptChunks(aead, header, src, dst); err != nil {
		dst.Close()
		os.Remove(dstPath)

		return nil, err
	}

	if err := dst.Close(); err != nil {
		os.Remove(dstPath)

		return nil, fmt.Errorf("crypt: closing ciphertext %s: %w", dstPath, err)
	}

	return &StreamResult{Key: key, Header: header}, nil
}

// encryptChunks seals plaintext chunks with counter-derived nonces.
// Each ciphertext chunk is preceded by a 4-byte big-endian length.
func encryptChunks(aead cipher.AEAD, header []byte, src io.Reader, dst io.Writer) error {
	buf := make([]byte, streamChunkSize)
	lenPrefix := make([]byte, 4)

	var counter uint64

	for {
		n, readErr := io.ReadFull(src, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("crypt: reading plaintext chunk: %w", readErr)
		}

		if n > 0 {
			sealed := aead.Seal(nil, chunkNonce(header, counter), buf[:n], nil)

			binary.BigEndian.PutUint32(lenPrefix, uint32(len(sealed)))

			if _, err := dst.Write(lenPrefix); err != nil {
				return fmt.Errorf("crypt: writing chunk length: %w", err)
			}

			if _, err := dst.Write(sealed); err != nil {
				return fmt.Errorf("crypt: writing ciphertext chunk: %w", err)
			}

			counter++
		}

		if readErr != nil {
			return nil // EOF or short final chunk
		}
	}
}

// DecryptFileStream reverses EncryptFileStream. Used by restore paths
// and by tests to verify round trips.
func DecryptFileStream(srcPath, dstPath string, key, header []byte) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("crypt: creating stream cipher: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("crypt: opening ciphertext %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("crypt: creating plaintext %s: %w", dstPath, err)
	}
	defer dst.Close()

	lenPrefix := make([]byte, 4)

	var counter uint64

	for {
		if _, err := io.ReadFull(src, lenPrefix); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("crypt: reading chunk length: %w", err)
		}

		sealed := make([]byte, binary.BigEndian.Uint32(lenPrefix))
		if _, err := io.ReadFull(src, sealed); err != nil {
			return fmt.Errorf("crypt: reading ciphertext chunk: %w", err)
		}

		plain, openErr := aead.Open(nil, chunkNonce(header, counter), sealed, nil)
		if openErr != nil {
			return fmt.Errorf("%w: chunk %d", ErrDecryptFailed, counter)
		}

		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("crypt: writing plaintext chunk: %w", err)
		}

		counter++
	}
}

// chunkNonce builds the 24-byte XChaCha20 nonce for a chunk: the random
// per-file header followed by the little-endian chunk counter.
func chunkNonce(header []byte, counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, header)
	binary.LittleEndian.PutUint64(nonce[streamHeaderSize:], counter)

	return nonce
}
