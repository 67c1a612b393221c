package crypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// BoxResult is a one-shot AEAD encryption: ciphertext plus the nonce
// ("decryption header") needed to open it.
type BoxResult struct {
	Data   []byte
	Header []byte
}

// EncryptBox seals plaintext under key with a random nonce. Used for
// thumbnails and the metadata blob, which fit in memory.
func EncryptBox(plaintext, key []byte) (*BoxResult, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: creating box cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: generating box nonce: %w", err)
	}

	return &BoxResult{
		Data:   aead.Seal(nil, nonce, plaintext, nil),
		Header: nonce,
	}, nil
}

// DecryptBox opens a BoxResult ciphertext.
func DecryptBox(data, header, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: creating box cipher: %w", err)
	}

	plain, err := aead.Open(nil, header, data, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plain, nil
}

// WrapResult is a wrapped key: secretbox ciphertext plus its nonce.
type WrapResult struct {
	Data  []byte
	Nonce []byte
}

// WrapKey encrypts fileKey under collectionKey with nacl secretbox.
// The result is stored on the remote file record so any device holding
// the collection key can recover the file key.
func WrapKey(fileKey, collectionKey []byte) (*WrapResult, error) {
	if len(collectionKey) != KeySize {
		return nil, fmt.Errorf("crypt: collection key must be %d bytes, got %d", KeySize, len(collectionKey))
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypt: generating wrap nonce: %w", err)
	}

	var key [KeySize]byte
	copy(key[:], collectionKey)

	sealed := secretbox.Seal(nil, fileKey, &nonce, &key)

	return &WrapResult{Data: sealed, Nonce: nonce[:]}, nil
}

// UnwrapKey recovers a file key wrapped with WrapKey. The update path
// uses this to re-encrypt content under the original file key.
func UnwrapKey(data, nonceBytes, collectionKey []byte) ([]byte, error) {
	if len(nonceBytes) != 24 {
		return nil, fmt.Errorf("crypt: wrap nonce must be 24 bytes, got %d", len(nonceBytes))
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	var key [KeySize]byte
	copy(key[:], collectionKey)

	plain, ok := secretbox.Open(nil, data, &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}

	return plain, nil
}
