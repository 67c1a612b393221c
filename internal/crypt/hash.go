package crypt

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// HashFile computes the blake2b-256 content hash of the file at path,
// base64 encoded. This is the hash the mapping resolver matches on.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("crypt: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("crypt: creating hasher: %w", err)
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("crypt: hashing %s: %w", path, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the blake2b-256 hash of b, base64 encoded.
func HashBytes(b []byte) string {
	sum := blake2b.Sum256(b)

	return base64.StdEncoding.EncodeToString(sum[:])
}
