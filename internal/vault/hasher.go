package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrEmpty rejects zero-byte objects before any transport is touched.
var ErrEmpty = errors.New("object is empty")

const hashChunkSize = 64 * 1024

// HashReader consumes r and returns the hex content hash and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("hash: %w", err)
		}
	}
	if total == 0 {
		return "", 0, ErrEmpty
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// HashFile hashes the file at path. A missing or unreadable path is
// reported as ErrNotFound.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return "", 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}
