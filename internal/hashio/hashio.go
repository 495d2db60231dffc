// Package hashio computes content digests over streams without disturbing
// the caller's read position.
package hashio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// SHA256Hex streams the full content through SHA-256 and returns the hex
// digest. The stream's offset is restored before returning so the same
// stream can be read again from where the caller left it.
func SHA256Hex(rs io.ReadSeeker) (string, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("save offset: %w", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, rs); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("restore offset: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256HexBytes returns the hex SHA-256 digest of b.
func SHA256HexBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
