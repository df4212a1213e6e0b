// Package sha256 computes the hex digests used for source fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var _ watcher.Hasher = Hasher{}

// Hasher implements watcher.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
