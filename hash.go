// Package clockwork holds the types shared by the Clockwork.earth publishing
// site: content hashes for stored documents and storage object keys.
package clockwork

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest of a document body.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ETag returns the hash as a strong HTTP entity tag.
func (h Hash) ETag() string {
	return `"` + h.ShortString() + `"`
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
