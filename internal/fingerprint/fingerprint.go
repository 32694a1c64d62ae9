package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"coverforge/internal/services"
)

const (
	// DefaultDigestSize matches the identities produced by earlier releases.
	DefaultDigestSize = 5
	// RecommendedDigestSize keeps collision probability negligible for large caches.
	RecommendedDigestSize = 16
	// MaxDigestSize is the largest BLAKE2b output.
	MaxDigestSize = blake2b.Size
)

// Fingerprint is a lowercase hex BLAKE2b digest.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Size returns the digest length in bytes.
func (f Fingerprint) Size() int { return len(f) / 2 }

// Prefix returns the first n hex characters, or the whole fingerprint when shorter.
func (f Fingerprint) Prefix(n int) string {
	if n >= len(f) {
		return string(f)
	}
	return string(f[:n])
}

// Parse validates a user-supplied fingerprint string.
func Parse(value string) (Fingerprint, error) {
	value = strings.TrimSpace(value)
	if value == "" || len(value)%2 != 0 || len(value) > MaxDigestSize*2 {
		return "", services.Wrap(services.ErrValidation, "fingerprint", "parse", fmt.Sprintf("invalid fingerprint %q", value), nil)
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", services.Wrap(services.ErrValidation, "fingerprint", "parse", fmt.Sprintf("invalid fingerprint %q", value), nil)
		}
	}
	return Fingerprint(value), nil
}

// Params canonicalizes fields and digests the encoding.
func Params(fields []Field, size int) (Fingerprint, error) {
	encoded, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	return Bytes(encoded, size)
}

// Bytes digests data directly.
func Bytes(data []byte, size int) (Fingerprint, error) {
	h, err := newHash(size)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return sum(h), nil
}

// File streams the file at path through the digest. A missing file reports
// services.ErrNotFound; other failures report services.ErrIO.
func File(path string, size int) (Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", services.Wrap(services.ErrNotFound, "fingerprint", "open file", path, err)
		}
		return "", services.Wrap(services.ErrIO, "fingerprint", "open file", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", services.Wrap(services.ErrIO, "fingerprint", "stat file", path, err)
	}
	if info.IsDir() {
		return "", services.Wrap(services.ErrIO, "fingerprint", "open file", path+" is a directory", nil)
	}
	return Reader(file, size)
}

// Reader streams r through the digest.
func Reader(r io.Reader, size int) (Fingerprint, error) {
	h, err := newHash(size)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", services.Wrap(services.ErrIO, "fingerprint", "read content", "", err)
	}
	return sum(h), nil
}

// Composite digests a kind tag followed by each component. Components are
// length-prefixed so no two distinct sequences share an encoding.
func Composite(kind string, size int, components ...[]byte) (Fingerprint, error) {
	h, err := newHash(size)
	if err != nil {
		return "", err
	}
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeField([]byte(kind))
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(components)))
	h.Write(count[:])
	for _, component := range components {
		writeField(component)
	}
	return sum(h), nil
}

// ValidateSize reports whether size is a usable digest length.
func ValidateSize(size int) error {
	if size < 1 || size > MaxDigestSize {
		return services.Wrap(services.ErrConfiguration, "fingerprint", "digest size", fmt.Sprintf("must be between 1 and %d, got %d", MaxDigestSize, size), nil)
	}
	return nil
}

func newHash(size int) (hash.Hash, error) {
	if err := ValidateSize(size); err != nil {
		return nil, err
	}
	h, err := blake2b.New(size, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "fingerprint", "init digest", "", err)
	}
	return h, nil
}

func sum(h hash.Hash) Fingerprint {
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Hasher accumulates a content digest incrementally.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a streaming digest of the given size.
func NewHasher(size int) (*Hasher, error) {
	h, err := newHash(size)
	if err != nil {
		return nil, err
	}
	return &Hasher{h: h}, nil
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the fingerprint of everything written so far.
func (h *Hasher) Sum() Fingerprint { return sum(h.h) }
