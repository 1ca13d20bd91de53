// Package blobhash maps a content-addressed cache key to a stable, two-level
// filesystem path.
//
// A KeyHash is a fixed-width digest of a key. It encodes to
// "<root>/<first hex byte>/<remaining hex>": the first-byte directory fans
// the tree out to at most 256 entries, and the leaf filename is the rest of
// the digest. Every on-disk blob's path must satisfy
// KeyHash(metadata.Key) == FromPath(root, blobPath); callers that find a
// mismatch at scan time treat it as an invariant violation, not a request
// error (see [blobstore]).
package blobhash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest width in bytes.
const Size = 32

// KeyHash is a fixed-width digest of a key.
type KeyHash [Size]byte

// ErrInvalidPath indicates a path does not encode a well-formed KeyHash.
var ErrInvalidPath = errors.New("blobhash: invalid path")

// Hash computes the KeyHash of key.
func Hash(key []byte) KeyHash {
	return KeyHash(blake2b.Sum256(key))
}

// String returns the lowercase hex encoding of h.
func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// Path returns the two-level path for h under root.
func (h KeyHash) Path(root string) string {
	enc := hex.EncodeToString(h[:])

	return filepath.Join(root, enc[:2], enc[2:])
}

// DirName returns the first-level fan-out directory name for h, without root.
func (h KeyHash) DirName() string {
	return hex.EncodeToString(h[:1])
}

// LeafName returns the leaf filename for h, without root or fan-out directory.
func (h KeyHash) LeafName() string {
	return hex.EncodeToString(h[1:])
}

// FromPath parses the KeyHash encoded by a path produced by [KeyHash.Path].
// path must be root joined with the two components Path produces; a path
// not under root, or with any other shape relative to it, is rejected.
func FromPath(root, path string) (KeyHash, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return KeyHash{}, fmt.Errorf("%w: %q is not under %q", ErrInvalidPath, path, root)
	}

	dir, leaf := filepath.Split(rel)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))

	return decode(dir, leaf)
}

// MatchBlobDir reports whether name is a well-formed first-level fan-out
// directory name (two lowercase hex characters).
func MatchBlobDir(name string) bool {
	if len(name) != 2 {
		return false
	}

	_, err := hex.DecodeString(name)

	return err == nil && name == strings.ToLower(name)
}

// MatchBlob reports whether dirName/leafName together encode a well-formed
// KeyHash, and returns it if so.
func MatchBlob(dirName, leafName string) (KeyHash, bool) {
	h, err := decode(dirName, leafName)
	if err != nil {
		return KeyHash{}, false
	}

	return h, true
}

func decode(dirName, leafName string) (KeyHash, error) {
	if len(dirName) != 2 || len(leafName) != (Size-1)*2 {
		return KeyHash{}, fmt.Errorf("%w: %q/%q has the wrong shape", ErrInvalidPath, dirName, leafName)
	}

	full := dirName + leafName
	if full != strings.ToLower(full) {
		return KeyHash{}, fmt.Errorf("%w: %q/%q is not lowercase hex", ErrInvalidPath, dirName, leafName)
	}

	raw, err := hex.DecodeString(full)
	if err != nil {
		return KeyHash{}, fmt.Errorf("%w: %q/%q: %w", ErrInvalidPath, dirName, leafName, err)
	}

	var h KeyHash

	copy(h[:], raw)

	return h, nil
}
