// Package blobstore binds [blobmap.Map] to a filesystem: it turns map
// guards into durable, crash-consistent mutations of blob files and their
// sidecars, and rebuilds the map from disk at startup.
//
// The two-level layout and the sidecar format are owned by [blobhash] and
// [blobmeta] respectively; this package only walks that layout and drives
// [pkg/fs.AtomicWriter] for durable sidecar writes, binding each guard's
// commit or rollback to the matching mutation of blob file and sidecar.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ddcache/ddcache/pkg/blobhash"
	"github.com/ddcache/ddcache/pkg/blobmap"
	"github.com/ddcache/ddcache/pkg/blobmeta"
	"github.com/ddcache/ddcache/pkg/fs"
)

// sidecarSuffix is appended to a blob's leaf filename to name its sidecar.
const sidecarSuffix = ".meta"

// maxWriteAttempts bounds how many times Write evicts a colliding key and
// retries before giving up. Distinct from blobmap's own retry budget
// around the Removing sentinel, which happens to share the same number.
const maxWriteAttempts = 8

// Storage is a content-addressed blob store rooted at a directory.
type Storage struct {
	dir    string
	fsys   fs.FS
	writer *fs.AtomicWriter
	m      *blobmap.Map
	limits blobmeta.Limits
}

// Open scans dir's two-level tree and rebuilds the in-memory index from
// what it finds. A blob missing or failing its sidecar check is deleted; a
// sidecar missing its blob is deleted; a fan-out directory left empty by
// the scan is removed. Anything in dir that doesn't match the blob/sidecar
// naming scheme is left untouched.
func Open(fsys fs.FS, dir string, limits blobmeta.Limits) (*Storage, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root %q: %w", dir, err)
	}

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %q: %w", root, err)
	}

	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: scan root %q: %w", root, err)
	}

	builder := blobmap.NewBuilder()

	for _, de := range entries {
		if !de.IsDir() || !blobhash.MatchBlobDir(de.Name()) {
			continue
		}

		fanoutDir := filepath.Join(root, de.Name())

		kept, err := scanFanoutDir(fsys, fanoutDir, limits, builder)
		if err != nil {
			return nil, err
		}

		if kept == 0 {
			left, err := fsys.ReadDir(fanoutDir)
			if err != nil {
				return nil, fmt.Errorf("blobstore: rescan %q: %w", fanoutDir, err)
			}

			if len(left) > 0 {
				continue
			}

			if err := fsys.Remove(fanoutDir); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("blobstore: remove empty blob dir %q: %w", fanoutDir, err)
			}
		}
	}

	return &Storage{
		dir:    root,
		fsys:   fsys,
		writer: fs.NewAtomicWriter(fsys),
		m:      builder.Build(),
		limits: limits,
	}, nil
}

// scanFanoutDir recovers every well-formed blob in a single first-level
// fan-out directory, deleting anything that fails the key-hash invariant
// or has no counterpart (blob without sidecar, sidecar without blob). It
// returns the number of entries it kept.
func scanFanoutDir(fsys fs.FS, fanoutDir string, limits blobmeta.Limits, builder *blobmap.Builder) (int, error) {
	entries, err := fsys.ReadDir(fanoutDir)
	if err != nil {
		return 0, fmt.Errorf("blobstore: scan %q: %w", fanoutDir, err)
	}

	blobs := make(map[string]bool)
	sidecars := make(map[string]bool)

	for _, de := range entries {
		if de.IsDir() {
			continue
		}

		name := de.Name()
		if strings.HasSuffix(name, sidecarSuffix) {
			sidecars[strings.TrimSuffix(name, sidecarSuffix)] = true
		} else {
			blobs[name] = true
		}
	}

	dirName := filepath.Base(fanoutDir)
	kept := 0

	for leaf := range blobs {
		hash, ok := blobhash.MatchBlob(dirName, leaf)
		if !ok {
			continue
		}

		blobPath := filepath.Join(fanoutDir, leaf)
		sidecarPath := blobPath + sidecarSuffix

		if !sidecars[leaf] {
			_ = fsys.Remove(blobPath)
			continue
		}

		delete(sidecars, leaf)

		meta, err := readSidecar(fsys, sidecarPath, limits)
		if err != nil || blobhash.Hash(meta.Key) != hash {
			_ = fsys.Remove(blobPath)
			_ = fsys.Remove(sidecarPath)

			continue
		}

		info, err := fsys.Stat(blobPath)
		if err != nil {
			_ = fsys.Remove(blobPath)
			_ = fsys.Remove(sidecarPath)

			continue
		}

		meta.Size = uint64(info.Size())
		builder.Insert(hash, meta)
		kept++
	}

	// Whatever is left in sidecars has no matching blob: an orphan sidecar
	// from a write that died between creating the blob and committing, or
	// one whose blob was already deleted above.
	for leaf := range sidecars {
		if _, ok := blobhash.MatchBlob(dirName, leaf); !ok {
			continue
		}

		_ = fsys.Remove(filepath.Join(fanoutDir, leaf+sidecarSuffix))
	}

	return kept, nil
}

func readSidecar(fsys fs.FS, path string, limits blobmeta.Limits) (blobmeta.Metadata, error) {
	b, err := fsys.ReadFile(path)
	if err != nil {
		return blobmeta.Metadata{}, err
	}

	return blobmeta.Decode(b, limits)
}

func writeSidecar(writer *fs.AtomicWriter, path string, meta blobmeta.Metadata, limits blobmeta.Limits) error {
	b, err := blobmeta.Encode(meta, limits)
	if err != nil {
		return err
	}

	return writer.Write(path, b)
}

// Size returns the aggregate size of every Present entry.
func (s *Storage) Size() uint64 {
	return s.m.Size()
}

// Evict calls TryRemoveFront until the aggregate size is at or below
// target or no further candidate is available. Partial progress is not an
// error; the caller gets back whatever size remains.
func (s *Storage) Evict(ctx context.Context, target uint64) (uint64, error) {
	for s.Size() > target {
		select {
		case <-ctx.Done():
			return s.Size(), ctx.Err()
		default:
		}

		_, ok, err := s.TryRemoveFront()
		if err != nil {
			return s.Size(), err
		}

		if !ok {
			break
		}
	}

	return s.Size(), nil
}

// Read locks key for reading and promotes its recency. It returns a nil
// guard (and nil error) on a miss.
func (s *Storage) Read(ctx context.Context, key []byte) (*ReadGuard, error) {
	return s.doRead(ctx, key, true)
}

// Peek is Read without the recency promotion.
func (s *Storage) Peek(ctx context.Context, key []byte) (*ReadGuard, error) {
	return s.doRead(ctx, key, false)
}

func (s *Storage) doRead(ctx context.Context, key []byte, promote bool) (*ReadGuard, error) {
	var (
		hash blobhash.KeyHash
		g    *blobmap.ReadGuard
		err  error
	)

	if promote {
		hash, g, err = s.m.Read(ctx, key)
	} else {
		hash, g, err = s.m.Peek(ctx, key)
	}

	if err != nil || g == nil {
		return nil, err
	}

	return &ReadGuard{g: g, path: hash.Path(s.dir), fsys: s.fsys}, nil
}

// Write locks key for writing, creating a new entry if none exists. On a
// hash collision with a different key it removes the collider and retries,
// up to maxWriteAttempts times.
func (s *Storage) Write(ctx context.Context, key []byte, truncate bool) (*WriteGuard, error) {
	for range maxWriteAttempts {
		hash, g, err := s.m.Write(ctx, key)
		if err == nil {
			return s.newWriteGuard(hash, g, truncate), nil
		}

		var collErr *blobmap.CollisionError
		if !errors.As(err, &collErr) {
			return nil, err
		}

		if _, rmErr := s.Remove(ctx, collErr.Key); rmErr != nil {
			return nil, fmt.Errorf("blobstore: remove colliding key: %w", rmErr)
		}
	}

	return nil, fmt.Errorf("%w: key %q", ErrCollisionUnresolved, key)
}

// TryWrite is the non-blocking variant of Write. It returns a nil guard if
// the lock isn't immediately available, the entry is mid-removal, or a
// different key occupies the hash slot (a collision is reported as
// contention here, not resolved).
func (s *Storage) TryWrite(key []byte, truncate bool) *WriteGuard {
	hash, g, ok := s.m.TryWrite(key)
	if !ok {
		return nil
	}

	return s.newWriteGuard(hash, g, truncate)
}

// WriteNew inserts key only if no entry occupies its hash slot. Used for
// peer-initiated pushes, where overwriting an existing entry is
// undesirable.
func (s *Storage) WriteNew(key []byte) *WriteGuard {
	hash, g, ok := s.m.WriteNew(key)
	if !ok {
		return nil
	}

	return s.newWriteGuard(hash, g, true)
}

func (s *Storage) newWriteGuard(hash blobhash.KeyHash, g *blobmap.WriteGuard, truncate bool) *WriteGuard {
	path := hash.Path(s.dir)

	return &WriteGuard{
		g:           g,
		hash:        hash,
		path:        path,
		sidecarPath: path + sidecarSuffix,
		truncate:    truncate,
		meta:        g.Metadata(),
		fsys:        s.fsys,
		writer:      s.writer,
		limits:      s.limits,
	}
}

// Remove locks and deletes key's entry, unlinking its blob and sidecar. It
// returns a nil metadata (and nil error) on a miss.
func (s *Storage) Remove(ctx context.Context, key []byte) (*blobmeta.Metadata, error) {
	hash, g, err := s.m.Remove(ctx, key)
	if err != nil || g == nil {
		return nil, err
	}

	return s.doRemove(hash, g)
}

// TryRemoveFront removes the least-recently-touched entry whose lock is
// immediately available, for use by eviction and testing. ok is false if
// no entry currently qualifies.
func (s *Storage) TryRemoveFront() (*blobmeta.Metadata, bool, error) {
	hash, g, ok := s.m.TryRemoveFront()
	if !ok {
		return nil, false, nil
	}

	meta, err := s.doRemove(hash, g)
	if err != nil {
		return nil, false, err
	}

	return meta, true, nil
}

func (s *Storage) doRemove(hash blobhash.KeyHash, g *blobmap.RemoveGuard) (*blobmeta.Metadata, error) {
	meta := g.Metadata()
	path := hash.Path(s.dir)

	if err := s.fsys.Remove(path); err != nil {
		g.Release()
		return nil, fmt.Errorf("blobstore: remove blob %q: %w", path, err)
	}

	// Sidecar removal is implied by blob removal: they share a directory
	// and neither is meaningful without the other.
	_ = s.fsys.Remove(path + sidecarSuffix)

	g.Commit()

	return &meta, nil
}

// NextExpireAt returns the nearest ExpireAt over every Present entry, or
// nil if nothing is due to expire. Drives the server actor's expiration
// timer.
func (s *Storage) NextExpireAt() *time.Time {
	var earliest *time.Time

	for _, se := range s.m.Snapshot() {
		if se.Meta.ExpireAt == nil {
			continue
		}

		if earliest == nil || se.Meta.ExpireAt.Before(*earliest) {
			t := *se.Meta.ExpireAt
			earliest = &t
		}
	}

	return earliest
}

// Expire removes every Present entry whose ExpireAt is at or before now.
// It acquires each entry's write lock before deleting it, so a reader
// already holding the entry sees the full payload even past its expiry.
// It returns the number of entries removed.
func (s *Storage) Expire(ctx context.Context, now time.Time) (uint64, error) {
	var removed uint64

	for _, se := range s.m.Snapshot() {
		if se.Meta.ExpireAt == nil || se.Meta.ExpireAt.After(now) {
			continue
		}

		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		hash, g, err := s.m.Remove(ctx, se.Meta.Key)
		if err != nil {
			return removed, err
		}

		if g == nil {
			// Already gone: raced with a concurrent remove or expire.
			continue
		}

		if _, err := s.doRemove(hash, g); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

// ReadGuard is a read-locked handle on a blob's contents and metadata.
type ReadGuard struct {
	g    *blobmap.ReadGuard
	path string
	fsys fs.FS
}

// Size returns the blob's payload size in bytes.
func (g *ReadGuard) Size() uint64 {
	return g.g.Metadata().Size
}

// Metadata returns the application metadata bytes, or nil if absent.
func (g *ReadGuard) Metadata() []byte {
	return g.g.Metadata().Metadata
}

// ExpireAt returns the blob's expiration time, or nil if it never expires.
func (g *ReadGuard) ExpireAt() *time.Time {
	return g.g.Metadata().ExpireAt
}

// Open opens the blob's payload for read-only access.
func (g *ReadGuard) Open() (fs.File, error) {
	return g.fsys.Open(g.path)
}

// Release drops the read lock. Idempotent; safe to call via defer.
func (g *ReadGuard) Release() {
	g.g.Release()
}

// WriteGuard is a write-locked handle on a blob being created or replaced.
// Exactly one of [WriteGuard.Commit] or [WriteGuard.Release] must be
// called; callers should `defer guard.Release()` immediately after
// acquiring one, since Release becomes a no-op once Commit has run.
type WriteGuard struct {
	g           *blobmap.WriteGuard
	hash        blobhash.KeyHash
	path        string
	sidecarPath string
	truncate    bool
	meta        blobmeta.Metadata
	file        fs.File
	fsys        fs.FS
	writer      *fs.AtomicWriter
	limits      blobmeta.Limits
	done        bool
}

// IsNew reports whether this guard reserved a brand-new entry rather than
// locking an existing one for an overwrite.
func (g *WriteGuard) IsNew() bool {
	return g.g.IsNew()
}

// Metadata returns the staged application metadata bytes.
func (g *WriteGuard) Metadata() []byte {
	return g.meta.Metadata
}

// Size returns the payload size recorded when the guard was acquired, or
// zero for a brand-new entry. It does not change during the guard's life:
// Commit measures the new size from disk and records it in the map only.
func (g *WriteGuard) Size() uint64 {
	return g.meta.Size
}

// SetMetadata stages new application metadata to be written on Commit.
func (g *WriteGuard) SetMetadata(m []byte) {
	g.meta.Metadata = m
}

// ExpireAt returns the staged expiration time.
func (g *WriteGuard) ExpireAt() *time.Time {
	return g.meta.ExpireAt
}

// SetExpireAt stages a new expiration time (nil meaning "never") to be
// written on Commit.
func (g *WriteGuard) SetExpireAt(t *time.Time) {
	g.meta.ExpireAt = t
}

// Open lazily creates the blob's parent directory and opens the payload
// file: exclusively for a brand-new entry, honoring the guard's truncate
// flag for an overwrite of an existing one. Calling Open more than once is
// a no-op. If Open fails, the caller should Release the guard, which
// leaves the entry exactly as it was found.
func (g *WriteGuard) Open() error {
	if g.file != nil {
		return nil
	}

	if err := g.fsys.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("blobstore: create blob dir for %q: %w", g.path, err)
	}

	flag := os.O_WRONLY | os.O_CREATE
	if g.g.IsNew() {
		flag |= os.O_EXCL
	} else if g.truncate {
		flag |= os.O_TRUNC
	}

	f, err := g.fsys.OpenFile(g.path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("blobstore: open blob %q: %w", g.path, err)
	}

	g.file = f

	return nil
}

// File returns the payload file handle opened by Open, for bulk writes. It
// is nil until Open has succeeded.
func (g *WriteGuard) File() fs.File {
	return g.file
}

// Commit finalizes the write: it computes the payload size from the
// filesystem, writes the sidecar atomically, and transitions the map
// entry to Present, adjusting the aggregate size. Calling Commit without
// ever calling Open on a brand-new entry is a programming error and
// panics, since there would be no blob to measure.
func (g *WriteGuard) Commit() error {
	if g.done {
		panic("blobstore: Commit called on an already-finalized WriteGuard")
	}

	meta := g.meta

	switch {
	case g.file != nil:
		info, err := g.file.Stat()
		if err != nil {
			return fmt.Errorf("blobstore: stat blob %q: %w", g.path, err)
		}

		meta.Size = uint64(info.Size())

		if err := g.file.Close(); err != nil {
			return fmt.Errorf("blobstore: close blob %q: %w", g.path, err)
		}
	case g.g.IsNew():
		panic("blobstore: Commit on a new entry requires Open to have been called first")
	default:
		// WriteMetadata-only path: the payload is untouched, so read its
		// current size straight off disk rather than requiring a caller
		// that only mutates metadata to also open the blob.
		info, err := g.fsys.Stat(g.path)
		if err != nil {
			return fmt.Errorf("blobstore: stat blob %q: %w", g.path, err)
		}

		meta.Size = uint64(info.Size())
	}

	if err := writeSidecar(g.writer, g.sidecarPath, meta, g.limits); err != nil {
		return fmt.Errorf("blobstore: write sidecar %q: %w", g.sidecarPath, err)
	}

	g.done = true
	g.g.Commit(meta)

	return nil
}

// Release drops the write lock. If Open succeeded but Commit never ran,
// Release removes the blob file (and sidecar, if any) and drops the entry
// from the map entirely — this is the guarantee that a cancelled or
// panicking write, even one overwriting an existing blob, never leaves a
// blob whose on-disk contents and sidecar disagree with the map. If Open
// was never called, the entry is left exactly as it was found (absent for
// a new entry, untouched for an overwrite). Idempotent.
func (g *WriteGuard) Release() {
	if g.done {
		return
	}

	g.done = true

	if g.file == nil {
		g.g.Release()
		return
	}

	_ = g.file.Close()

	if err := g.fsys.Remove(g.path); err != nil && !os.IsNotExist(err) {
		panic(fmt.Sprintf("blobstore: remove blob %q on aborted write: %v", g.path, err))
	}

	_ = g.fsys.Remove(g.sidecarPath)

	g.g.CommitRemove()
}
