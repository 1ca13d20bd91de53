// Package blobmap implements the in-memory, concurrent index at the heart
// of the blob storage engine: a map from [blobhash.KeyHash] to an entry
// whose lifecycle is governed by read, write, and remove guards.
//
// Each entry is one of three states: New (reserved by a writer for a key
// that did not exist before, always exclusively locked, invisible to
// readers), Present (a normal live entry carrying sidecar metadata), or
// Removing (a transient sentinel that closes the observable window between
// "the write lock was released" and "the entry was deleted from the
// index"). See the doc comments on [Map.Write], [Map.Remove], and the
// guard types for the exact state transitions.
//
// The map-level mutex is held only long enough to look up, insert, or
// reorder an entry pointer in the insertion-ordered index; the per-entry
// lock is a [semaphore.Weighted] acquired (and awaited) with the map-level
// mutex already released. This short-sync-lock / long-lived-per-entry-lock
// split keeps a synchronous mutex from ever being held across a suspension
// point: guard acquisition here must be a cancellable await, which
// sync.RWMutex cannot offer.
package blobmap

import (
	"bytes"
	"context"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/semaphore"

	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ddcache/ddcache/pkg/blobhash"
	"github.com/ddcache/ddcache/pkg/blobmeta"
)

// maxInsertAttempts bounds how many times Write retries after observing the
// Removing sentinel before giving up. It is a distinct budget from the
// caller-side collision-retry budget (see blobstore.Storage.Write), which
// also happens to be 8.
const maxInsertAttempts = 8

// Full semaphore weight granted per entry. A reader acquires readerWeight;
// a writer acquires the entire capacity, excluding every reader and every
// other writer. Sized well above any plausible concurrent reader count.
const (
	readerWeight = 1
	writerWeight = 1 << 30
)

type stateKind int

const (
	stateNew stateKind = iota
	statePresent
	stateRemoving
)

func (k stateKind) String() string {
	switch k {
	case stateNew:
		return "New"
	case statePresent:
		return "Present"
	case stateRemoving:
		return "Removing"
	default:
		return "invalid"
	}
}

// entry is the in-memory record for one known key-hash.
type entry struct {
	// key is duplicated here so lookups can reject hash collisions without
	// acquiring sem.
	key []byte
	sem *semaphore.Weighted

	// state and meta are mutated only by whoever holds writerWeight on sem,
	// and read by whoever holds at least readerWeight. Acquire/Release on
	// sem establish the happens-before edge that makes these plain field
	// accesses race-free without a separate mutex.
	state stateKind
	meta  blobmeta.Metadata
}

func newEntry(key []byte, state stateKind, meta blobmeta.Metadata) *entry {
	return &entry{
		key:   key,
		sem:   semaphore.NewWeighted(writerWeight),
		state: state,
		meta:  meta,
	}
}

// Map is the concurrent, insertion-ordered index of known blobs.
//
// Read promotes its key to the back of the insertion order (the most
// recently used position); Peek does not. Together with
// [Map.TryRemoveFront], this gives the storage layer an LRU-ish eviction
// order without a separate data structure.
type Map struct {
	mu    sync.Mutex
	index *orderedmap.OrderedMap[blobhash.KeyHash, *entry]
	size  atomic.Uint64
}

// New returns an empty Map.
func New() *Map {
	return &Map{index: orderedmap.New[blobhash.KeyHash, *entry]()}
}

// Builder accumulates entries recovered during a filesystem scan (see
// blobstore.Open) so a Map is never observed half-recovered.
type Builder struct {
	m *Map
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{m: New()}
}

// Insert adds a recovered Present entry at hash. The caller is responsible
// for having already verified hash == blobhash.Hash(meta.Key); Insert does
// not re-check it. Insert panics if hash is already occupied, since a
// filesystem scan must never produce duplicate hashes.
func (b *Builder) Insert(hash blobhash.KeyHash, meta blobmeta.Metadata) {
	if _, exists := b.m.index.Get(hash); exists {
		panic(fmt.Sprintf("blobmap: builder saw duplicate hash %s", hash))
	}

	b.m.index.Set(hash, newEntry(meta.Key, statePresent, meta))
	b.m.size.Add(meta.Size)
}

// Build finalizes the builder into a Map. The Builder must not be used
// afterward.
func (b *Builder) Build() *Map {
	return b.m
}

// Size returns the aggregate size of all Present entries.
func (m *Map) Size() uint64 {
	return m.size.Load()
}

// Len returns the number of entries currently tracked, in any state.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.index.Len()
}

// Keys returns every tracked key in insertion order (least to most
// recently touched), regardless of state. Intended for tests and
// diagnostics; callers that need a consistent point-in-time view of
// metadata should use [Map.Snapshot] instead.
func (m *Map) Keys() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, 0, m.index.Len())
	for pair := m.index.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.key)
	}

	return out
}

// SnapshotEntry is one Present entry as observed by [Map.Snapshot].
type SnapshotEntry struct {
	Hash blobhash.KeyHash
	Meta blobmeta.Metadata
}

// Snapshot returns a point-in-time view of every Present entry's metadata,
// in insertion order. An entry whose lock is not immediately available
// (being read, written, or removed concurrently) is skipped rather than
// waited on, matching the best-effort, non-blocking style of
// [Map.TryRemoveFront]. Used by the storage layer's expiration sweep.
func (m *Map) Snapshot() []SnapshotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SnapshotEntry, 0, m.index.Len())

	for pair := m.index.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value

		if !e.sem.TryAcquire(readerWeight) {
			continue
		}

		if e.state == statePresent {
			out = append(out, SnapshotEntry{Hash: pair.Key, Meta: e.meta})
		}

		e.sem.Release(readerWeight)
	}

	return out
}

func negate(delta uint64) uint64 {
	return ^delta + 1
}

// yieldToScheduler gives another goroutine a chance to run before Write
// retries after observing the Removing sentinel.
func yieldToScheduler() {
	runtime.Gosched()
}

// adjustSize applies the (signed) change from oldSize to newSize to the
// aggregate size counter.
func (m *Map) adjustSize(oldSize, newSize uint64) {
	if newSize >= oldSize {
		m.size.Add(newSize - oldSize)
	} else {
		m.size.Add(negate(oldSize - newSize))
	}
}

// mapRemove is the shared tail of every remove path: mark the entry
// Removing, release the write lock, then delete the index entry. The
// sentinel window between release and delete is what prevents a
// concurrently-acquiring reader from observing a Present entry whose file
// has already been unlinked by the caller.
func (m *Map) mapRemove(hash blobhash.KeyHash, e *entry) {
	e.state = stateRemoving
	e.sem.Release(writerWeight)

	m.mu.Lock()
	_, present := m.index.Delete(hash)
	m.mu.Unlock()

	if !present {
		panic(fmt.Sprintf("blobmap: entry for hash %s vanished before removal", hash))
	}
}

// lookup finds the entry for key at its hash, verifying the key matches
// (rejecting a colliding entry by treating it as absent). If promote is
// set, a hit is moved to the back of the insertion order even though the
// per-entry lock has not been acquired yet, so an entry later found to be
// mid-removal has still been promoted. A colliding entry is never promoted.
func (m *Map) lookup(key []byte, hash blobhash.KeyHash, promote bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.index.Get(hash)
	if !ok || !bytes.Equal(e.key, key) {
		return nil
	}

	if promote {
		m.index.Delete(hash)
		m.index.Set(hash, e)
	}

	return e
}

// Read locks key's entry for reading and promotes it to the back of the
// insertion order. It reports a miss (nil guard, nil error) for an absent
// key, a colliding key, or an entry mid-removal. ctx cancellation during
// lock acquisition returns ctx.Err().
func (m *Map) Read(ctx context.Context, key []byte) (blobhash.KeyHash, *ReadGuard, error) {
	return m.doRead(ctx, key, true)
}

// Peek is Read without the recency promotion.
func (m *Map) Peek(ctx context.Context, key []byte) (blobhash.KeyHash, *ReadGuard, error) {
	return m.doRead(ctx, key, false)
}

func (m *Map) doRead(ctx context.Context, key []byte, promote bool) (blobhash.KeyHash, *ReadGuard, error) {
	hash := blobhash.Hash(key)

	e := m.lookup(key, hash, promote)
	if e == nil {
		return blobhash.KeyHash{}, nil, nil
	}

	if err := e.sem.Acquire(ctx, readerWeight); err != nil {
		return blobhash.KeyHash{}, nil, err
	}

	switch e.state {
	case statePresent:
		return hash, &ReadGuard{e: e, meta: e.meta}, nil
	case stateRemoving:
		e.sem.Release(readerWeight)

		return blobhash.KeyHash{}, nil, nil
	default:
		e.sem.Release(readerWeight)
		panic(fmt.Sprintf("blobmap: read observed New state for key %q; New entries are always write-locked", key))
	}
}

// writeLock performs the synchronous part of Write: under the map mutex,
// either insert-and-lock a fresh entry (returning the guard, with nothing
// left to await) or find the existing same-key entry to await, or detect a
// hash collision with a different key.
func (m *Map) writeLock(hash blobhash.KeyHash, key []byte) (guard *WriteGuard, existing *entry, collidingKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.index.Get(hash)
	if !ok {
		return m.insertNewLocked(hash, key), nil, nil
	}

	if !bytes.Equal(e.key, key) {
		return nil, nil, e.key
	}

	return nil, e, nil
}

// insertNewLocked inserts a fresh New entry already holding its own write
// lock. Callers must hold m.mu. This combination of steps must appear
// atomic to other tasks, which is exactly what holding m.mu across both the
// insert and the (always immediately successful) TryAcquire gives us.
func (m *Map) insertNewLocked(hash blobhash.KeyHash, key []byte) *WriteGuard {
	keyCopy := append([]byte(nil), key...)
	e := newEntry(keyCopy, stateNew, blobmeta.Metadata{Key: keyCopy})

	if !e.sem.TryAcquire(writerWeight) {
		panic("blobmap: a freshly created entry's semaphore must always be immediately acquirable")
	}

	m.index.Set(hash, e)

	return newWriteGuard(m, e, hash)
}

// Write locks key's entry for writing, creating it if it does not exist.
// If an entry exists at key's hash under a *different* key, Write returns a
// *[CollisionError] naming the colliding key; the caller (see
// blobstore.Storage.Write) is expected to remove the collider and retry.
//
// The returned guard must have exactly one of [WriteGuard.Commit],
// [WriteGuard.CommitRemove], or [WriteGuard.Release] called on it —
// typically via `defer guard.Release()` immediately after a successful
// call, since Release becomes a no-op once Commit/CommitRemove has run.
// This is what keeps a canceled or panicking write from orphaning a New
// entry: the caller's deferred Release observes state New and removes it.
func (m *Map) Write(ctx context.Context, key []byte) (blobhash.KeyHash, *WriteGuard, error) {
	hash := blobhash.Hash(key)

	for range maxInsertAttempts {
		guard, existing, collidingKey := m.writeLock(hash, key)
		if collidingKey != nil {
			return blobhash.KeyHash{}, nil, &CollisionError{Key: collidingKey}
		}

		if guard != nil {
			return hash, guard, nil
		}

		if err := existing.sem.Acquire(ctx, writerWeight); err != nil {
			return blobhash.KeyHash{}, nil, err
		}

		switch existing.state {
		case statePresent:
			return hash, newWriteGuard(m, existing, hash), nil
		case stateRemoving:
			existing.sem.Release(writerWeight)
			// Yield so the task racing us to delete the Removing sentinel
			// from the index gets a chance to run before we retry.
			yieldToScheduler()
		default:
			existing.sem.Release(writerWeight)
			panic("blobmap: write observed New state on an entry it did not just create")
		}
	}

	return blobhash.KeyHash{}, nil, fmt.Errorf("%w: key %q", ErrStuck, key)
}

// WriteNew inserts key only if no entry (of any key) currently occupies its
// hash slot; otherwise it reports ok == false. Used for peer-initiated
// pushes, where a duplicate write is undesirable.
func (m *Map) WriteNew(key []byte) (hash blobhash.KeyHash, guard *WriteGuard, ok bool) {
	hash = blobhash.Hash(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index.Get(hash); exists {
		return blobhash.KeyHash{}, nil, false
	}

	return hash, m.insertNewLocked(hash, key), true
}

// TryWrite is the non-blocking variant of Write: it returns ok == false
// rather than waiting, if the entry's lock is not immediately available or
// the entry is mid-removal. It never returns a collision error; a
// collision under TryWrite is simply reported as a miss.
func (m *Map) TryWrite(key []byte) (hash blobhash.KeyHash, guard *WriteGuard, ok bool) {
	hash = blobhash.Hash(key)

	writeGuard, existing, collidingKey := m.writeLock(hash, key)
	if collidingKey != nil {
		return blobhash.KeyHash{}, nil, false
	}

	if writeGuard != nil {
		return hash, writeGuard, true
	}

	if !existing.sem.TryAcquire(writerWeight) {
		return blobhash.KeyHash{}, nil, false
	}

	if existing.state != statePresent {
		existing.sem.Release(writerWeight)

		return blobhash.KeyHash{}, nil, false
	}

	return hash, newWriteGuard(m, existing, hash), true
}

// Remove locks key's Present entry for removal. It reports a miss for an
// absent key, a colliding key, or an entry already mid-removal.
func (m *Map) Remove(ctx context.Context, key []byte) (blobhash.KeyHash, *RemoveGuard, error) {
	hash := blobhash.Hash(key)

	e := m.lookup(key, hash, false)
	if e == nil {
		return blobhash.KeyHash{}, nil, nil
	}

	if err := e.sem.Acquire(ctx, writerWeight); err != nil {
		return blobhash.KeyHash{}, nil, err
	}

	switch e.state {
	case statePresent:
		return hash, newRemoveGuard(m, e, hash), nil
	case stateRemoving:
		e.sem.Release(writerWeight)

		return blobhash.KeyHash{}, nil, nil
	default:
		e.sem.Release(writerWeight)
		panic(fmt.Sprintf("blobmap: remove observed New state for key %q; New entries are always write-locked", key))
	}
}

// TryRemoveFront scans the insertion order from the least-recently-touched
// entry forward, returning a remove guard for the first entry whose write
// lock is immediately available and whose state is Present. It returns
// ok == false if no such entry exists (for example, everything is
// read-locked) — used by eviction, which must make partial progress
// without blocking on a busy entry.
func (m *Map) TryRemoveFront() (hash blobhash.KeyHash, guard *RemoveGuard, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pair := m.index.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value

		if !e.sem.TryAcquire(writerWeight) {
			continue
		}

		switch e.state {
		case statePresent:
			return pair.Key, newRemoveGuard(m, e, pair.Key), true
		case stateRemoving:
			e.sem.Release(writerWeight)
		default:
			e.sem.Release(writerWeight)
			panic(fmt.Sprintf("blobmap: try-remove acquired the lock of a New entry for key %q; New entries are always write-locked", e.key))
		}
	}

	return blobhash.KeyHash{}, nil, false
}

// ReadGuard is a read-locked handle on a Present entry.
type ReadGuard struct {
	e    *entry
	meta blobmeta.Metadata
	done bool
}

// Metadata returns the BlobMetadata snapshot taken when the guard was
// acquired.
func (g *ReadGuard) Metadata() blobmeta.Metadata {
	return g.meta
}

// Release drops the read lock. Idempotent; safe to call multiple times or
// via defer.
func (g *ReadGuard) Release() {
	if g.done {
		return
	}

	g.done = true
	g.e.sem.Release(readerWeight)
}

// WriteGuard is a write-locked handle on an entry that is either New
// (reserved, not yet committed) or Present (being updated in place).
type WriteGuard struct {
	m    *Map
	e    *entry
	hash blobhash.KeyHash
	meta blobmeta.Metadata
	done bool
}

func newWriteGuard(m *Map, e *entry, hash blobhash.KeyHash) *WriteGuard {
	return &WriteGuard{m: m, e: e, hash: hash, meta: e.meta}
}

// IsNew reports whether this guard reserved a brand-new entry rather than
// locking an existing Present one.
func (g *WriteGuard) IsNew() bool {
	return g.e.state == stateNew
}

// Metadata returns the BlobMetadata snapshot taken when the guard was
// acquired (only Key set, with Size 0, for a New entry).
func (g *WriteGuard) Metadata() blobmeta.Metadata {
	return g.meta
}

// Commit transitions the entry to Present(newMeta), adjusting the map's
// aggregate size by newMeta.Size - old size. newMeta.Key must equal the
// entry's key; Commit panics otherwise, since the key is never allowed to
// change underneath a hash slot.
func (g *WriteGuard) Commit(newMeta blobmeta.Metadata) {
	if g.done {
		panic("blobmap: Commit called on an already-finalized WriteGuard")
	}

	if !bytes.Equal(g.e.key, newMeta.Key) {
		panic("blobmap: Commit must not change the entry's key")
	}

	g.done = true

	g.m.adjustSize(g.meta.Size, newMeta.Size)
	g.e.state = statePresent
	g.e.meta = newMeta
	g.e.sem.Release(writerWeight)
}

// CommitRemove transitions the entry to Removing and deletes it from the
// map, decrementing the aggregate size by the guard's last-known size.
func (g *WriteGuard) CommitRemove() {
	if g.done {
		panic("blobmap: CommitRemove called on an already-finalized WriteGuard")
	}

	g.done = true

	g.m.adjustSize(g.meta.Size, 0)
	g.m.mapRemove(g.hash, g.e)
}

// Release drops the write lock. If neither Commit nor CommitRemove has run
// and the entry is still New, Release removes it from the map — this is
// the mechanism that keeps a canceled or panicking write from leaving an
// orphaned New entry behind: callers are expected to `defer
// guard.Release()` immediately after acquiring a guard. Idempotent.
func (g *WriteGuard) Release() {
	if g.done {
		return
	}

	g.done = true

	if g.e.state == stateNew {
		g.m.mapRemove(g.hash, g.e)

		return
	}

	g.e.sem.Release(writerWeight)
}

// RemoveGuard is a write-locked handle on a Present entry, held between
// Map.Remove/Map.TryRemoveFront and the decision to actually commit the
// removal once the caller has unlinked the underlying blob file.
type RemoveGuard struct {
	m    *Map
	e    *entry
	hash blobhash.KeyHash
	meta blobmeta.Metadata
	done bool
}

func newRemoveGuard(m *Map, e *entry, hash blobhash.KeyHash) *RemoveGuard {
	return &RemoveGuard{m: m, e: e, hash: hash, meta: e.meta}
}

// Metadata returns the BlobMetadata snapshot taken when the guard was
// acquired.
func (g *RemoveGuard) Metadata() blobmeta.Metadata {
	return g.meta
}

// Commit transitions the entry to Removing and deletes it from the map,
// decrementing the aggregate size by the guard's metadata size. Call this
// only after the underlying blob file has been unlinked.
func (g *RemoveGuard) Commit() {
	if g.done {
		panic("blobmap: Commit called on an already-finalized RemoveGuard")
	}

	g.done = true

	g.m.adjustSize(g.meta.Size, 0)
	g.m.mapRemove(g.hash, g.e)
}

// Release drops the write lock without removing the entry, leaving it
// Present. Use this when the caller decides not to go through with the
// removal. Idempotent.
func (g *RemoveGuard) Release() {
	if g.done {
		return
	}

	g.done = true
	g.e.sem.Release(writerWeight)
}
