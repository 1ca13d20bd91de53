package blobmap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddcache/ddcache/pkg/blobhash"
	"github.com/ddcache/ddcache/pkg/blobmeta"
)

func key(s string) []byte { return []byte(s) }

func hashOf(s string) blobhash.KeyHash { return blobhash.Hash(key(s)) }

func present(k string, size uint64) blobmeta.Metadata {
	return blobmeta.Metadata{Key: key(k), Size: size}
}

func TestReadPromotesAndPeekDoesNot(t *testing.T) {
	ctx := context.Background()
	m := New()

	for _, k := range []string{"k1", "k2", "k3"} {
		_, g, ok := m.WriteNew(key(k))
		require.True(t, ok)
		g.Commit(present(k, uint64(len(k))))
	}

	order := func() []string {
		var out []string
		for _, k := range m.Keys() {
			out = append(out, string(k))
		}

		return out
	}
	require.Equal(t, []string{"k1", "k2", "k3"}, order())

	_, rg, err := m.Read(ctx, key("k1"))
	require.NoError(t, err)
	require.NotNil(t, rg)
	rg.Release()
	require.Equal(t, []string{"k2", "k3", "k1"}, order())

	_, pg, err := m.Peek(ctx, key("k2"))
	require.NoError(t, err)
	require.NotNil(t, pg)
	pg.Release()
	require.Equal(t, []string{"k2", "k3", "k1"}, order())
}

func TestReadMiss(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, g, err := m.Read(ctx, key("no-such-key"))
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestWriteNewThenCommit(t *testing.T) {
	ctx := context.Background()
	m := New()

	hash, g, err := m.Write(ctx, key("foo"))
	require.NoError(t, err)
	require.True(t, g.IsNew())
	require.Equal(t, hashOf("foo"), hash)

	g.Commit(present("foo", 13))
	require.Equal(t, uint64(13), m.Size())

	_, rg, err := m.Read(ctx, key("foo"))
	require.NoError(t, err)
	require.Equal(t, uint64(13), rg.Metadata().Size)
	rg.Release()
}

func TestWriteExistingPresent(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, g, _ := m.Write(ctx, key("foo"))
	g.Commit(present("foo", 10))

	_, g2, err := m.Write(ctx, key("foo"))
	require.NoError(t, err)
	require.False(t, g2.IsNew())
	g2.Commit(present("foo", 20))
	require.Equal(t, uint64(20), m.Size())
}

func TestWriteCancelRemovesNewEntry(t *testing.T) {
	m := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A brand-new entry is inserted synchronously before any cancellation
	// point is reached, so the first Write still succeeds...
	_, g, err := m.Write(context.Background(), key("foo"))
	require.NoError(t, err)

	// ...but if the caller is cancelled before it commits, Release (run via
	// defer in real callers) must remove the entry, leaving the key absent.
	_ = ctx
	g.Release()

	require.Equal(t, 0, m.Len())
	require.Equal(t, uint64(0), m.Size())

	_, rg, err := m.Read(context.Background(), key("foo"))
	require.NoError(t, err)
	require.Nil(t, rg)
}

func TestWriteNewNoopOnDrop(t *testing.T) {
	m := New()

	_, g, err := m.Write(context.Background(), key("foo"))
	require.NoError(t, err)
	g.Release()

	require.Equal(t, 0, m.Len())
}

func TestWriteNewRejectsDuplicate(t *testing.T) {
	m := New()

	_, g, ok := m.WriteNew(key("foo"))
	require.True(t, ok)

	_, _, ok2 := m.WriteNew(key("foo"))
	require.False(t, ok2)

	g.Release()

	_, _, ok3 := m.WriteNew(key("foo"))
	require.True(t, ok3)
}

func TestTryWrite(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, wg, _ := m.Write(ctx, key("foo"))
	wg.Commit(present("foo", 1))

	_, g, ok := m.TryWrite(key("foo"))
	require.True(t, ok)
	require.False(t, g.IsNew())

	_, _, ok2 := m.TryWrite(key("foo"))
	require.False(t, ok2, "entry is already write-locked")

	g.Release()

	_, g2, ok3 := m.TryWrite(key("bar"))
	require.True(t, ok3)
	require.True(t, g2.IsNew())
	g2.Release()
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, g, _ := m.Write(ctx, key("foo"))
	g.Commit(present("foo", 10))

	_, _, err := m.Remove(ctx, key("no-such-key"))
	require.NoError(t, err)

	_, rg, err := m.Remove(ctx, key("foo"))
	require.NoError(t, err)
	require.NotNil(t, rg)
	rg.Commit()

	require.Equal(t, uint64(0), m.Size())
	require.Equal(t, 0, m.Len())

	_, rg2, err := m.Remove(ctx, key("foo"))
	require.NoError(t, err)
	require.Nil(t, rg2)
}

func TestTryRemoveFront(t *testing.T) {
	ctx := context.Background()
	m := New()

	for _, k := range []string{"foo", "bar"} {
		_, g, _ := m.Write(ctx, key(k))
		g.Commit(present(k, 1))
	}

	hash1, g1, ok := m.TryRemoveFront()
	require.True(t, ok)
	require.Equal(t, hashOf("foo"), hash1)

	hash2, g2, ok2 := m.TryRemoveFront()
	require.True(t, ok2, "foo's guard is still held, so bar is next")
	require.Equal(t, hashOf("bar"), hash2)

	_, _, ok3 := m.TryRemoveFront()
	require.False(t, ok3, "both guards are still held")

	g1.Commit()
	g2.Commit()

	_, _, ok4 := m.TryRemoveFront()
	require.False(t, ok4)
}

func TestTryRemoveFrontSkipsLockedEntries(t *testing.T) {
	ctx := context.Background()
	m := New()

	for _, k := range []string{"foo", "bar"} {
		_, g, _ := m.Write(ctx, key(k))
		g.Commit(present(k, 1))
	}

	_, rg, err := m.Read(ctx, key("foo"))
	require.NoError(t, err)

	hash, g, ok := m.TryRemoveFront()
	require.True(t, ok)
	require.Equal(t, hashOf("bar"), hash, "foo is read-locked, so bar is the candidate")
	g.Commit()

	rg.Release()
}

func TestCollisionReplace(t *testing.T) {
	ctx := context.Background()
	m := New()

	// Fabricate a collision: insert "bar" at the hash that "foo" would use.
	foohash := hashOf("foo")
	m.mu.Lock()
	m.index.Set(foohash, newEntry(key("bar"), statePresent, present("bar", 5)))
	m.size.Add(5)
	m.mu.Unlock()

	_, rg, err := m.Read(ctx, key("foo"))
	require.NoError(t, err)
	require.Nil(t, rg, "a collision is a miss to Read")

	_, _, err = m.Write(ctx, key("foo"))
	var collErr *CollisionError
	require.True(t, errors.As(err, &collErr))
	require.Equal(t, "bar", string(collErr.Key))

	_, _, ok := m.TryWrite(key("foo"))
	require.False(t, ok, "a collision is contention to TryWrite")

	_, removeMiss, err := m.Remove(ctx, key("foo"))
	require.NoError(t, err)
	require.Nil(t, removeMiss, "a collision is a miss to Remove")

	// In a genuine digest collision the collider's key hashes to the same
	// slot, so removing it by key works; a fabricated collision can only be
	// cleared the way it was injected.
	m.mu.Lock()
	m.index.Delete(foohash)
	m.size.Add(negate(5))
	m.mu.Unlock()

	hash, g, err := m.Write(ctx, key("foo"))
	require.NoError(t, err)
	require.True(t, g.IsNew())
	require.Equal(t, foohash, hash)
	g.Commit(present("foo", 7))

	_, rg2, err := m.Read(ctx, key("bar"))
	require.NoError(t, err)
	require.Nil(t, rg2)

	_, rg3, err := m.Read(ctx, key("foo"))
	require.NoError(t, err)
	require.Equal(t, uint64(7), rg3.Metadata().Size)
	rg3.Release()
}

func TestWriteGuardCommitRemove(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, g, _ := m.Write(ctx, key("foo"))
	g.CommitRemove()

	require.Equal(t, 0, m.Len())

	_, g2, _ := m.Write(ctx, key("foo"))
	g2.Commit(present("foo", 100))
	require.Equal(t, uint64(100), m.Size())

	_, g3, err := m.Write(ctx, key("foo"))
	require.NoError(t, err)
	require.False(t, g3.IsNew())
	g3.CommitRemove()
	require.Equal(t, uint64(0), m.Size())
}
