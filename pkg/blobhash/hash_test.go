package blobhash_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddcache/ddcache/pkg/blobhash"
)

func TestHashIsStable(t *testing.T) {
	a := blobhash.Hash([]byte("a-key"))
	b := blobhash.Hash([]byte("a-key"))
	c := blobhash.Hash([]byte("another-key"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestPathRoundTrip(t *testing.T) {
	h := blobhash.Hash([]byte("round-trip"))
	root := "/var/cache/ddcache/blobs"

	path := h.Path(root)

	got, err := blobhash.FromPath(root, path)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestMatchBlobDir(t *testing.T) {
	require.True(t, blobhash.MatchBlobDir("ab"))
	require.False(t, blobhash.MatchBlobDir("AB"))
	require.False(t, blobhash.MatchBlobDir("abc"))
	require.False(t, blobhash.MatchBlobDir("zz"))
}

func TestMatchBlob(t *testing.T) {
	h := blobhash.Hash([]byte("match-me"))

	_, matched := blobhash.MatchBlob(h.DirName(), h.LeafName())
	require.True(t, matched)

	_, matched = blobhash.MatchBlob("zz", h.LeafName())
	require.False(t, matched)

	_, matched = blobhash.MatchBlob(h.DirName(), "tooshort")
	require.False(t, matched)
}

func TestFromPathRejectsPathOutsideRoot(t *testing.T) {
	_, err := blobhash.FromPath("/a/b", "relative/does/not/match")
	require.Error(t, err)
}
