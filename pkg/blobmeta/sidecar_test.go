package blobmeta_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ddcache/ddcache/pkg/blobmeta"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	expire := time.Unix(1_700_000_000, 0).UTC()

	cases := []blobmeta.Metadata{
		{Key: []byte("k"), Size: 0},
		{Key: []byte("k"), Metadata: []byte("app-metadata"), Size: 1024},
		{Key: []byte("k"), Metadata: []byte{}, Size: 1, ExpireAt: &expire},
		{Key: []byte("another-key-entirely"), Size: 1 << 20},
	}

	timeEqual := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

	for _, m := range cases {
		b, err := blobmeta.Encode(m, blobmeta.Limits{})
		require.NoError(t, err)

		got, err := blobmeta.Decode(b, blobmeta.Limits{})
		require.NoError(t, err)

		if diff := cmp.Diff(m, got, timeEqual); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	b, err := blobmeta.Encode(blobmeta.Metadata{Key: []byte("k")}, blobmeta.Limits{})
	require.NoError(t, err)

	b[0] = 'X'

	_, err = blobmeta.Decode(b, blobmeta.Limits{})
	require.ErrorIs(t, err, blobmeta.ErrCorrupt)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b, err := blobmeta.Encode(blobmeta.Metadata{Key: []byte("k")}, blobmeta.Limits{})
	require.NoError(t, err)

	// The magic is recognized but the version byte is from the future.
	b[4]++

	_, err = blobmeta.Decode(b, blobmeta.Limits{})
	require.ErrorIs(t, err, blobmeta.ErrIncompatible)
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	b, err := blobmeta.Encode(blobmeta.Metadata{Key: []byte("k"), Metadata: []byte("v")}, blobmeta.Limits{})
	require.NoError(t, err)

	b[len(b)-1] ^= 0xFF

	_, err = blobmeta.Decode(b, blobmeta.Limits{})
	require.ErrorIs(t, err, blobmeta.ErrCorrupt)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	b, err := blobmeta.Encode(blobmeta.Metadata{Key: []byte("k"), Metadata: []byte("value")}, blobmeta.Limits{})
	require.NoError(t, err)

	_, err = blobmeta.Decode(b[:len(b)-2], blobmeta.Limits{})
	require.ErrorIs(t, err, blobmeta.ErrCorrupt)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	_, err := blobmeta.Encode(blobmeta.Metadata{Key: []byte("too-long")}, blobmeta.Limits{MaxKeySize: 3})
	require.ErrorIs(t, err, blobmeta.ErrTooLarge)

	_, err = blobmeta.Encode(blobmeta.Metadata{Key: []byte("k"), Metadata: []byte("too-long")}, blobmeta.Limits{MaxMetadataSize: 3})
	require.ErrorIs(t, err, blobmeta.ErrTooLarge)
}
