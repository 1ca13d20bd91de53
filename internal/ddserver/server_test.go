package ddserver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ddcache/ddcache/internal/ddtransport"
	"github.com/ddcache/ddcache/pkg/blobmeta"
	"github.com/ddcache/ddcache/pkg/blobstore"
	"github.com/ddcache/ddcache/pkg/fs"
)

func newTestActor(t *testing.T, cfg Config) (*ddtransport.Channel, *blobstore.Storage) {
	t.Helper()

	storage, err := blobstore.Open(fs.NewReal(), t.TempDir(), blobmeta.Limits{})
	require.NoError(t, err)

	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Minute
	}
	if cfg.ExpirePollInterval == 0 {
		cfg.ExpirePollInterval = time.Hour
	}
	if cfg.BlobEndpoint == "" {
		cfg.BlobEndpoint = "test-endpoint"
	}

	ch := ddtransport.NewChannel()
	actor := New(cfg, ch, storage, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- actor.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ch, storage
}

func writeBlobDirect(t *testing.T, s *blobstore.Storage, key, payload string) {
	t.Helper()

	ctx := context.Background()

	g, err := s.Write(ctx, []byte(key), true)
	require.NoError(t, err)
	defer g.Release()

	require.NoError(t, g.Open())
	_, err = g.File().Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, g.Commit())
}

func call(t *testing.T, ch *ddtransport.Channel, req ddtransport.Request) ddtransport.Reply {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := ch.Call(ctx, req)
	require.NoError(t, err)

	return reply
}

func TestReadHitParksTokenAndCancelReleases(t *testing.T) {
	ch, storage := newTestActor(t, Config{})
	writeBlobDirect(t, storage, "foo", "hello")

	reply := call(t, ch, ddtransport.ReadRequest{Key: []byte("foo")})
	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.Equal(t, uint64(5), some.Size)
	require.True(t, some.HasToken)
	require.Equal(t, "test-endpoint", some.Endpoint)

	cancelReply := call(t, ch, ddtransport.CancelRequest{Token: some.Token})
	require.Equal(t, ddtransport.CancelReply{}, cancelReply)

	// Cancelling the read released the lock; an eviction-style removal
	// should now succeed without contention.
	_, err := storage.Remove(context.Background(), []byte("foo"))
	require.NoError(t, err)
}

func TestReadMissReturnsOkNone(t *testing.T) {
	ch, _ := newTestActor(t, Config{})

	reply := call(t, ch, ddtransport.ReadRequest{Key: []byte("nope")})
	require.Equal(t, ddtransport.OkNoneReply{}, reply)
}

func TestReadMetadataDoesNotParkToken(t *testing.T) {
	ch, storage := newTestActor(t, Config{})
	writeBlobDirect(t, storage, "foo", "hello")

	reply := call(t, ch, ddtransport.ReadMetadataRequest{Key: []byte("foo")})
	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.False(t, some.HasToken)
	require.Equal(t, uint64(5), some.Size)

	// The read lock was released at the end of the call, so a remove
	// right after must succeed without contention.
	_, err := storage.Remove(context.Background(), []byte("foo"))
	require.NoError(t, err)
}

func TestWriteParksTokenAndCancelDiscardsUncommittedEntry(t *testing.T) {
	ch, storage := newTestActor(t, Config{})

	reply := call(t, ch, ddtransport.WriteRequest{Key: []byte("foo"), Size: 5})
	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.True(t, some.HasToken)

	call(t, ch, ddtransport.CancelRequest{Token: some.Token})

	readReply := call(t, ch, ddtransport.ReadRequest{Key: []byte("foo")})
	require.Equal(t, ddtransport.OkNoneReply{}, readReply, "an uncommitted write must leave nothing behind")
	require.Equal(t, uint64(0), storage.Size())
}

func TestWriteMetadataUpdatesExistingBlobAndReturnsOldValues(t *testing.T) {
	ch, storage := newTestActor(t, Config{})
	writeBlobDirect(t, storage, "foo", "hello")

	newMeta := []byte("new metadata")
	reply := call(t, ch, ddtransport.WriteMetadataRequest{
		Key: []byte("foo"), Metadata: newMeta, MetadataSet: true,
	})

	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.False(t, some.HasToken)
	require.Nil(t, some.Metadata, "reply carries the OLD metadata, which was unset before this call")
	require.Equal(t, uint64(5), some.Size)

	readReply := call(t, ch, ddtransport.ReadMetadataRequest{Key: []byte("foo")})
	readSome, ok := readReply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", readReply)
	require.Equal(t, newMeta, readSome.Metadata)
}

func TestWriteMetadataRefusesToCreateEmptyBlob(t *testing.T) {
	ch, storage := newTestActor(t, Config{})

	reply := call(t, ch, ddtransport.WriteMetadataRequest{Key: []byte("never-written")})
	require.Equal(t, ddtransport.OkNoneReply{}, reply)
	require.Equal(t, uint64(0), storage.Size())

	readReply := call(t, ch, ddtransport.ReadRequest{Key: []byte("never-written")})
	require.Equal(t, ddtransport.OkNoneReply{}, readReply)
}

func TestRemoveExistingAndMissingKey(t *testing.T) {
	ch, storage := newTestActor(t, Config{})
	writeBlobDirect(t, storage, "foo", "hello")

	reply := call(t, ch, ddtransport.RemoveRequest{Key: []byte("foo")})
	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.Equal(t, uint64(5), some.Size)

	missReply := call(t, ch, ddtransport.RemoveRequest{Key: []byte("foo")})
	require.Equal(t, ddtransport.OkNoneReply{}, missReply)
}

func TestPushDeclinesWhenKeyAlreadyReserved(t *testing.T) {
	ch, _ := newTestActor(t, Config{})

	reply := call(t, ch, ddtransport.PushRequest{Key: []byte("foo"), Size: 3})
	first, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.True(t, first.HasToken)

	secondReply := call(t, ch, ddtransport.PushRequest{Key: []byte("foo"), Size: 3})
	require.Equal(t, ddtransport.OkNoneReply{}, secondReply, "foo is already reserved by the first push")

	call(t, ch, ddtransport.CancelRequest{Token: first.Token})

	thirdReply := call(t, ch, ddtransport.PushRequest{Key: []byte("foo"), Size: 3})
	third, ok := thirdReply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", thirdReply)
	require.True(t, third.HasToken)

	call(t, ch, ddtransport.CancelRequest{Token: third.Token})
}

func TestPullDoesNotPromoteButParksToken(t *testing.T) {
	ch, storage := newTestActor(t, Config{})
	writeBlobDirect(t, storage, "foo", "hello")
	writeBlobDirect(t, storage, "bar", "world")

	reply := call(t, ch, ddtransport.PullRequest{Key: []byte("foo")})
	some, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.True(t, some.HasToken)
	require.Equal(t, uint64(5), some.Size)

	call(t, ch, ddtransport.CancelRequest{Token: some.Token})

	front, removed, err := storage.TryRemoveFront()
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, []byte("foo"), front.Key, "pull must not promote foo")
}

func TestMaxKeySizeExceededBeforeAnyIO(t *testing.T) {
	ch, storage := newTestActor(t, Config{MaxKeySize: 3})

	reply := call(t, ch, ddtransport.ReadRequest{Key: []byte("toolong")})
	require.Equal(t, ddtransport.MaxKeySizeExceededReply{}, reply)
	require.Equal(t, uint64(0), storage.Size())
}

func TestMaxMetadataSizeExceeded(t *testing.T) {
	ch, _ := newTestActor(t, Config{MaxMetadataSize: 2})

	reply := call(t, ch, ddtransport.WriteRequest{
		Key: []byte("foo"), Metadata: []byte("too long"), HasMetadata: true, Size: 1,
	})
	require.Equal(t, ddtransport.MaxMetadataSizeExceededReply{}, reply)
}

func TestMaxBlobSizeExceeded(t *testing.T) {
	ch, _ := newTestActor(t, Config{MaxBlobSize: 4})

	reply := call(t, ch, ddtransport.WriteRequest{Key: []byte("foo"), Size: 100})
	require.Equal(t, ddtransport.MaxBlobSizeExceededReply{}, reply)
}

func TestMaxConcurrencySaturationRefusesEvenCancelUntilDeadline(t *testing.T) {
	ch, _ := newTestActor(t, Config{MaxConcurrency: 1, RequestTimeout: 100 * time.Millisecond})

	reply := call(t, ch, ddtransport.WriteRequest{Key: []byte("foo"), Size: 1})
	first, ok := reply.(ddtransport.OkSomeReply)
	require.True(t, ok, "%#v", reply)
	require.True(t, first.HasToken)

	busyReply := call(t, ch, ddtransport.ReadRequest{Key: []byte("bar")})
	require.Equal(t, ddtransport.UnavailableReply{}, busyReply)

	// Every request needs a permit, Cancel included: with the only permit
	// parked alongside the token, the server refuses the Cancel too, and
	// the token can only be reclaimed by its deadline.
	cancelReply := call(t, ch, ddtransport.CancelRequest{Token: first.Token})
	require.Equal(t, ddtransport.UnavailableReply{}, cancelReply)

	reclaimed := false

	for range 100 {
		r := call(t, ch, ddtransport.ReadRequest{Key: []byte("bar")})
		if _, unavailable := r.(ddtransport.UnavailableReply); !unavailable {
			reclaimed = true

			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	require.True(t, reclaimed, "deadline expiry must reclaim the parked permit")
}

func TestCancelUnknownTokenStillReplies(t *testing.T) {
	ch, _ := newTestActor(t, Config{})

	reply := call(t, ch, ddtransport.CancelRequest{Token: 99999})
	require.Equal(t, ddtransport.CancelReply{}, reply)
}
