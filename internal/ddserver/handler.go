package ddserver

import (
	"context"

	"github.com/ddcache/ddcache/internal/ddtoken"
	"github.com/ddcache/ddcache/internal/ddtransport"
	"github.com/ddcache/ddcache/pkg/blobstore"
)

// dispatch runs one request to completion and returns its reply. release
// gives back the concurrency permit this request was admitted under; every
// path must call it exactly once, either directly (the request did not
// park a guard) or indirectly by handing it to the token table alongside a
// parked guard, to be released later by Cancel or by deadline expiry.
func (a *Actor) dispatch(ctx context.Context, req ddtransport.Request, release func()) ddtransport.Reply {
	switch r := req.(type) {
	case ddtransport.CancelRequest:
		defer release()

		if e := a.tokens.Remove(ddtoken.Token(r.Token)); e != nil {
			e.Release()
		}

		return ddtransport.CancelReply{}

	case ddtransport.ReadRequest:
		if rep := a.checkKey(r.Key); rep != nil {
			defer release()
			return rep
		}

		return a.handleRead(ctx, r.Key, release)

	case ddtransport.ReadMetadataRequest:
		defer release()

		if rep := a.checkKey(r.Key); rep != nil {
			return rep
		}

		return a.handleReadMetadata(ctx, r.Key)

	case ddtransport.WriteRequest:
		if rep := a.checkWrite(r.Key, r.Metadata, r.HasMetadata, r.Size); rep != nil {
			defer release()
			return rep
		}

		return a.handleWrite(r, release)

	case ddtransport.WriteMetadataRequest:
		defer release()

		if rep := a.checkKey(r.Key); rep != nil {
			return rep
		}

		if r.MetadataSet {
			if rep := a.checkMetadata(r.Metadata); rep != nil {
				return rep
			}
		}

		return a.handleWriteMetadata(r)

	case ddtransport.RemoveRequest:
		defer release()

		if rep := a.checkKey(r.Key); rep != nil {
			return rep
		}

		return a.handleRemove(ctx, r.Key)

	case ddtransport.PullRequest:
		if rep := a.checkKey(r.Key); rep != nil {
			defer release()
			return rep
		}

		return a.handlePull(ctx, r.Key, release)

	case ddtransport.PushRequest:
		if rep := a.checkWrite(r.Key, r.Metadata, r.HasMetadata, r.Size); rep != nil {
			defer release()
			return rep
		}

		return a.handlePush(r, release)

	default:
		defer release()
		return ddtransport.InvalidRequestReply{}
	}
}

func (a *Actor) checkKey(key []byte) ddtransport.Reply {
	if a.cfg.MaxKeySize > 0 && len(key) > a.cfg.MaxKeySize {
		return ddtransport.MaxKeySizeExceededReply{}
	}

	return nil
}

func (a *Actor) checkMetadata(metadata []byte) ddtransport.Reply {
	if a.cfg.MaxMetadataSize > 0 && len(metadata) > a.cfg.MaxMetadataSize {
		return ddtransport.MaxMetadataSizeExceededReply{}
	}

	return nil
}

func (a *Actor) checkSize(size uint64) ddtransport.Reply {
	if a.cfg.MaxBlobSize > 0 && size > a.cfg.MaxBlobSize {
		return ddtransport.MaxBlobSizeExceededReply{}
	}

	return nil
}

// checkWrite runs the key/metadata/size bound checks shared by Write and
// Push, in a fixed key/metadata/size order, so the first violation wins.
func (a *Actor) checkWrite(key, metadata []byte, hasMetadata bool, size uint64) ddtransport.Reply {
	if rep := a.checkKey(key); rep != nil {
		return rep
	}

	if hasMetadata {
		if rep := a.checkMetadata(metadata); rep != nil {
			return rep
		}
	}

	return a.checkSize(size)
}

// readLock performs the promoting storage read shared by Read and
// ReadMetadata, updating the hit/miss counters.
func (a *Actor) readLock(ctx context.Context, key []byte) (*blobstore.ReadGuard, error) {
	g, err := a.storage.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	if g != nil {
		a.stats.ReadHit.Add(1)
	} else {
		a.stats.ReadMiss.Add(1)
	}

	return g, nil
}

func (a *Actor) handleRead(ctx context.Context, key []byte, release func()) ddtransport.Reply {
	if a.cfg.BlobEndpoint == "" {
		release()
		return ddtransport.OkNoneReply{}
	}

	g, err := a.readLock(ctx, key)
	if err != nil {
		release()
		return ddtransport.ServerErrorReply{Err: err}
	}

	if g == nil {
		release()
		// A peer-pull-on-miss step belongs to the excluded peer/transport
		// layer; this server only ever answers from local storage.
		return ddtransport.OkNoneReply{}
	}

	meta, size, expireAt := g.Metadata(), g.Size(), g.ExpireAt()
	tok := a.tokens.InsertReader(g, release)

	return ddtransport.OkSomeReply{
		Metadata: meta,
		Size:     size,
		ExpireAt: expireAt,
		Endpoint: a.cfg.BlobEndpoint,
		Token:    uint64(tok),
		HasToken: true,
	}
}

func (a *Actor) handleReadMetadata(ctx context.Context, key []byte) ddtransport.Reply {
	g, err := a.readLock(ctx, key)
	if err != nil {
		return ddtransport.ServerErrorReply{Err: err}
	}

	if g == nil {
		return ddtransport.OkNoneReply{}
	}

	defer g.Release()

	return ddtransport.OkSomeReply{
		Metadata: g.Metadata(),
		Size:     g.Size(),
		ExpireAt: g.ExpireAt(),
	}
}

func (a *Actor) tryWriteLock(key []byte, truncate bool) *blobstore.WriteGuard {
	g := a.storage.TryWrite(key, truncate)
	if g != nil {
		a.stats.WriteLockSucceed.Add(1)
	} else {
		a.stats.WriteLockFail.Add(1)
	}

	return g
}

func (a *Actor) handleWrite(r ddtransport.WriteRequest, release func()) ddtransport.Reply {
	if a.cfg.BlobEndpoint == "" {
		release()
		return ddtransport.OkNoneReply{}
	}

	g := a.tryWriteLock(r.Key, true)
	if g == nil {
		release()
		return ddtransport.OkNoneReply{}
	}

	if r.HasMetadata {
		g.SetMetadata(r.Metadata)
	}

	g.SetExpireAt(r.ExpireAt)

	tok := a.tokens.InsertWriter(g, r.Size, release)

	return ddtransport.OkSomeReply{
		Endpoint: a.cfg.BlobEndpoint,
		Token:    uint64(tok),
		HasToken: true,
	}
}

// handleWriteMetadata updates an existing blob's metadata and/or
// expiration in place, synchronously: no payload I/O is involved, so
// there is nothing to park. It refuses to finalize a brand-new entry,
// since that would create a zero-byte blob the client never asked for; a
// client that does want an empty blob should send Write with size zero.
func (a *Actor) handleWriteMetadata(r ddtransport.WriteMetadataRequest) ddtransport.Reply {
	g := a.tryWriteLock(r.Key, false)
	if g == nil {
		return ddtransport.OkNoneReply{}
	}

	if g.IsNew() {
		g.Release()
		return ddtransport.OkNoneReply{}
	}

	oldMetadata, oldSize, oldExpireAt := g.Metadata(), g.Size(), g.ExpireAt()

	if r.MetadataSet {
		g.SetMetadata(r.Metadata)
	}

	if r.ExpireAtSet {
		g.SetExpireAt(r.ExpireAt)
	}

	if err := g.Commit(); err != nil {
		g.Release()
		return ddtransport.ServerErrorReply{Err: err}
	}

	return ddtransport.OkSomeReply{
		Metadata: oldMetadata,
		Size:     oldSize,
		ExpireAt: oldExpireAt,
	}
}

func (a *Actor) handleRemove(ctx context.Context, key []byte) ddtransport.Reply {
	meta, err := a.storage.Remove(ctx, key)
	if err != nil {
		return ddtransport.ServerErrorReply{Err: err}
	}

	if meta == nil {
		return ddtransport.OkNoneReply{}
	}

	return ddtransport.OkSomeReply{
		Metadata: meta.Metadata,
		Size:     meta.Size,
		ExpireAt: meta.ExpireAt,
	}
}

func (a *Actor) handlePull(ctx context.Context, key []byte, release func()) ddtransport.Reply {
	if a.cfg.BlobEndpoint == "" {
		release()
		return ddtransport.OkNoneReply{}
	}

	g, err := a.storage.Peek(ctx, key)
	if err != nil {
		release()
		return ddtransport.ServerErrorReply{Err: err}
	}

	if g == nil {
		release()
		return ddtransport.OkNoneReply{}
	}

	meta, size, expireAt := g.Metadata(), g.Size(), g.ExpireAt()
	tok := a.tokens.InsertReader(g, release)

	return ddtransport.OkSomeReply{
		Metadata: meta,
		Size:     size,
		ExpireAt: expireAt,
		Endpoint: a.cfg.BlobEndpoint,
		Token:    uint64(tok),
		HasToken: true,
	}
}

func (a *Actor) handlePush(r ddtransport.PushRequest, release func()) ddtransport.Reply {
	if a.cfg.BlobEndpoint == "" {
		release()
		return ddtransport.OkNoneReply{}
	}

	g := a.storage.WriteNew(r.Key)
	if g == nil {
		release()
		return ddtransport.OkNoneReply{}
	}

	if r.HasMetadata {
		g.SetMetadata(r.Metadata)
	}

	g.SetExpireAt(r.ExpireAt)

	tok := a.tokens.InsertWriter(g, r.Size, release)

	return ddtransport.OkSomeReply{
		Endpoint: a.cfg.BlobEndpoint,
		Token:    uint64(tok),
		HasToken: true,
	}
}
