// Package ddtransport defines the control-plane request/reply contract
// between a client and the cache server actor, and the Transport interface
// that decouples the actor from how those messages actually travel.
//
// The production wire format (framing, the ZeroMQ-style request/reply
// socket, the blob data-plane a client connects to directly to stream
// payload bytes) lives outside this module; this package only carries the
// decoded shapes and provides Channel, an in-process implementation used by
// tests and by ddcached's default loopback mode.
package ddtransport

import (
	"context"
	"time"
)

// Transport decouples the server actor from how requests and replies
// actually travel. The production wire layer (outside this module) decodes
// socket frames into Envelope and serializes Outbound back out; Channel is
// the in-process implementation used by tests and ddcached's default mode.
type Transport interface {
	// Recv returns the next inbound request, or an error (including
	// ctx.Err()) once the transport is closed or ctx is done.
	Recv(ctx context.Context) (Envelope, error)

	// Send delivers a reply. The actor awaits this, which is what gives
	// the system backpressure from the transport back to request
	// handling.
	Send(ctx context.Context, out Outbound) error
}

// Request is one decoded client call. The concrete type selects the
// operation; fields mirror the request variants in the wire protocol.
type Request interface {
	isRequest()
}

// CancelRequest gives up a previously parked token, releasing whatever
// guard and concurrency permit it was holding. Once admitted it replies
// CancelReply; like every request, it gets UnavailableReply when the
// server is already at its concurrency limit.
type CancelRequest struct {
	Token uint64
}

// ReadRequest looks up key, promoting it to most-recently-used on a hit.
// A hit parks a read guard and returns a token the client cites once it has
// finished streaming the payload from the blob endpoint.
type ReadRequest struct {
	Key []byte
}

// ReadMetadataRequest is like ReadRequest but never parks a guard: the
// reply carries metadata/size/expire_at only, and the read lock is released
// before the reply is sent.
type ReadMetadataRequest struct {
	Key []byte
}

// WriteRequest reserves key for a new or replaced blob. A successful lock
// parks a write guard and returns a token and blob endpoint for the client
// to stream the payload to.
type WriteRequest struct {
	Key         []byte
	Metadata    []byte
	HasMetadata bool
	Size        uint64
	ExpireAt    *time.Time
}

// WriteMetadataRequest updates an existing blob's metadata and/or
// expiration without touching its payload. Each optional field is applied
// only if its Set flag is true, so "leave unchanged" is distinguishable
// from "clear it".
type WriteMetadataRequest struct {
	Key         []byte
	Metadata    []byte
	MetadataSet bool
	ExpireAt    *time.Time
	ExpireAtSet bool
}

// RemoveRequest deletes a blob outright.
type RemoveRequest struct {
	Key []byte
}

// PullRequest is a non-promoting read: like ReadRequest, but never moves
// key to most-recently-used. Used by a peer fetching a blob on another
// node's behalf.
type PullRequest struct {
	Key []byte
}

// PushRequest creates a brand-new blob only; it declines (OkNoneReply) if
// key is already present, mirroring WriteNew's semantics.
type PushRequest struct {
	Key         []byte
	Metadata    []byte
	HasMetadata bool
	Size        uint64
	ExpireAt    *time.Time
}

func (CancelRequest) isRequest()        {}
func (ReadRequest) isRequest()          {}
func (ReadMetadataRequest) isRequest()  {}
func (WriteRequest) isRequest()         {}
func (WriteMetadataRequest) isRequest() {}
func (RemoveRequest) isRequest()        {}
func (PullRequest) isRequest()          {}
func (PushRequest) isRequest()          {}

// Reply is the server's response to one Request.
type Reply interface {
	isReply()
}

// OkSomeReply carries a hit or a successfully staged write. Token and
// Endpoint are set only when the operation parked a guard (Read, Write,
// Pull, Push); ReadMetadata and WriteMetadata leave HasToken false.
type OkSomeReply struct {
	Metadata []byte
	Size     uint64
	ExpireAt *time.Time
	Endpoint string
	Token    uint64
	HasToken bool
}

// OkNoneReply is a well-formed miss or a refusal that is not an error: a
// read/pull miss, a write/write-metadata lock that lost a race, or a push
// against an already-present key.
type OkNoneReply struct{}

// CancelReply always answers a CancelRequest, whether or not the token was
// still live.
type CancelReply struct{}

// UnavailableReply means the server was at max_concurrency and declined to
// admit the request at all; no size checks or I/O were attempted.
type UnavailableReply struct{}

// InvalidRequestReply means the request could not be decoded.
type InvalidRequestReply struct{}

// ServerErrorReply wraps an unexpected I/O or encoding failure.
type ServerErrorReply struct {
	Err error
}

// MaxKeySizeExceededReply, MaxMetadataSizeExceededReply and
// MaxBlobSizeExceededReply are returned before any I/O is attempted, as
// soon as a size bound configured on the server is violated.
type MaxKeySizeExceededReply struct{}
type MaxMetadataSizeExceededReply struct{}
type MaxBlobSizeExceededReply struct{}

func (OkSomeReply) isReply()                 {}
func (OkNoneReply) isReply()                 {}
func (CancelReply) isReply()                 {}
func (UnavailableReply) isReply()            {}
func (InvalidRequestReply) isReply()         {}
func (ServerErrorReply) isReply()            {}
func (MaxKeySizeExceededReply) isReply()     {}
func (MaxMetadataSizeExceededReply) isReply() {}
func (MaxBlobSizeExceededReply) isReply()    {}

// Envelope pairs a decoded Request with an opaque correlation handle the
// Transport uses to route the eventual reply back to the right caller.
type Envelope struct {
	Correlation any
	Request     Request
}

// Outbound pairs a Reply with the correlation handle from its Envelope.
type Outbound struct {
	Correlation any
	Reply       Reply
}
