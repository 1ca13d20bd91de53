package ddserver

import "time"

// Config holds everything the actor needs that is not itself a
// *blobstore.Storage or a ddtransport.Transport. Zero-valued size limits
// (MaxKeySize, MaxMetadataSize, MaxBlobSize) mean "unbounded", matching
// blobmeta.Limits' own convention.
type Config struct {
	// MaxKeySize, MaxMetadataSize and MaxBlobSize bound request payloads
	// before any I/O is attempted. Zero means unbounded.
	MaxKeySize      int
	MaxMetadataSize int
	MaxBlobSize     uint64

	// MaxConcurrency is the number of in-flight requests (parked or not)
	// the actor admits at once; anything past it gets UnavailableReply.
	MaxConcurrency int64

	// StorageSizeHWM triggers a background eviction sweep once exceeded;
	// StorageSizeLWM is the sweep's target. Zero HWM disables eviction.
	StorageSizeHWM uint64
	StorageSizeLWM uint64

	// RequestTimeout is how long a parked token may sit before the actor
	// reclaims it and its guard unilaterally.
	RequestTimeout time.Duration

	// ExpirePollInterval is how often the actor sweeps for expired blobs.
	ExpirePollInterval time.Duration

	// BlobEndpoint is the address a client should connect to in order to
	// stream blob payloads. The data-plane listener itself lives outside
	// this module; an empty endpoint here means none is configured, in
	// which case Read/Write/Pull/Push always answer OkNoneReply rather
	// than parking a guard nobody could ever reach.
	BlobEndpoint string
}
