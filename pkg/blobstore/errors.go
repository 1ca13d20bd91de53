package blobstore

import "errors"

// ErrCollisionUnresolved indicates Write retried maxWriteAttempts times and
// a different key kept occupying the target hash slot. This should not
// happen under a 256-bit digest; it indicates either a pathological
// workload or a bug in collision resolution.
var ErrCollisionUnresolved = errors.New("blobstore: cannot resolve hash collision by replacement")
