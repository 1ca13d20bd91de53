package blobmap

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Tests and callers MUST classify errors using errors.Is.
var (
	// ErrCollision indicates Write observed a different key already occupying
	// the same KeyHash slot. The error's Key field carries the colliding key
	// so the caller can evict it and retry.
	ErrCollision = errors.New("blobmap: hash collision")

	// ErrStuck indicates Write retried maxInsertAttempts times and the entry was still
	// in the Removing state every time. This should not happen in practice;
	// it indicates a bug in the removal path (a guard that never drops).
	ErrStuck = errors.New("blobmap: stuck removing entry")
)

// CollisionError wraps [ErrCollision] with the key that was occupying the
// colliding slot, so callers can decide whether and how to evict it.
type CollisionError struct {
	Key []byte
}

func (e *CollisionError) Error() string {
	return "blobmap: hash collision with key " + string(e.Key)
}

func (e *CollisionError) Unwrap() error {
	return ErrCollision
}
