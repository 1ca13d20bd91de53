// Package ddtoken tracks requests that have handed a guard across to the
// client: a successful Read, Write, Pull, or Push reply carries an opaque
// token the client later cites in Cancel (or simply lets expire) to give
// up the guard and the concurrency permit it is holding.
//
// This is the park side of the request lifecycle: rather than releasing a
// guard at the end of the handler function, a successful operation moves
// responsibility for releasing it into this table, keyed by a token the
// actor hands back to the caller.
package ddtoken

import (
	"sync"
	"time"
)

// Token is an opaque identifier for a parked guard. Clients must not
// assume any ordering or structure; it is only ever compared for equality.
type Token uint64

// Releasable is the minimum guard interface the token table needs: every
// blobstore guard type satisfies it.
type Releasable interface {
	Release()
}

// Entry is a parked guard and the bookkeeping needed to give it back.
type Entry struct {
	// Guard is the parked read or write guard.
	Guard Releasable

	// DeclaredSize is the size the client announced for a parked write,
	// zero for a parked read. Present for diagnostics and for a future
	// quota check; not otherwise interpreted by this package.
	DeclaredSize uint64

	deadline      time.Time
	releasePermit func()
}

// Release gives back the guard and the concurrency permit. Idempotent
// only in the sense that the underlying guard's Release is idempotent;
// State never hands out the same *Entry twice.
func (e *Entry) Release() {
	e.Guard.Release()

	if e.releasePermit != nil {
		e.releasePermit()
	}
}

// State is the table of parked tokens. Every insertion gets a deadline of
// now+timeout; RemoveExpired reclaims anything past its deadline.
type State struct {
	mu      sync.Mutex
	next    uint64
	entries map[Token]*Entry
	timeout time.Duration
}

// New returns an empty State whose entries expire after timeout.
func New(timeout time.Duration) *State {
	return &State{
		entries: make(map[Token]*Entry),
		timeout: timeout,
	}
}

// InsertReader parks a read (or pull) guard, returning the token the
// caller should hand back to the client.
func (s *State) InsertReader(guard Releasable, releasePermit func()) Token {
	return s.insert(&Entry{Guard: guard, releasePermit: releasePermit})
}

// InsertWriter parks a write (or push) guard along with the size the
// client declared it would write.
func (s *State) InsertWriter(guard Releasable, declaredSize uint64, releasePermit func()) Token {
	return s.insert(&Entry{Guard: guard, DeclaredSize: declaredSize, releasePermit: releasePermit})
}

func (s *State) insert(e *Entry) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	tok := Token(s.next)
	e.deadline = time.Now().Add(s.timeout)
	s.entries[tok] = e

	return tok
}

// Remove takes tok out of the table and returns its entry, or nil if tok
// is unknown (already removed, already expired, or never issued). The
// caller is responsible for calling Entry.Release.
func (s *State) Remove(tok Token) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[tok]
	if !ok {
		return nil
	}

	delete(s.entries, tok)

	return e
}

// Len reports how many tokens are currently parked.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// NextDeadline returns the nearest deadline over every parked token. ok is
// false if nothing is parked. This drives the server actor's
// token-deadline timer arm.
func (s *State) NextDeadline() (deadline time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if !ok || e.deadline.Before(deadline) {
			deadline = e.deadline
			ok = true
		}
	}

	return deadline, ok
}

// RemoveExpired removes and returns every entry whose deadline is at or
// before now. The caller is responsible for calling Release on each.
func (s *State) RemoveExpired(now time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Entry

	for tok, e := range s.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, e)
			delete(s.entries, tok)
		}
	}

	return expired
}
