package ddserver

import "sync/atomic"

// Stats are the actor's lifetime request counters, safe for concurrent
// reads while the actor is running.
type Stats struct {
	ReadHit          atomic.Uint64
	ReadMiss         atomic.Uint64
	WriteLockSucceed atomic.Uint64
	WriteLockFail    atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats' counters, for reporting.
type Snapshot struct {
	ReadHit          uint64
	ReadMiss         uint64
	WriteLockSucceed uint64
	WriteLockFail    uint64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		ReadHit:          s.ReadHit.Load(),
		ReadMiss:         s.ReadMiss.Load(),
		WriteLockSucceed: s.WriteLockSucceed.Load(),
		WriteLockFail:    s.WriteLockFail.Load(),
	}
}
