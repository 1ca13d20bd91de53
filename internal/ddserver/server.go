// Package ddserver is the cache's control-plane actor: it owns the
// concurrency permit pool, the parked-token table, and the single decision
// point for when a background eviction or expiration sweep runs.
//
// A single-threaded cooperative reactor is the conceptual shape, but this
// implementation does not reproduce the single-thread constraint
// literally: each admitted request runs on its own goroutine,
// which is the idiomatic Go shape and gives the same per-request
// backpressure (a blocked Transport.Send just blocks that one goroutine)
// without serializing unrelated requests behind one slow reply. What does
// stay centralized, in Actor.Run's own select loop, is everything that
// must not race: admission against the
// concurrency semaphore, the token-deadline timer, and the single-flight
// invariant that at most one eviction and one expiration sweep run at a
// time.
package ddserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ddcache/ddcache/internal/ddtoken"
	"github.com/ddcache/ddcache/internal/ddtransport"
	"github.com/ddcache/ddcache/pkg/blobstore"
)

// Actor runs the request-dispatch and background-sweep loop for one
// storage directory until its context is cancelled or the transport is
// closed.
type Actor struct {
	cfg       Config
	transport ddtransport.Transport
	storage   *blobstore.Storage
	tokens    *ddtoken.State
	sem       *semaphore.Weighted
	stats     Stats
	log       *slog.Logger

	bg errgroup.Group
}

// New builds an Actor. storage must already be open.
func New(cfg Config, transport ddtransport.Transport, storage *blobstore.Storage, log *slog.Logger) *Actor {
	if log == nil {
		log = slog.Default()
	}

	return &Actor{
		cfg:       cfg,
		transport: transport,
		storage:   storage,
		tokens:    ddtoken.New(cfg.RequestTimeout),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		log:       log,
	}
}

// Stats returns a point-in-time snapshot of the actor's request counters.
func (a *Actor) Stats() Snapshot {
	return a.stats.snapshot()
}

type recvResult struct {
	env ddtransport.Envelope
	err error
}

func (a *Actor) recvLoop(ctx context.Context, out chan<- recvResult) {
	for {
		env, err := a.transport.Recv(ctx)

		select {
		case out <- recvResult{env: env, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

const noDeadline = time.Hour

// Run drives the actor until ctx is cancelled or the transport reports an
// error (including a closed transport). It always returns a non-nil error;
// context.Canceled/DeadlineExceeded are the expected clean-shutdown cases.
func (a *Actor) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	defer workers.Wait()
	defer func() {
		if err := a.bg.Wait(); err != nil {
			a.log.Error("background task failed", "error", err)
		}
	}()

	recvCh := make(chan recvResult)
	go a.recvLoop(ctx, recvCh)

	workerDone := make(chan struct{})
	evictDone := make(chan error, 1)
	expireDone := make(chan error, 1)

	var evicting, expiring bool

	deadlineTimer := time.NewTimer(noDeadline)
	defer deadlineTimer.Stop()
	a.resetDeadlineTimer(deadlineTimer)

	expireTimer := time.NewTimer(noDeadline)
	defer expireTimer.Stop()
	a.resetExpireTimer(expireTimer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-recvCh:
			if res.err != nil {
				return res.err
			}

			a.admitAndDispatch(ctx, res.env, &workers, workerDone)

		case <-workerDone:
			// The finished worker may have parked or cancelled a token;
			// recompute the deadline timer from the table's current state.
			a.resetDeadlineTimer(deadlineTimer)

			if !evicting && a.cfg.StorageSizeHWM > 0 && a.storage.Size() > a.cfg.StorageSizeHWM {
				evicting = true
				target := a.cfg.StorageSizeLWM

				a.bg.Go(func() error {
					before := a.storage.Size()
					_, err := a.storage.Evict(ctx, target)
					a.log.Info("eviction swept", "before", before, "after", a.storage.Size(), "error", err)
					evictDone <- err
					return nil
				})
			}

		case err := <-evictDone:
			evicting = false
			if err != nil {
				a.log.Warn("eviction sweep failed", "error", err)
			}

		case <-expireTimer.C:
			if !expiring {
				expiring = true
				now := time.Now()

				a.bg.Go(func() error {
					removed, err := a.storage.Expire(ctx, now)
					a.log.Info("expiration swept", "removed", removed, "error", err)
					expireDone <- err
					return nil
				})
			} else {
				a.resetExpireTimer(expireTimer)
			}

		case err := <-expireDone:
			expiring = false
			if err != nil {
				a.log.Warn("expiration sweep failed", "error", err)
			}

			a.resetExpireTimer(expireTimer)

		case <-deadlineTimer.C:
			for _, e := range a.tokens.RemoveExpired(time.Now()) {
				e.Release()
			}

			a.resetDeadlineTimer(deadlineTimer)
		}
	}
}

func (a *Actor) resetDeadlineTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	deadline, ok := a.tokens.NextDeadline()
	if !ok {
		t.Reset(noDeadline)
		return
	}

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}

	t.Reset(d)
}

// resetExpireTimer wakes the expiration sweep at the earliest known
// ExpireAt, capped by ExpirePollInterval so a blob written with a near
// expiry after the timer was last set is still caught promptly instead of
// waiting for the next full poll.
func (a *Actor) resetExpireTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	next := noDeadline
	if a.cfg.ExpirePollInterval > 0 && a.cfg.ExpirePollInterval < next {
		next = a.cfg.ExpirePollInterval
	}

	if at := a.storage.NextExpireAt(); at != nil {
		if d := time.Until(*at); d < next {
			next = d
		}
	}

	if next < 0 {
		next = 0
	}

	t.Reset(next)
}

// admitAndDispatch tries to acquire a concurrency permit for env and, if
// successful, spawns a goroutine to handle it; otherwise it replies
// Unavailable immediately without ever touching the permit pool's
// accounting for a held permit.
func (a *Actor) admitAndDispatch(ctx context.Context, env ddtransport.Envelope, workers *sync.WaitGroup, workerDone chan<- struct{}) {
	if !a.sem.TryAcquire(1) {
		a.reply(ctx, env, ddtransport.UnavailableReply{})
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		a.sem.Release(1)
	}

	workers.Add(1)
	go func() {
		defer workers.Done()

		reply := a.dispatch(ctx, env.Request, release)
		a.reply(ctx, env, reply)

		select {
		case workerDone <- struct{}{}:
		case <-ctx.Done():
		}
	}()
}

func (a *Actor) reply(ctx context.Context, env ddtransport.Envelope, reply ddtransport.Reply) {
	if err := a.transport.Send(ctx, ddtransport.Outbound{Correlation: env.Correlation, Reply: reply}); err != nil {
		a.log.Warn("failed to send reply", "error", err)
	}
}
