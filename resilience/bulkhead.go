package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kestrelhttp/kestrel/internal/kerrors"
)

// Bulkhead is a fixed-capacity admission gate: a semaphore.Weighted bounds
// the MaxParallelRequests running slots, and an atomic counter enforces a
// separate MaxQueuedRequests bound, rejecting immediately rather than
// queuing unboundedly once it is exceeded.
type Bulkhead struct {
	enabled bool
	sem     *semaphore.Weighted
	maxQueue int64
	queued   int64
	active   int64
	rejected int64
}

// NewBulkhead builds a Bulkhead from cfg. A disabled bulkhead admits every
// request unconditionally.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if !cfg.Enabled {
		return &Bulkhead{enabled: false}
	}
	return &Bulkhead{
		enabled:  true,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallelRequests)),
		maxQueue: int64(cfg.MaxQueuedRequests),
	}
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Active   int64
	Queued   int64
	Rejected int64
}

func (b *Bulkhead) Stats() Stats {
	return Stats{
		Active:   atomic.LoadInt64(&b.active),
		Queued:   atomic.LoadInt64(&b.queued),
		Rejected: atomic.LoadInt64(&b.rejected),
	}
}

// Acquire takes a running slot, queuing if none is free (bounded by
// MaxQueuedRequests), or fails fast with BulkheadRejected if the queue is
// also full. Cancellation while queued dequeues promptly via ctx.Done.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if !b.enabled {
		return nil
	}

	// Fast path: a slot is immediately free.
	if b.sem.TryAcquire(1) {
		atomic.AddInt64(&b.active, 1)
		return nil
	}

	if atomic.AddInt64(&b.queued, 1) > b.maxQueue {
		atomic.AddInt64(&b.queued, -1)
		atomic.AddInt64(&b.rejected, 1)
		return kerrors.New(kerrors.KindBulkheadRejected, "bulkhead queue is full")
	}
	defer atomic.AddInt64(&b.queued, -1)

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return kerrors.New(kerrors.KindAborted, "bulkhead wait interrupted").WithCause(err)
	}
	atomic.AddInt64(&b.active, 1)
	return nil
}

// Release returns a slot to the pool. Safe to call even when disabled.
func (b *Bulkhead) Release() {
	if !b.enabled {
		return
	}
	atomic.AddInt64(&b.active, -1)
	b.sem.Release(1)
}
