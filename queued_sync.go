package qsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
)

// queuedSync is a generic acquire/release core: a 32-bit state word
// whose transitions are supplied by a syncPolicy, plus a CLH-style
// FIFO queue of parked goroutines. It supports exclusive and shared
// acquisition, timed and cancellable waits, and cancellation that
// unsplices the waiter and re-signals an eligible successor.
type queuedSync struct {
	state  atomic.Uint32
	head   atomic.Pointer[qnode]
	tail   atomic.Pointer[qnode]
	policy syncPolicy
}

// syncPolicy supplies the state-transition attempts for a queuedSync.
// The try methods must be non-blocking; the queue handles waiting.
// tryAcquireShared returns negative on failure, zero on success with
// no further propagation, positive on success when subsequent shared
// acquisitions may also succeed.
type syncPolicy interface {
	tryAcquire(n uint32) bool
	tryRelease(n uint32) bool
	tryAcquireShared(n uint32) int
	tryReleaseShared(n uint32) bool
}

const (
	qsSignal    = int32(-1) // successor needs an unpark
	qsCancelled = int32(1)  // waiter timed out or was cancelled
	qsPropagate = int32(-3) // a shared release should propagate
)

type qnode struct {
	prev   atomic.Pointer[qnode]
	next   atomic.Pointer[qnode]
	status atomic.Int32
	shared bool
	// gid identifies the waiting goroutine for fairness checks; it is
	// cleared when the node becomes the head (the holder, not a waiter).
	gid    atomic.Int64
	signal chan struct{}
}

func newQnode(shared bool, gid int64) *qnode {
	n := &qnode{shared: shared, signal: make(chan struct{}, 1)}
	n.gid.Store(gid)
	return n
}

//go:nosplit
func (n *qnode) unpark() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// addWaiter appends a new node for the calling goroutine to the queue.
func (qs *queuedSync) addWaiter(shared bool) *qnode {
	node := newQnode(shared, goid.Get())
	if t := qs.tail.Load(); t != nil {
		node.prev.Store(t)
		if qs.tail.CompareAndSwap(t, node) {
			t.next.Store(node)
			return node
		}
	}
	qs.enq(node)
	return node
}

// enq inserts node, initializing the sentinel head on first contention.
func (qs *queuedSync) enq(node *qnode) {
	var spins int
	for {
		t := qs.tail.Load()
		if t == nil {
			h := newQnode(false, 0)
			if qs.head.CompareAndSwap(nil, h) {
				qs.tail.Store(h)
			}
			continue
		}
		node.prev.Store(t)
		if qs.tail.CompareAndSwap(t, node) {
			t.next.Store(node)
			return
		}
		delay(&spins)
	}
}

func (qs *queuedSync) setHead(node *qnode) {
	qs.head.Store(node)
	node.prev.Store(nil)
	node.gid.Store(0)
}

// shouldPark reports whether a waiter that just failed to acquire can
// safely park: its predecessor has promised a wake-up. On other
// statuses it repairs the queue (skipping cancelled predecessors) or
// records the promise, and the caller retries first.
func (qs *queuedSync) shouldPark(pred, node *qnode) bool {
	ws := pred.status.Load()
	if ws == qsSignal {
		return true
	}
	if ws > 0 {
		for {
			pred = pred.prev.Load()
			if pred.status.Load() <= 0 {
				break
			}
		}
		node.prev.Store(pred)
		pred.next.Store(node)
	} else {
		pred.status.CompareAndSwap(ws, qsSignal)
	}
	return false
}

// acquire blocks until the policy grants exclusive access.
func (qs *queuedSync) acquire(n uint32) {
	if qs.policy.tryAcquire(n) {
		return
	}
	qs.acquireQueued(qs.addWaiter(false), n, nil, time.Time{})
}

// acquireCtx is acquire with cancellation.
func (qs *queuedSync) acquireCtx(n uint32, ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if qs.policy.tryAcquire(n) {
		return nil
	}
	_, err := qs.acquireQueued(qs.addWaiter(false), n, ctx, time.Time{})
	return err
}

// tryAcquireFor is acquire with a timeout; false means it expired.
func (qs *queuedSync) tryAcquireFor(n uint32, timeout time.Duration) bool {
	if qs.policy.tryAcquire(n) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ok, _ := qs.acquireQueued(qs.addWaiter(false), n, nil, time.Now().Add(timeout))
	return ok
}

func (qs *queuedSync) acquireQueued(node *qnode, n uint32, ctx context.Context, deadline time.Time) (bool, error) {
	for {
		p := node.prev.Load()
		if p == qs.head.Load() && qs.policy.tryAcquire(n) {
			qs.setHead(node)
			p.next.Store(nil)
			return true, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			qs.cancelAcquire(node)
			return false, nil
		}
		if qs.shouldPark(p, node) {
			parkOn(node.signal, ctx, deadline)
		}
		if ctx != nil && ctx.Err() != nil {
			qs.cancelAcquire(node)
			return false, ctx.Err()
		}
	}
}

// acquireShared blocks until the policy grants shared access.
func (qs *queuedSync) acquireShared(n uint32) {
	if qs.policy.tryAcquireShared(n) < 0 {
		qs.acquireSharedQueued(qs.addWaiter(true), n, nil, time.Time{})
	}
}

// acquireSharedCtx is acquireShared with cancellation.
func (qs *queuedSync) acquireSharedCtx(n uint32, ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if qs.policy.tryAcquireShared(n) >= 0 {
		return nil
	}
	_, err := qs.acquireSharedQueued(qs.addWaiter(true), n, ctx, time.Time{})
	return err
}

// tryAcquireSharedFor is acquireShared with a timeout.
func (qs *queuedSync) tryAcquireSharedFor(n uint32, timeout time.Duration) bool {
	if qs.policy.tryAcquireShared(n) >= 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ok, _ := qs.acquireSharedQueued(qs.addWaiter(true), n, nil, time.Now().Add(timeout))
	return ok
}

func (qs *queuedSync) acquireSharedQueued(node *qnode, n uint32, ctx context.Context, deadline time.Time) (bool, error) {
	for {
		p := node.prev.Load()
		if p == qs.head.Load() {
			if r := qs.policy.tryAcquireShared(n); r >= 0 {
				qs.setHeadAndPropagate(node, r)
				p.next.Store(nil)
				return true, nil
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			qs.cancelAcquire(node)
			return false, nil
		}
		if qs.shouldPark(p, node) {
			parkOn(node.signal, ctx, deadline)
		}
		if ctx != nil && ctx.Err() != nil {
			qs.cancelAcquire(node)
			return false, ctx.Err()
		}
	}
}

// setHeadAndPropagate installs node as head and, when the acquisition
// may enable further shared acquisitions, keeps the wake-up rolling
// down a run of shared waiters.
func (qs *queuedSync) setHeadAndPropagate(node *qnode, propagate int) {
	h := qs.head.Load()
	qs.setHead(node)
	// The second head check catches a release that raced with the head
	// swap; missing it can strand a shared waiter.
	wake := propagate > 0 || h == nil || h.status.Load() < 0
	if !wake {
		h = qs.head.Load()
		wake = h == nil || h.status.Load() < 0
	}
	if wake {
		s := node.next.Load()
		if s == nil || s.shared {
			qs.doReleaseShared()
		}
	}
}

// release performs an exclusive release and wakes the next waiter.
func (qs *queuedSync) release(n uint32) bool {
	if qs.policy.tryRelease(n) {
		if h := qs.head.Load(); h != nil && h.status.Load() != 0 {
			qs.unparkSuccessor(h)
		}
		return true
	}
	return false
}

// releaseShared performs a shared release with propagation.
func (qs *queuedSync) releaseShared(n uint32) bool {
	if qs.policy.tryReleaseShared(n) {
		qs.doReleaseShared()
		return true
	}
	return false
}

// doReleaseShared signals the head's successor, using the PROPAGATE
// status to record a release that raced with a head change so a
// concurrent acquirer propagates it instead.
func (qs *queuedSync) doReleaseShared() {
	for {
		h := qs.head.Load()
		if h != nil && h != qs.tail.Load() {
			ws := h.status.Load()
			if ws == qsSignal {
				if !h.status.CompareAndSwap(qsSignal, 0) {
					continue // another releaser got here first
				}
				qs.unparkSuccessor(h)
			} else if ws == 0 && !h.status.CompareAndSwap(0, qsPropagate) {
				continue
			}
		}
		if h == qs.head.Load() {
			return
		}
	}
}

// unparkSuccessor wakes the nearest live waiter after node, scanning
// backwards from the tail when the next link is stale or cancelled.
func (qs *queuedSync) unparkSuccessor(node *qnode) {
	if ws := node.status.Load(); ws < 0 {
		node.status.CompareAndSwap(ws, 0)
	}
	s := node.next.Load()
	if s == nil || s.status.Load() > 0 {
		s = nil
		for t := qs.tail.Load(); t != nil && t != node; t = t.prev.Load() {
			if t.status.Load() <= 0 {
				s = t
			}
		}
	}
	if s != nil {
		s.unpark()
	}
}

// cancelAcquire removes a waiter that gave up. The node is fully
// unspliced before control returns to the caller; when it was the
// presumptive next-to-wake, the wake-up is forwarded.
func (qs *queuedSync) cancelAcquire(node *qnode) {
	if node == nil {
		return
	}
	pred := node.prev.Load()
	for pred.status.Load() > 0 {
		pred = pred.prev.Load()
		node.prev.Store(pred)
	}
	predNext := pred.next.Load()
	node.status.Store(qsCancelled)

	if node == qs.tail.Load() && qs.tail.CompareAndSwap(node, pred) {
		pred.next.CompareAndSwap(predNext, nil)
		return
	}
	ws := pred.status.Load()
	if pred != qs.head.Load() &&
		(ws == qsSignal || (ws <= 0 && pred.status.CompareAndSwap(ws, qsSignal))) &&
		pred.gid.Load() != 0 {
		next := node.next.Load()
		if next != nil && next.status.Load() <= 0 {
			pred.next.CompareAndSwap(predNext, next)
		}
	} else {
		qs.unparkSuccessor(node)
	}
}

// hasQueuedPredecessors reports whether any goroutine other than the
// caller has been waiting longer (the fair-mode admission test).
func (qs *queuedSync) hasQueuedPredecessors() bool {
	h := qs.head.Load()
	t := qs.tail.Load()
	if h == t {
		return false
	}
	s := h.next.Load()
	return s == nil || s.gid.Load() != goid.Get()
}

// apparentlyFirstQueuedIsExclusive reports whether the longest-waiting
// goroutine, if any, wants exclusive access. Non-fair readers defer in
// that case so writers are not starved.
func (qs *queuedSync) apparentlyFirstQueuedIsExclusive() bool {
	h := qs.head.Load()
	if h == nil {
		return false
	}
	s := h.next.Load()
	return s != nil && !s.shared
}

// hasQueuedWaiters reports whether any goroutine is queued.
func (qs *queuedSync) hasQueuedWaiters() bool {
	return qs.head.Load() != qs.tail.Load()
}

// queueLength estimates the number of queued goroutines.
func (qs *queuedSync) queueLength() int {
	n := 0
	for p := qs.tail.Load(); p != nil; p = p.prev.Load() {
		if p.gid.Load() != 0 {
			n++
		}
	}
	return n
}
